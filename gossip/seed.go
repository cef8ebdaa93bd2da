package gossip

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// Seed is one bootstrap peer: a base64 Ed25519 node id paired with a
// dial address.
type Seed struct {
	NodeID  string
	Address string
}

// ParseSeedList parses "node_id@host:port" entries, discarding any that
// are malformed rather than failing the whole list — one bad seed in a
// config file should not prevent a node from joining via the others.
func ParseSeedList(values []string, logger *slog.Logger) []Seed {
	seeds := make([]Seed, 0, len(values))
	seen := map[string]bool{}
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		nodePart, addrPart, found := strings.Cut(trimmed, "@")
		if !found {
			logger.Warn("gossip: ignoring seed, missing node id", "seed", trimmed)
			continue
		}
		nodeID := strings.TrimSpace(nodePart)
		if _, err := base64.RawURLEncoding.DecodeString(nodeID); err != nil || nodeID == "" {
			logger.Warn("gossip: ignoring seed, invalid node id encoding", "seed", trimmed)
			continue
		}
		addr := strings.TrimSpace(addrPart)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			logger.Warn("gossip: ignoring seed, invalid address", "seed", trimmed, "error", err)
			continue
		}
		key := fmt.Sprintf("%s@%s", nodeID, addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		seeds = append(seeds, Seed{NodeID: nodeID, Address: addr})
	}
	return seeds
}
