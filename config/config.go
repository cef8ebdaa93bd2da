// Package config owns the two distinct configuration surfaces a node
// needs: process-start settings read once from a TOML file (own URL,
// bootstrap peers, data directory, ...), and the governance-mutable
// economy/peer/election parameters that live inside the replicated global
// channel and can only change via an approved config_change proposal.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"synapse-ng/state"
)

// Process holds the settings a node needs before it can even dial a peer.
// These are never gossiped and never governance-mutable; they describe
// this process's local identity on the network, not the network's shared
// state.
type Process struct {
	OwnURL          string   `toml:"OwnURL"`
	RendezvousURL   string   `toml:"RendezvousURL"`
	BootstrapPeers  []string `toml:"BootstrapPeers"`
	Channels        []string `toml:"Channels"`
	DataDir         string   `toml:"DataDir"`
	ICEServers      []string `toml:"ICEServers"`
	LocalDiscovery  bool     `toml:"LocalDiscovery"`
	ListenAddr      string   `toml:"ListenAddr"`
}

// Load reads path, creating a default file there if none exists yet —
// the same load-or-create-default shape the rest of the stack's TOML
// configs use.
func Load(path string) (*Process, error) {
	cfg := &Process{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func createDefault(path string) (*Process, error) {
	cfg := &Process{
		DataDir:    "./synapse-data",
		ListenAddr: ":7946",
		Channels:   []string{"general"},
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Process) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./synapse-data"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":7946"
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{"general"}
	}
}

// GovernanceDefaults are the fixed set of config keys with defaults,
// every one governance-mutable via an approved config_change proposal
// (C11). Seed installs these into a fresh global channel; values already
// present (because they were gossiped in from a peer, or already
// governance-changed) are left untouched.
func GovernanceDefaults() map[string]any {
	return map[string]any{
		// economy
		"initial_balance_sp":                 int64(1000),
		"treasury_initial_balance":           int64(0),
		"transaction_tax_percentage":         0.02,
		"task_completion_reputation_reward":  10.0,
		"proposal_vote_reputation_reward":    1.0,
		"vote_weight_log_base":               2.0,

		// peers
		"peer_score_weight_reputation": 0.5,
		"peer_score_weight_stability":  0.3,
		"peer_score_weight_latency":    0.2,
		"max_peer_connections":         int64(32),
		"protected_peer_count":         int64(4),

		// governance
		"validator_set_size":                   int64(7),
		"validator_election_interval_seconds":  int64(300),
		"proposal_auto_close_after_seconds":    int64(3600),

		// health targets for the immune collaborator (C13's target state);
		// the mesh optimizer does not read this key
		"health_target_min_peers": int64(8),
	}
}

// Seed installs every governance-default key missing from the global
// channel's config map. Safe to call on every startup.
func Seed(store *state.Store) {
	defaults := GovernanceDefaults()
	store.WithGlobal(func(g *state.Channel) {
		if g.Config == nil {
			g.Config = map[string]any{}
		}
		for k, v := range defaults {
			if _, ok := g.Config[k]; !ok {
				g.Config[k] = v
			}
		}
	})
}
