package gossip

import (
	"context"
	"time"
)

// Optimize runs one pass of mesh optimization (C13): if over capacity,
// evict the lowest-scoring unprotected peer; if under capacity, dial the
// highest-reputation discovered peer not already connected. reputations
// maps node id to its derived total reputation (package reputation's
// Compute output, read from outside the store's mutex).
func Optimize(ctx context.Context, s *Server, scorer *Scorer, reputations map[string]int64, weights ScoringWeights, now time.Time) {
	weights = weights.withDefaults()
	connected := s.Peers()

	if len(connected) > weights.MaxPeerConnections {
		protected := map[string]bool{}
		for _, id := range scorer.TopPeers(reputations, weights, weights.ProtectedPeerCount, now) {
			protected[id] = true
		}
		if weakest, ok := scorer.WeakestPeer(reputations, weights, protected, now); ok {
			s.Disconnect(weakest)
			scorer.RecordDisconnect(weakest)
		}
		return
	}

	if len(connected) < weights.MaxPeerConnections {
		connectedSet := make(map[string]bool, len(connected))
		for _, id := range connected {
			connectedSet[id] = true
		}
		var best PexAddress
		haveBest := false
		var bestRep int64 = -1
		for _, addr := range s.DiscoveredPeers() {
			if connectedSet[addr.NodeID] || addr.URL == "" {
				continue
			}
			if rep := reputations[addr.NodeID]; !haveBest || rep > bestRep {
				best, bestRep, haveBest = addr, rep, true
			}
		}
		if haveBest {
			_ = s.Connect(ctx, best.URL, false)
		}
	}
}
