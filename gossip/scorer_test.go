package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScorer_StabilityPenalizesDisconnects(t *testing.T) {
	s := NewScorer()
	now := time.Now()
	s.AddPeer("p1", now.Add(-10*time.Minute))
	s.UpdateActivity("p1", now)

	stable, ok := s.metrics["p1"], true
	require.True(t, ok)
	stable.TotalUptime = 10 * time.Minute

	weights := ScoringWeights{WeightReputation: 0.5, WeightStability: 0.3, WeightLatency: 0.2}
	scoreNoDisconnects, _ := s.Score("p1", 500, weights, now)

	stable.DisconnectCount = 5
	scoreWithDisconnects, _ := s.Score("p1", 500, weights, now)

	require.Less(t, scoreWithDisconnects, scoreNoDisconnects)
}

// TestScenario_PeerEviction (S6): max_peer_connections=5, protected=2, six
// peers connected with known scores sorted high-to-low {P1..P6}; the
// scorer names P6, the lowest-scoring peer not in the protected top-2, as
// the eviction candidate. The optimizer pass itself is not run here.
func TestScenario_PeerEviction(t *testing.T) {
	s := NewScorer()
	now := time.Now()

	reputations := map[string]int64{}
	ids := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	for i, id := range ids {
		s.AddPeer(id, now.Add(-time.Hour))
		m := s.metrics[id]
		m.TotalUptime = time.Hour
		m.LatencyMS = float64(50 + i*10) // p1 has the lowest (best) latency
		reputations[id] = int64(1000 - i*100)
	}

	weights := ScoringWeights{
		WeightReputation:   0.5,
		WeightStability:    0.3,
		WeightLatency:      0.2,
		MaxPeerConnections: 5,
		ProtectedPeerCount: 2,
	}

	scores := s.AllScores(reputations, weights, now)
	require.Len(t, scores, 6)

	protected := map[string]bool{}
	for _, id := range s.TopPeers(reputations, weights, weights.ProtectedPeerCount, now) {
		protected[id] = true
	}
	require.Len(t, protected, 2)
	require.Contains(t, protected, "p1")

	weakest, ok := s.WeakestPeer(reputations, weights, protected, now)
	require.True(t, ok)
	require.Equal(t, "p6", weakest, "p6 has both the lowest reputation and the highest latency")

	// Simulate the eviction by removing p6, leaving five peers: WeakestPeer
	// still names a candidate among the unprotected remainder.
	s.RemovePeer("p6")
	delete(reputations, "p6")
	_, ok = s.WeakestPeer(reputations, weights, protected, now)
	require.True(t, ok, "a weakest candidate always exists among the unprotected remainder")
}

func TestScorer_RemovedPeerIsNotScored(t *testing.T) {
	s := NewScorer()
	now := time.Now()
	s.AddPeer("p1", now)
	s.RemovePeer("p1")

	_, ok := s.Score("p1", 100, ScoringWeights{}, now)
	require.False(t, ok)
}
