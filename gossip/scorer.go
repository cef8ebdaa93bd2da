package gossip

import (
	"sort"
	"sync"
	"time"
)

// ScoringWeights are the governance-mutable weights feeding the peer
// health formula, sourced from the global channel's config map.
type ScoringWeights struct {
	WeightReputation    float64
	WeightStability     float64
	WeightLatency       float64
	MaxPeerConnections  int
	ProtectedPeerCount  int
	MaxReputationSeen   int64
}

func (w ScoringWeights) withDefaults() ScoringWeights {
	if w.WeightReputation == 0 && w.WeightStability == 0 && w.WeightLatency == 0 {
		w.WeightReputation = 0.5
		w.WeightStability = 0.3
		w.WeightLatency = 0.2
	}
	if w.MaxReputationSeen <= 0 {
		w.MaxReputationSeen = 1000
	}
	if w.MaxPeerConnections <= 0 {
		w.MaxPeerConnections = 32
	}
	return w
}

// ConnectionMetrics tracks one connected peer's health inputs: connection
// age, uptime ratio, disconnect history, and latency.
type ConnectionMetrics struct {
	ConnectedAt     time.Time
	LastSeen        time.Time
	TotalUptime     time.Duration
	DisconnectCount int
	LatencyMS       float64
	BytesSent       int64
	BytesReceived   int64
}

// stability is min(uptime_ratio, 1) * 1/(1 + 0.1*disconnect_count).
func (m ConnectionMetrics) stability(now time.Time) float64 {
	total := now.Sub(m.ConnectedAt)
	if total <= 0 {
		return 0
	}
	uptimeRatio := float64(m.TotalUptime) / float64(total)
	if uptimeRatio > 1 {
		uptimeRatio = 1
	}
	penalty := 1.0 / (1.0 + float64(m.DisconnectCount)*0.1)
	return uptimeRatio * penalty
}

// Scorer computes the composite health score of every connected peer:
// score = w_rep*rep_norm + w_stab*stability - w_lat*lat_norm, clamped to
// [0,1]. It is the immune system deciding which connections to keep.
type Scorer struct {
	mu      sync.Mutex
	metrics map[string]*ConnectionMetrics
}

// NewScorer returns an empty peer scorer.
func NewScorer() *Scorer {
	return &Scorer{metrics: map[string]*ConnectionMetrics{}}
}

// AddPeer registers a newly connected peer.
func (s *Scorer) AddPeer(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metrics[id]; !ok {
		s.metrics[id] = &ConnectionMetrics{ConnectedAt: now, LastSeen: now, LatencyMS: 100}
	}
}

// RemovePeer drops a peer's metrics entirely.
func (s *Scorer) RemovePeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metrics, id)
}

// UpdateActivity rolls last_seen's elapsed time into total uptime.
func (s *Scorer) UpdateActivity(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[id]
	if !ok {
		return
	}
	m.TotalUptime += now.Sub(m.LastSeen)
	m.LastSeen = now
}

// UpdateLatency overwrites the estimated latency.
func (s *Scorer) UpdateLatency(id string, ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.metrics[id]; ok {
		m.LatencyMS = ms
	}
}

// RecordDisconnect increments the disconnect counter.
func (s *Scorer) RecordDisconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.metrics[id]; ok {
		m.DisconnectCount++
	}
}

func normalizeReputation(rep int64, maxRep int64) float64 {
	if maxRep <= 0 {
		return 0
	}
	v := float64(rep) / float64(maxRep)
	if v > 1 {
		return 1
	}
	return v
}

func normalizeLatency(ms float64, maxMS float64) float64 {
	if maxMS <= 0 {
		maxMS = 1000
	}
	v := ms / maxMS
	if v > 1 {
		return 1
	}
	return v
}

// Score computes a single peer's health score, or (0, false) if it is not
// tracked.
func (s *Scorer) Score(id string, reputation int64, weights ScoringWeights, now time.Time) (float64, bool) {
	weights = weights.withDefaults()
	s.mu.Lock()
	m, ok := s.metrics[id]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}

	repNorm := normalizeReputation(reputation, weights.MaxReputationSeen)
	stabNorm := m.stability(now)
	latNorm := normalizeLatency(m.LatencyMS, 1000)

	score := weights.WeightReputation*repNorm + weights.WeightStability*stabNorm - weights.WeightLatency*latNorm
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, true
}

// AllScores computes every tracked peer's score given a reputation lookup.
func (s *Scorer) AllScores(reputations map[string]int64, weights ScoringWeights, now time.Time) map[string]float64 {
	maxRep := weights.MaxReputationSeen
	for _, r := range reputations {
		if r > maxRep {
			maxRep = r
		}
	}
	weights.MaxReputationSeen = maxRep

	s.mu.Lock()
	ids := make([]string, 0, len(s.metrics))
	for id := range s.metrics {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		score, ok := s.Score(id, reputations[id], weights, now)
		if ok {
			out[id] = score
		}
	}
	return out
}

// WeakestPeer identifies the lowest-scoring connected peer, excluding any
// id present in protected.
func (s *Scorer) WeakestPeer(reputations map[string]int64, weights ScoringWeights, protected map[string]bool, now time.Time) (string, bool) {
	scores := s.AllScores(reputations, weights, now)
	var weakestID string
	var weakestScore float64
	found := false
	for id, score := range scores {
		if protected[id] {
			continue
		}
		if !found || score < weakestScore {
			weakestID, weakestScore, found = id, score, true
		}
	}
	return weakestID, found
}

// TopPeers returns the topN highest-scoring peer ids, to be protected
// from eviction during mesh optimization.
func (s *Scorer) TopPeers(reputations map[string]int64, weights ScoringWeights, topN int, now time.Time) []string {
	scores := s.AllScores(reputations, weights, now)
	type kv struct {
		id    string
		score float64
	}
	ordered := make([]kv, 0, len(scores))
	for id, score := range scores {
		ordered = append(ordered, kv{id, score})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].id < ordered[j].id
	})
	if topN > len(ordered) {
		topN = len(ordered)
	}
	out := make([]string, topN)
	for i := 0; i < topN; i++ {
		out[i] = ordered[i].id
	}
	return out
}
