package gossip

import (
	"math"
	"sync"
	"time"
)

// Score deltas for gossip-layer conduct: malformed frames, oversized
// messages, and useful activity. Unlike a node's derived reputation
// (package reputation), this scores connection health, not economy
// participation, and never leaves the gossip layer.
const (
	pingRewardDelta          = 1
	uptimeRewardDelta        = 2
	malformedFramePenalty    = -10
	oversizedMessagePenalty  = -15
	spamPenaltyDelta         = -5
)

// ReputationConfig defines the thresholds for the gossip-conduct scorer.
type ReputationConfig struct {
	GreyScore        int
	BanScore         int
	BanDuration      time.Duration
	GreylistDuration time.Duration
	DecayHalfLife    time.Duration
}

// ReputationStatus is a peer's scoring snapshot after an adjustment.
type ReputationStatus struct {
	Score       int
	Greylisted  bool
	Banned      bool
	Until       time.Time
	LatencyMS   float64
	Useful      uint64
	Misbehavior uint64
}

type reputationRecord struct {
	score       float64
	updatedAt   time.Time
	bannedTill  time.Time
	greyTill    time.Time
	latencyEWMA float64
	useful      uint64
	misbehavior uint64
}

// ReputationManager keeps per-peer gossip-conduct scoring with EWMA decay
// toward zero and greylist/ban windows, adapted from a generic decaying
// score utility — not chain- or domain-specific.
type ReputationManager struct {
	cfg ReputationConfig

	mu      sync.Mutex
	records map[string]*reputationRecord
}

// NewReputationManager returns a new gossip-conduct reputation tracker.
func NewReputationManager(cfg ReputationConfig) *ReputationManager {
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = 10 * time.Minute
	}
	if cfg.GreylistDuration <= 0 {
		cfg.GreylistDuration = 2 * time.Minute
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = 15 * time.Minute
	}
	return &ReputationManager{cfg: cfg, records: make(map[string]*reputationRecord)}
}

// Adjust updates the score for a peer, returning the latest status.
// Persistent (configured, always-reconnect) peers never enter the ban
// list, only the greylist-equivalent throttle.
func (m *ReputationManager) Adjust(id string, delta int, now time.Time, persistent bool) ReputationStatus {
	if id == "" {
		return ReputationStatus{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureRecordLocked(id, now)
	m.applyDecayLocked(rec, now)
	rec.score += float64(delta)
	rec.updatedAt = now

	status := m.composeStatusLocked(rec, now)

	if persistent {
		if rec.score > 0 {
			rec.score = 0
		}
		rec.bannedTill = time.Time{}
	} else if status.Score <= -m.cfg.BanScore && m.cfg.BanScore > 0 {
		rec.bannedTill = now.Add(m.cfg.BanDuration)
	}

	if status.Score <= -m.cfg.GreyScore && m.cfg.GreyScore > 0 {
		rec.greyTill = now.Add(m.cfg.GreylistDuration)
	} else if status.Score > -m.cfg.GreyScore {
		rec.greyTill = time.Time{}
	}

	return m.composeStatusLocked(rec, now)
}

// MarkPing rewards a peer for answering a keepalive within the window.
func (m *ReputationManager) MarkPing(id string, now time.Time) ReputationStatus {
	return m.Adjust(id, pingRewardDelta, now, false)
}

// MarkUptime rewards a peer for sustained connection uptime.
func (m *ReputationManager) MarkUptime(id string, duration time.Duration, now time.Time) ReputationStatus {
	days := int(duration / (24 * time.Hour))
	if days <= 0 {
		days = 1
	}
	return m.Adjust(id, days*uptimeRewardDelta, now, false)
}

// PenalizeMalformedFrame applies a penalty for a frame that failed to parse.
func (m *ReputationManager) PenalizeMalformedFrame(id string, now time.Time, persistent bool) ReputationStatus {
	return m.Adjust(id, malformedFramePenalty, now, persistent)
}

// PenalizeOversizedMessage applies a penalty for a frame exceeding the
// configured maximum message size.
func (m *ReputationManager) PenalizeOversizedMessage(id string, now time.Time, persistent bool) ReputationStatus {
	return m.Adjust(id, oversizedMessagePenalty, now, persistent)
}

// PenalizeSpam throttles a peer sending at an excessive rate.
func (m *ReputationManager) PenalizeSpam(id string, now time.Time, persistent bool) ReputationStatus {
	return m.Adjust(id, spamPenaltyDelta, now, persistent)
}

// ObserveLatency records a latency sample for a peer, updating its EWMA.
func (m *ReputationManager) ObserveLatency(id string, latency time.Duration, now time.Time) ReputationStatus {
	if m == nil || id == "" || latency <= 0 {
		return ReputationStatus{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.ensureRecordLocked(id, now)
	m.applyDecayLocked(rec, now)
	ms := float64(latency) / float64(time.Millisecond)
	if rec.latencyEWMA <= 0 {
		rec.latencyEWMA = ms
	} else {
		const alpha = 0.2
		rec.latencyEWMA = alpha*ms + (1-alpha)*rec.latencyEWMA
	}
	rec.updatedAt = now
	return m.composeStatusLocked(rec, now)
}

// MarkUseful increases the usefulness counter for a peer.
func (m *ReputationManager) MarkUseful(id string, now time.Time) ReputationStatus {
	if m == nil || id == "" {
		return ReputationStatus{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.ensureRecordLocked(id, now)
	m.applyDecayLocked(rec, now)
	rec.useful++
	rec.updatedAt = now
	return m.composeStatusLocked(rec, now)
}

// MarkMisbehavior increases the misbehavior counter without touching score.
func (m *ReputationManager) MarkMisbehavior(id string, now time.Time) ReputationStatus {
	if m == nil || id == "" {
		return ReputationStatus{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.ensureRecordLocked(id, now)
	m.applyDecayLocked(rec, now)
	rec.misbehavior++
	rec.updatedAt = now
	return m.composeStatusLocked(rec, now)
}

// IsBanned returns true if the peer is banned at the provided time.
func (m *ReputationManager) IsBanned(id string, now time.Time) bool {
	banned, _ := m.BanInfo(id, now)
	return banned
}

// IsGreylisted returns true if the peer is currently greylisted.
func (m *ReputationManager) IsGreylisted(id string, now time.Time) bool {
	grey, _ := m.GreyInfo(id, now)
	return grey
}

// Score returns the peer's integer score after decay.
func (m *ReputationManager) Score(id string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	if rec == nil {
		return 0
	}
	m.applyDecayLocked(rec, now)
	return int(math.Round(rec.score))
}

func (m *ReputationManager) applyDecayLocked(rec *reputationRecord, now time.Time) {
	if rec == nil {
		return
	}
	if now.Before(rec.updatedAt) {
		rec.updatedAt = now
		return
	}
	if m.cfg.DecayHalfLife <= 0 {
		return
	}
	elapsed := now.Sub(rec.updatedAt)
	if elapsed <= 0 {
		return
	}
	periods := float64(elapsed) / float64(m.cfg.DecayHalfLife)
	if periods <= 0 {
		rec.updatedAt = now
		return
	}
	factor := math.Pow(0.5, periods)
	rec.score *= factor
	if math.Abs(rec.score) < 1e-6 {
		rec.score = 0
	}
	rec.updatedAt = now
}

// BanInfo returns whether a peer is banned and the expiry time.
func (m *ReputationManager) BanInfo(id string, now time.Time) (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	if rec == nil || rec.bannedTill.IsZero() {
		return false, time.Time{}
	}
	if now.After(rec.bannedTill) {
		rec.bannedTill = time.Time{}
		return false, time.Time{}
	}
	return true, rec.bannedTill
}

// GreyInfo returns whether a peer is greylisted and the expiry time.
func (m *ReputationManager) GreyInfo(id string, now time.Time) (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	if rec == nil || rec.greyTill.IsZero() {
		return false, time.Time{}
	}
	if now.After(rec.greyTill) {
		rec.greyTill = time.Time{}
		return false, time.Time{}
	}
	return true, rec.greyTill
}

// Snapshot returns a copy of every peer's status with decay applied at now.
func (m *ReputationManager) Snapshot(now time.Time) map[string]ReputationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ReputationStatus, len(m.records))
	for id, rec := range m.records {
		m.applyDecayLocked(rec, now)
		out[id] = m.composeStatusLocked(rec, now)
	}
	return out
}

func (m *ReputationManager) ensureRecordLocked(id string, now time.Time) *reputationRecord {
	rec := m.records[id]
	if rec == nil {
		rec = &reputationRecord{updatedAt: now}
		m.records[id] = rec
	}
	return rec
}

func (m *ReputationManager) composeStatusLocked(rec *reputationRecord, now time.Time) ReputationStatus {
	status := ReputationStatus{
		Score:       int(math.Round(rec.score)),
		LatencyMS:   rec.latencyEWMA,
		Useful:      rec.useful,
		Misbehavior: rec.misbehavior,
	}
	if rec.bannedTill.After(now) {
		status.Banned = true
		status.Until = rec.bannedTill
	}
	if rec.greyTill.After(now) {
		status.Greylisted = true
		if status.Until.IsZero() || rec.greyTill.Before(status.Until) {
			status.Until = rec.greyTill
		}
	}
	return status
}
