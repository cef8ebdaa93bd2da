package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReputationManager_BansAfterRepeatedMalformedFrames(t *testing.T) {
	m := NewReputationManager(ReputationConfig{GreyScore: 15, BanScore: 30})
	now := time.Now()

	status := m.PenalizeMalformedFrame("peer-1", now, false)
	require.False(t, status.Banned)

	status = m.PenalizeMalformedFrame("peer-1", now, false)
	status = m.PenalizeMalformedFrame("peer-1", now, false)
	require.True(t, status.Banned)
	require.True(t, m.IsBanned("peer-1", now))
}

func TestReputationManager_PersistentPeerNeverBanned(t *testing.T) {
	m := NewReputationManager(ReputationConfig{GreyScore: 15, BanScore: 30})
	now := time.Now()

	for i := 0; i < 5; i++ {
		m.PenalizeMalformedFrame("seed-peer", now, true)
	}
	require.False(t, m.IsBanned("seed-peer", now))
}

func TestReputationManager_ScoreDecaysTowardZero(t *testing.T) {
	m := NewReputationManager(ReputationConfig{DecayHalfLife: time.Minute})
	now := time.Now()
	m.PenalizeMalformedFrame("peer-1", now, false)
	scoreAtZero := m.Score("peer-1", now)
	require.Less(t, scoreAtZero, 0)

	later := now.Add(time.Minute)
	decayed := m.Score("peer-1", later)
	require.Greater(t, decayed, scoreAtZero)
}

func TestReputationManager_BanExpires(t *testing.T) {
	m := NewReputationManager(ReputationConfig{BanScore: 5, BanDuration: time.Minute})
	now := time.Now()
	m.PenalizeOversizedMessage("peer-1", now, false)
	require.True(t, m.IsBanned("peer-1", now))
	require.False(t, m.IsBanned("peer-1", now.Add(2*time.Minute)))
}

func TestReputationManager_ObserveLatencyTracksEWMA(t *testing.T) {
	m := NewReputationManager(ReputationConfig{})
	now := time.Now()
	status := m.ObserveLatency("peer-1", 100*time.Millisecond, now)
	require.InDelta(t, 100, status.LatencyMS, 0.001)

	status = m.ObserveLatency("peer-1", 300*time.Millisecond, now)
	require.Greater(t, status.LatencyMS, 100.0)
	require.Less(t, status.LatencyMS, 300.0)
}
