package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synapse-ng/reputation"
	"synapse-ng/schema"
	"synapse-ng/state"
)

func testCfg() reputation.Config {
	return reputation.Config{
		InitialBalanceSP:         1000,
		TreasuryInitialBalance:   0,
		TransactionTaxPercentage: 0.02,
	}
}

func TestTaskLifecycle_Create_Claim_Progress_Complete(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	task, err := Create(store, registry, "dev", map[string]any{
		"title": "write docs", "reward": float64(10),
	}, FundedByUser, "node-a", "task_v1", testCfg(), now)
	require.NoError(t, err)
	require.Equal(t, state.TaskOpen, task.Status)

	require.NoError(t, Claim(store, "dev", task.ID, "node-b", now))
	require.NoError(t, Progress(store, "dev", task.ID, "node-b", now))
	require.NoError(t, Complete(store, "dev", task.ID, "node-b", now))

	got := store.Snapshot("dev").Tasks[task.ID]
	require.Equal(t, state.TaskCompleted, got.Status)
	require.Equal(t, "node-b", got.Assignee)
}

func TestClaim_RejectsWrongState(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	task, err := Create(store, registry, "dev", map[string]any{
		"title": "x", "reward": float64(1),
	}, FundedByUser, "node-a", "task_v1", testCfg(), now)
	require.NoError(t, err)
	require.NoError(t, Claim(store, "dev", task.ID, "node-b", now))

	err = Claim(store, "dev", task.ID, "node-c", now)
	require.ErrorIs(t, err, state.ErrConflict)
}

func TestProgress_OnlyAssignee(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	task, err := Create(store, registry, "dev", map[string]any{
		"title": "x", "reward": float64(1),
	}, FundedByUser, "node-a", "task_v1", testCfg(), now)
	require.NoError(t, err)
	require.NoError(t, Claim(store, "dev", task.ID, "node-b", now))

	err = Progress(store, "dev", task.ID, "node-c", now)
	require.ErrorIs(t, err, state.ErrAuth)
}

func TestCreate_InsufficientFunds(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	cfg := testCfg()
	cfg.InitialBalanceSP = 5

	_, err := Create(store, registry, "dev", map[string]any{
		"title": "expensive", "reward": float64(10),
	}, FundedByUser, "node-a", "task_v1", cfg, now)
	require.ErrorIs(t, err, state.ErrInsufficientFunds)
}

func TestCreate_TreasuryFunded(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	cfg := testCfg()
	cfg.TreasuryInitialBalance = 100

	task, err := Create(store, registry, "dev", map[string]any{
		"title": "treasury job", "reward": float64(10),
	}, FundedByTreasury, "node-a", "task_v1", cfg, now)
	require.NoError(t, err)
	require.Equal(t, "channel:dev", task.Creator)
}

// S2 — auction scenario from the spec.
func TestAuction_Scenario_S2(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	task, err := Create(store, registry, "dev", map[string]any{
		"title":  "build widget",
		"reward": float64(100),
		"auction": map[string]any{
			"enabled":          true,
			"deadline_seconds": float64(86400),
		},
	}, FundedByUser, "node-a", "task_v2", testCfg(), now)
	require.NoError(t, err)
	require.NotNil(t, task.Auction)

	require.NoError(t, PlaceBid(store, "dev", task.ID, "b1", 80, 5, 10, now))
	require.NoError(t, PlaceBid(store, "dev", task.ID, "b2", 60, 10, 5, now))
	require.NoError(t, PlaceBid(store, "dev", task.ID, "b3", 90, 2, 2, now))

	winner, err := SelectWinner(store, "dev", task.ID, now)
	require.NoError(t, err)
	require.Equal(t, "b3", winner)

	got := store.Snapshot("dev").Tasks[task.ID]
	require.Equal(t, state.TaskClaimed, got.Status)
	require.Equal(t, "b3", got.Assignee)
	require.Equal(t, int64(90), got.Reward)
}

func TestPlaceBid_RejectsOutOfRangeAmount(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	task, err := Create(store, registry, "dev", map[string]any{
		"title": "x", "reward": float64(50),
		"auction": map[string]any{"enabled": true},
	}, FundedByUser, "node-a", "task_v2", testCfg(), now)
	require.NoError(t, err)

	err = PlaceBid(store, "dev", task.ID, "b1", 1000, 1, 1, now)
	require.ErrorIs(t, err, state.ErrValidation)
}

func TestCloseExpiredAuctions_NoBidsRevertsToOpen(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	task, err := Create(store, registry, "dev", map[string]any{
		"title": "x", "reward": float64(10),
		"auction": map[string]any{"enabled": true, "deadline_seconds": float64(1)},
	}, FundedByUser, "node-a", "task_v2", testCfg(), now)
	require.NoError(t, err)

	later := now.Add(2 * time.Second)
	CloseExpiredAuctions(store, "dev", later)

	got := store.Snapshot("dev").Tasks[task.ID]
	require.Equal(t, state.TaskOpen, got.Status)
	require.Equal(t, "closed", got.Auction.Status)
}

func TestCloseExpiredAuctions_FinalizesWithBids(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	task, err := Create(store, registry, "dev", map[string]any{
		"title": "x", "reward": float64(10),
		"auction": map[string]any{"enabled": true, "deadline_seconds": float64(1)},
	}, FundedByUser, "node-a", "task_v2", testCfg(), now)
	require.NoError(t, err)
	require.NoError(t, PlaceBid(store, "dev", task.ID, "b1", 5, 1, 1, now))

	later := now.Add(2 * time.Second)
	CloseExpiredAuctions(store, "dev", later)

	got := store.Snapshot("dev").Tasks[task.ID]
	require.Equal(t, state.TaskClaimed, got.Status)
	require.Equal(t, "b1", got.Assignee)
}

func TestDelete_OnlyOwner(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	task, err := Create(store, registry, "dev", map[string]any{
		"title": "x", "reward": float64(1),
	}, FundedByUser, "node-a", "task_v1", testCfg(), now)
	require.NoError(t, err)

	err = Delete(store, "dev", task.ID, "node-b", now)
	require.ErrorIs(t, err, state.ErrAuth)

	require.NoError(t, Delete(store, "dev", task.ID, "node-a", now))
	got := store.Snapshot("dev").Tasks[task.ID]
	require.True(t, got.IsDeleted)
}
