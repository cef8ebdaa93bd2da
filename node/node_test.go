package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synapse-ng/crypto"
	"synapse-ng/gossip"
	"synapse-ng/logx"
	"synapse-ng/state"
)

func newTestNode(t *testing.T) (*Node, *state.Store) {
	t.Helper()
	id, err := crypto.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	store := state.New(id.NodeID)
	logger := logx.Setup(id.NodeID, "test")
	server := gossip.NewServer(gossip.Config{ListenAddr: "127.0.0.1:0"}, id, store, gossip.ReputationConfig{}, logger)
	require.NoError(t, server.Listen())
	t.Cleanup(server.Close)

	n := New(id, store, server, []string{"dev"}, logger)
	return n, store
}

func TestNode_Topics_IncludesGlobalAndConfiguredChannels(t *testing.T) {
	n, _ := newTestNode(t)
	require.ElementsMatch(t, []string{state.GlobalChannelID, "dev"}, n.topics())
}

func TestNode_AutoCloseProposals_ClosesProposalPastDeadline(t *testing.T) {
	n, store := newTestNode(t)
	now := time.Now()

	store.WithGlobal(func(g *state.Channel) {
		g.Config["proposal_auto_close_after_seconds"] = int64(60)
	})
	store.WithChannel("dev", func(c *state.Channel) {
		c.Proposals["p1"] = &state.Proposal{
			ID:           "p1",
			Title:        "raise the roof",
			ProposalType: state.ProposalGeneric,
			Status:       state.ProposalOpen,
			Votes:        map[string]string{"alice": "yes"},
			CreatedAt:    now.Add(-2 * time.Hour),
			UpdatedAt:    now.Add(-2 * time.Hour),
		}
	})

	n.autoCloseProposals(context.Background())

	snap := store.Snapshot("dev")
	require.Equal(t, state.ProposalClosed, snap.Proposals["p1"].Status)
	require.NotEmpty(t, snap.Proposals["p1"].Outcome)
}

func TestNode_AutoCloseProposals_LeavesFreshProposalOpen(t *testing.T) {
	n, store := newTestNode(t)
	now := time.Now()

	store.WithGlobal(func(g *state.Channel) {
		g.Config["proposal_auto_close_after_seconds"] = int64(3600)
	})
	store.WithChannel("dev", func(c *state.Channel) {
		c.Proposals["p1"] = &state.Proposal{
			ID: "p1", Title: "x", ProposalType: state.ProposalGeneric,
			Status: state.ProposalOpen, Votes: map[string]string{},
			CreatedAt: now, UpdatedAt: now,
		}
	})

	n.autoCloseProposals(context.Background())

	snap := store.Snapshot("dev")
	require.Equal(t, state.ProposalOpen, snap.Proposals["p1"].Status)
}

func TestNode_ValidatorElection_UpdatesSetWhenChanged(t *testing.T) {
	n, store := newTestNode(t)
	now := time.Now()

	store.WithGlobal(func(g *state.Channel) {
		g.Config["validator_set_size"] = int64(1)
		g.Config["validator_election_interval_seconds"] = int64(0)
	})
	store.WithChannel("dev", func(c *state.Channel) {
		c.Tasks["t1"] = &state.Task{
			ID: "t1", Status: state.TaskCompleted, Assignee: "node-a",
			CreatedAt: now, UpdatedAt: now,
		}
		c.Tasks["t2"] = &state.Task{
			ID: "t2", Status: state.TaskCompleted, Assignee: "node-b",
			CreatedAt: now, UpdatedAt: now,
		}
	})

	n.checkValidatorElection(context.Background())

	var validatorSet []string
	store.WithGlobal(func(g *state.Channel) { validatorSet = g.ValidatorSet })
	require.Len(t, validatorSet, 1)
	require.Contains(t, []string{"node-a", "node-b"}, validatorSet[0])
}

func TestNode_DecayReputation_ShrinksCachedTotals(t *testing.T) {
	n, store := newTestNode(t)
	now := time.Now()

	store.WithGlobal(func(g *state.Channel) {
		g.Config["task_completion_reputation_reward"] = 10.0
	})
	store.WithChannel("dev", func(c *state.Channel) {
		c.Tasks["t1"] = &state.Task{
			ID: "t1", Status: state.TaskCompleted, Assignee: "node-a",
			Tags: []string{"infra"}, CreatedAt: now, UpdatedAt: now,
		}
	})

	before := n.refreshReputationCache(now)
	require.InDelta(t, 10.0, before["node-a"].Total, 0.001)

	n.decayReputation(context.Background())

	after := n.reputationSnapshot()
	require.InDelta(t, 9.9, after["node-a"].Total, 0.001)
}

func TestNode_MaintainCommonTools_DebitsWhenTreasuryCanCover(t *testing.T) {
	n, store := newTestNode(t)
	now := time.Now()

	store.WithChannel("dev", func(c *state.Channel) {
		c.CommonTools["ci"] = &state.CommonTool{
			ToolID: "ci", Status: state.ToolActive,
			MonthlyCostSP: 50, LastPaymentAt: now.Add(-31 * 24 * time.Hour),
		}
		c.TreasuryAdjustments["seed"] = state.TreasuryAdjustment{ID: "seed", Amount: 500, At: now.Add(-60 * 24 * time.Hour)}
	})

	n.maintainCommonTools(context.Background())

	snap := store.Snapshot("dev")
	require.Equal(t, state.ToolActive, snap.CommonTools["ci"].Status)
	require.WithinDuration(t, now, snap.CommonTools["ci"].LastPaymentAt, 2*time.Second)
	require.Len(t, snap.TreasuryAdjustments, 2)
}

func TestNode_MaintainCommonTools_SuspendsWhenTreasuryInsufficient(t *testing.T) {
	n, store := newTestNode(t)
	now := time.Now()

	store.WithChannel("dev", func(c *state.Channel) {
		c.CommonTools["ci"] = &state.CommonTool{
			ToolID: "ci", Status: state.ToolActive,
			MonthlyCostSP: 50, LastPaymentAt: now.Add(-31 * 24 * time.Hour),
		}
	})

	n.maintainCommonTools(context.Background())

	snap := store.Snapshot("dev")
	require.Equal(t, state.ToolSuspended, snap.CommonTools["ci"].Status)
}
