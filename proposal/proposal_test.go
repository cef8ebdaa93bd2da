package proposal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synapse-ng/reputation"
	"synapse-ng/schema"
	"synapse-ng/state"
)

func TestCreateVoteClose_GenericApproved(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	p, err := Create(store, registry, "dev", map[string]any{
		"title": "rename channel", "proposal_type": "generic",
	}, "node-a", "proposal_v1", now)
	require.NoError(t, err)

	require.NoError(t, Vote(store, "dev", p.ID, "node-b", "yes"))
	require.NoError(t, Vote(store, "dev", p.ID, "node-c", "yes"))

	outcome, err := Close(store, "dev", p.ID, map[string]*reputation.Reputation{}, nil, now)
	require.NoError(t, err)
	require.Equal(t, state.ProposalApproved, outcome)

	got := store.Snapshot("dev").Proposals[p.ID]
	require.Equal(t, state.ProposalClosed, got.Status)
}

func TestVote_RejectsDoubleVote(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	p, err := Create(store, registry, "dev", map[string]any{
		"title": "x", "proposal_type": "generic",
	}, "node-a", "proposal_v1", now)
	require.NoError(t, err)

	require.NoError(t, Vote(store, "dev", p.ID, "node-b", "yes"))
	err = Vote(store, "dev", p.ID, "node-b", "no")
	require.ErrorIs(t, err, state.ErrConflict)
}

// S3 — contextual weighted vote outcome.
func TestOutcome_ContextualWeightDecidesApproval(t *testing.T) {
	p := &state.Proposal{
		Tags: []string{"security", "refactor"},
		Votes: map[string]string{
			"voter-1": "yes",
			"voter-2": "yes",
			"voter-3": "no",
		},
	}
	reps := map[string]*reputation.Reputation{
		"voter-1": {Total: 1023, Tags: map[string]float64{"security": 500, "python": 100}},
		"voter-2": {Total: 1023, Tags: map[string]float64{"security": 500, "python": 100}},
		"voter-3": {Total: 0, Tags: map[string]float64{}},
	}
	require.Equal(t, state.ProposalApproved, Outcome(p, reps))
}

func TestClose_ConfigChangeAppliesAndBumpsVersion(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	store.WithGlobal(func(c *state.Channel) {
		c.Config["max_peer_connections"] = float64(50)
		c.ConfigVersion = 1
	})

	p, err := Create(store, registry, "global", map[string]any{
		"title": "raise peer cap", "proposal_type": "config_change",
		"params": map[string]any{"key": "max_peer_connections", "value": float64(75)},
	}, "node-a", "proposal_v1", now)
	require.NoError(t, err)
	require.NoError(t, Vote(store, "global", p.ID, "node-b", "yes"))

	outcome, err := Close(store, "global", p.ID, map[string]*reputation.Reputation{}, nil, now)
	require.NoError(t, err)
	require.Equal(t, state.ProposalApproved, outcome)

	global := store.Snapshot("global")
	require.Equal(t, float64(75), global.Config["max_peer_connections"])
	require.EqualValues(t, 2, global.ConfigVersion)

	got := global.Proposals[p.ID]
	require.Equal(t, state.ProposalExecuted, got.Status)
}

func TestClose_ConfigChangeFailsOnUnknownKey(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	p, err := Create(store, registry, "global", map[string]any{
		"title": "x", "proposal_type": "config_change",
		"params": map[string]any{"key": "does_not_exist", "value": float64(1)},
	}, "node-a", "proposal_v1", now)
	require.NoError(t, err)
	require.NoError(t, Vote(store, "global", p.ID, "node-b", "yes"))

	_, err = Close(store, "global", p.ID, map[string]*reputation.Reputation{}, nil, now)
	require.NoError(t, err)

	got := store.Snapshot("global").Proposals[p.ID]
	require.Equal(t, state.ProposalFailed, got.Status)
}

func TestClose_CommandDispatchesAndDoesNotDeadlockOnStore(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	p, err := Create(store, registry, "dev", map[string]any{
		"title": "x", "proposal_type": "command",
		"params": map[string]any{"operation": "noop"},
	}, "node-a", "proposal_v1", now)
	require.NoError(t, err)
	require.NoError(t, Vote(store, "dev", p.ID, "node-b", "yes"))

	dispatch := func(channelID string, params map[string]any) (string, error) {
		// A real dispatcher (see node.commandDispatcherFor) re-enters the
		// store via WithGlobal/WithChannel; Close must have released its
		// own lock before calling dispatch, or this call hangs.
		store.WithGlobal(func(c *state.Channel) {})
		return "executed", nil
	}

	outcome, err := Close(store, "dev", p.ID, map[string]*reputation.Reputation{}, dispatch, now)
	require.NoError(t, err)
	require.Equal(t, state.ProposalApproved, outcome)

	got := store.Snapshot("dev").Proposals[p.ID]
	require.Equal(t, state.ProposalExecuted, got.Status)
	require.Equal(t, "executed", got.ExecutionResult)
}

func TestClose_NetworkOperationGoesPendingRatification(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	p, err := Create(store, registry, "global", map[string]any{
		"title": "x", "proposal_type": "network_operation",
	}, "node-a", "proposal_v1", now)
	require.NoError(t, err)
	require.NoError(t, Vote(store, "global", p.ID, "node-b", "yes"))

	_, err = Close(store, "global", p.ID, map[string]*reputation.Reputation{}, nil, now)
	require.NoError(t, err)

	got := store.Snapshot("global").Proposals[p.ID]
	require.Equal(t, state.ProposalPendingRatification, got.Status)
}

func TestRecordAnonymousVote_RejectsDuplicateNullifier(t *testing.T) {
	store := state.New("self")
	registry := schema.NewRegistry()
	now := time.Now().UTC()

	p, err := Create(store, registry, "dev", map[string]any{
		"title": "x", "proposal_type": "generic",
	}, "node-a", "proposal_v1", now)
	require.NoError(t, err)

	vote := state.AnonymousVote{Vote: "yes", Tier: "novice", Nullifier: "n1", Timestamp: now}
	require.NoError(t, RecordAnonymousVote(store, "dev", p.ID, vote))

	err = RecordAnonymousVote(store, "dev", p.ID, vote)
	require.ErrorIs(t, err, state.ErrConflict)

	got := store.Snapshot("dev").Proposals[p.ID]
	require.Len(t, got.AnonymousVotes, 1)
}
