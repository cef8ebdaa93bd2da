package reputation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"synapse-ng/state"
)

func cfg() Config {
	return Config{
		InitialBalanceSP:               1000,
		TreasuryInitialBalance:         0,
		TransactionTaxPercentage:       0.02,
		TaskCompletionReputationReward: 10,
		ProposalVoteReputationReward:   5,
		VoteWeightLogBase:              2,
	}
}

// S1 — task with reward, end to end.
func TestScenario_TaskRewardEndToEnd(t *testing.T) {
	now := time.Now().UTC()
	dev := state.NewChannel()
	dev.Tasks["t1"] = &state.Task{
		ID: "t1", Creator: "node-a", Owner: "node-a", Title: "task",
		Status: state.TaskCompleted, Assignee: "node-b", Reward: 10,
		SchemaName: "task_v1", CreatedAt: now, UpdatedAt: now,
	}
	channels := map[string]*state.Channel{"dev": dev}

	balances := Balances(channels, cfg(), []string{"node-a", "node-b"})
	require.InDelta(t, 990, balances["node-a"], 0.001)
	require.InDelta(t, 1009, balances["node-b"], 0.001, "1000 + 10 - 1 tax")

	treasuries := Treasuries(channels, cfg())
	require.InDelta(t, 1, treasuries["dev"], 0.001, "user-funded task does not touch treasury beyond tax credit when the task is not channel-funded")
}

func TestTreasury_ChannelFundedTask(t *testing.T) {
	now := time.Now().UTC()
	dev := state.NewChannel()
	dev.Tasks["t1"] = &state.Task{
		ID: "t1", Creator: "channel:dev", Owner: "channel:dev", Title: "task",
		Status: state.TaskCompleted, Assignee: "node-b", Reward: 10,
		SchemaName: "task_v1", CreatedAt: now, UpdatedAt: now,
	}
	channels := map[string]*state.Channel{"dev": dev}
	c := cfg()
	c.TreasuryInitialBalance = 100

	treasuries := Treasuries(channels, c)
	require.InDelta(t, 91, treasuries["dev"], 0.001, "100 - 10 reward + 1 tax refund")
}

func TestTax(t *testing.T) {
	require.Equal(t, int64(1), Tax(10, 0.02))
	require.Equal(t, int64(1), Tax(1, 0.02), "floor of 1 even for tiny rewards")
	require.Equal(t, int64(2), Tax(100, 0.02))
	require.Equal(t, int64(0), Tax(0, 0.02))
}

// S3 — contextual weighted vote.
func TestVoteWeight_Contextual(t *testing.T) {
	voter := &Reputation{
		Total: 1023,
		Tags:  map[string]float64{"security": 500, "python": 100},
	}
	weight := VoteWeight(voter, []string{"security", "refactor"})

	base := 1 + math.Log2(1024)
	bonus := math.Log2(501)
	require.InDelta(t, base+bonus, weight, 0.01)
	require.InDelta(t, 19.97, weight, 0.05)
}

func TestVoteWeight_NoTagMatchHasZeroBonus(t *testing.T) {
	voter := &Reputation{Total: 0, Tags: map[string]float64{}}
	weight := VoteWeight(voter, []string{"anything"})
	require.InDelta(t, 1, weight, 0.0001)
}

func TestCompute_CreditsAssigneeAndVoters(t *testing.T) {
	now := time.Now().UTC()
	dev := state.NewChannel()
	dev.Tasks["t1"] = &state.Task{
		ID: "t1", Status: state.TaskCompleted, Assignee: "node-b",
		Reward: 10, Tags: []string{"security"}, CreatedAt: now, UpdatedAt: now,
	}
	dev.Proposals["p1"] = &state.Proposal{
		ID: "p1", Tags: []string{"security"},
		Votes:     map[string]string{"node-c": "yes"},
		CreatedAt: now, UpdatedAt: now,
	}

	reps := Compute(map[string]*state.Channel{"dev": dev}, cfg(), now)
	require.InDelta(t, 10, reps["node-b"].Total, 0.001)
	require.InDelta(t, 10, reps["node-b"].Tags["security"], 0.001)
	require.InDelta(t, 5, reps["node-c"].Total, 0.001)
}

func TestDecay_DropsLowTagsAndShrinksTotal(t *testing.T) {
	r := &Reputation{
		Total: 100,
		Tags:  map[string]float64{"security": 50, "trivial": 0.05},
	}
	Decay(r)

	require.InDelta(t, 49.5, r.Tags["security"], 0.001)
	require.NotContains(t, r.Tags, "trivial")
	require.InDelta(t, 99, r.Total, 0.001)
}
