// Package reputation implements the pure, read-only calculators (C5) that
// derive per-node reputation, contextual vote weight, SP balances, and
// per-channel treasuries from a state snapshot. None of these functions
// mutate state; callers run them against a Channel clone taken outside
// the store's critical section.
package reputation

import (
	"math"
	"sort"
	"time"

	"synapse-ng/state"
)

// Reputation is one node's derived reputation record.
type Reputation struct {
	Total       float64
	LastUpdated time.Time
	Tags        map[string]float64
}

// Config bundles the governance-mutable economy parameters the
// calculators need. Values come from the global channel's `config` map.
type Config struct {
	InitialBalanceSP               int64
	TreasuryInitialBalance         int64
	TransactionTaxPercentage       float64
	TaskCompletionReputationReward float64
	ProposalVoteReputationReward   float64
	VoteWeightLogBase              float64
}

// Compute derives every node's reputation by replaying completed tasks
// (crediting the assignee's total and every declared tag) and proposal
// votes (crediting every public voter; anonymous votes carry no voter id
// and credit no one) across every channel
// snapshot supplied. Channels should be cloned snapshots, never live state.
func Compute(channels map[string]*state.Channel, cfg Config, now time.Time) map[string]*Reputation {
	out := map[string]*Reputation{}

	ensure := func(id string) *Reputation {
		r, ok := out[id]
		if !ok {
			r = &Reputation{Tags: map[string]float64{}}
			out[id] = r
		}
		return r
	}

	channelIDs := sortedKeys(channels)
	for _, chID := range channelIDs {
		ch := channels[chID]

		taskIDs := sortedTaskKeys(ch.Tasks)
		for _, id := range taskIDs {
			task := ch.Tasks[id]
			if task.Status != state.TaskCompleted || task.Assignee == "" {
				continue
			}
			r := ensure(task.Assignee)
			r.Total += cfg.TaskCompletionReputationReward
			for _, tag := range task.Tags {
				r.Tags[tag] += cfg.TaskCompletionReputationReward
			}
			if task.UpdatedAt.After(r.LastUpdated) {
				r.LastUpdated = task.UpdatedAt
			}
		}

		proposalIDs := sortedProposalKeys(ch.Proposals)
		for _, id := range proposalIDs {
			p := ch.Proposals[id]

			voters := sortedStringKeys(p.Votes)
			for _, voter := range voters {
				r := ensure(voter)
				r.Total += cfg.ProposalVoteReputationReward
				for _, tag := range p.Tags {
					r.Tags[tag] += cfg.ProposalVoteReputationReward
				}
				if p.UpdatedAt.After(r.LastUpdated) {
					r.LastUpdated = p.UpdatedAt
				}
			}
		}
	}

	if len(out) == 0 {
		return out
	}
	for _, r := range out {
		if r.LastUpdated.IsZero() {
			r.LastUpdated = now
		}
	}
	return out
}

// VoteWeight computes a voter's contextual weight for a specific
// proposal: base = 1 + log2(total+1); bonus = log2(matched-tag total+1),
// where matched-tag total sums the voter's per-tag reputation across
// every tag the proposal declares (0 if the voter shares no tag with the
// proposal, giving bonus = 0 exactly as log2(1) = 0).
func VoteWeight(voter *Reputation, proposalTags []string) float64 {
	if voter == nil {
		return 1 + math.Log2(1)
	}
	base := 1 + math.Log2(voter.Total+1)

	var tagTotal float64
	for _, tag := range proposalTags {
		tagTotal += voter.Tags[tag]
	}
	bonus := math.Log2(tagTotal + 1)

	return base + bonus
}

// TierWeight maps a ZKP reputation tier name to its fixed voting weight.
func TierWeight(tier string) float64 {
	switch tier {
	case "novice":
		return 1.0
	case "intermediate":
		return 1.5
	case "expert":
		return 2.0
	default:
		return 0
	}
}

// Balances computes every known node's derived SP balance: every node
// starts at cfg.InitialBalanceSP; every task with reward > 0 debits its
// creator (unless channel-funded) at creation and credits the assignee
// reward-minus-tax on completion.
func Balances(channels map[string]*state.Channel, cfg Config, knownNodes []string) map[string]float64 {
	balances := make(map[string]float64, len(knownNodes))
	for _, id := range knownNodes {
		balances[id] = float64(cfg.InitialBalanceSP)
	}
	ensure := func(id string) {
		if _, ok := balances[id]; !ok {
			balances[id] = float64(cfg.InitialBalanceSP)
		}
	}

	for _, chID := range sortedKeys(channels) {
		ch := channels[chID]
		for _, id := range sortedTaskKeys(ch.Tasks) {
			task := ch.Tasks[id]
			if task.Reward <= 0 || isChannelFunded(task.Creator) {
				continue
			}
			ensure(task.Creator)
			balances[task.Creator] -= float64(task.Reward)

			if task.Status == state.TaskCompleted && task.Assignee != "" {
				tax := Tax(task.Reward, cfg.TransactionTaxPercentage)
				ensure(task.Assignee)
				balances[task.Assignee] += float64(task.Reward) - float64(tax)
			}
		}
	}
	return balances
}

// Treasuries computes every channel's derived treasury balance: starts at
// cfg.TreasuryInitialBalance; channel-funded tasks debit the reward at
// creation and credit the tax back on completion; user-funded tasks credit
// the tax to the channel treasury on completion.
func Treasuries(channels map[string]*state.Channel, cfg Config) map[string]float64 {
	out := make(map[string]float64, len(channels))
	for _, chID := range sortedKeys(channels) {
		ch := channels[chID]
		balance := float64(cfg.TreasuryInitialBalance)

		for _, id := range sortedTaskKeys(ch.Tasks) {
			task := ch.Tasks[id]
			if task.Reward <= 0 {
				continue
			}
			tax := Tax(task.Reward, cfg.TransactionTaxPercentage)

			if isChannelFunded(task.Creator) {
				balance -= float64(task.Reward)
				if task.Status == state.TaskCompleted {
					balance += float64(tax)
				}
				continue
			}
			if task.Status == state.TaskCompleted {
				balance += float64(tax)
			}
		}

		for _, adj := range ch.TreasuryAdjustments {
			balance += float64(adj.Amount)
		}

		out[chID] = balance
	}
	return out
}

// Tax computes the per-task transaction tax: max(1, round(reward*rate)).
func Tax(reward int64, rate float64) int64 {
	if reward <= 0 {
		return 0
	}
	t := math.Round(float64(reward) * rate)
	if t < 1 {
		t = 1
	}
	return int64(t)
}

func isChannelFunded(creator string) bool {
	return len(creator) > len("channel:") && creator[:len("channel:")] == "channel:"
}

func sortedKeys(m map[string]*state.Channel) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedTaskKeys(m map[string]*state.Task) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedProposalKeys(m map[string]*state.Proposal) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedStringKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
