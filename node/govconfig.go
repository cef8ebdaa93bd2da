package node

import (
	"time"

	"synapse-ng/gossip"
	"synapse-ng/reputation"
)

// Every governance-mutable value in the global channel's Config map
// travels through at least one JSON round trip on the wire (gossip
// snapshots, merge), which always decodes numbers as float64 regardless
// of what type was originally stored. These readers coerce whatever
// numeric representation currently sits in the map rather than assuming
// the in-process type survives.

func int64Field(m map[string]any, key string, fallback int64) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return fallback
	}
}

func floatField(m map[string]any, key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return fallback
	}
}

func reputationConfigFrom(m map[string]any) reputation.Config {
	return reputation.Config{
		InitialBalanceSP:               int64Field(m, "initial_balance_sp", 1000),
		TreasuryInitialBalance:         int64Field(m, "treasury_initial_balance", 0),
		TransactionTaxPercentage:       floatField(m, "transaction_tax_percentage", 0.02),
		TaskCompletionReputationReward: floatField(m, "task_completion_reputation_reward", 10.0),
		ProposalVoteReputationReward:   floatField(m, "proposal_vote_reputation_reward", 1.0),
		VoteWeightLogBase:              floatField(m, "vote_weight_log_base", 2.0),
	}
}

func scoringWeightsFrom(m map[string]any) gossip.ScoringWeights {
	return gossip.ScoringWeights{
		WeightReputation:   floatField(m, "peer_score_weight_reputation", 0.5),
		WeightStability:    floatField(m, "peer_score_weight_stability", 0.3),
		WeightLatency:      floatField(m, "peer_score_weight_latency", 0.2),
		MaxPeerConnections: int(int64Field(m, "max_peer_connections", 32)),
		ProtectedPeerCount: int(int64Field(m, "protected_peer_count", 4)),
	}
}

func validatorSetSize(m map[string]any) int {
	return int(int64Field(m, "validator_set_size", 7))
}

func validatorElectionInterval(m map[string]any) time.Duration {
	return time.Duration(int64Field(m, "validator_election_interval_seconds", 300)) * time.Second
}

func proposalAutoCloseAfter(m map[string]any) time.Duration {
	return time.Duration(int64Field(m, "proposal_auto_close_after_seconds", 3600)) * time.Second
}
