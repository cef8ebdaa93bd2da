package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"synapse-ng/schema"
)

// MergeChannel reconciles incoming (a snapshot received over gossip) into
// the live channel under the store's mutex, following the per-entity-kind
// rules: LWW on a timestamp/version field, set-union, or append-only
// dedup, as appropriate. It returns the validation warnings for any
// entities dropped because they failed schema validation — those entities
// are never merged. The merge is commutative, associative, and idempotent:
// applying the same incoming snapshot twice has no further effect.
func (s *Store) MergeChannel(channelID string, incoming *Channel) []string {
	var warnings []string
	s.WithChannel(channelID, func(local *Channel) {
		warnings = mergeInto(local, incoming, s.registry)
	})
	return warnings
}

func mergeInto(local, incoming *Channel, registry interface {
	Validate(record map[string]any, schemaName string) error
}) []string {
	var warnings []string

	if incoming.Participants != nil {
		if local.Participants == nil {
			local.Participants = map[string]bool{}
		}
		for id := range incoming.Participants {
			local.Participants[id] = true
		}
	}

	for id, task := range incoming.Tasks {
		record, err := taskToRecord(task)
		if err == nil {
			err = registry.Validate(record, task.SchemaName)
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("dropped task %s: %v", id, err))
			continue
		}
		existing, ok := local.Tasks[id]
		switch {
		case !ok || task.UpdatedAt.After(existing.UpdatedAt):
			local.Tasks[id] = task.Clone()
		case task.UpdatedAt.Equal(existing.UpdatedAt):
			// Same timestamp: still merge nested per-peer bid LWW so that
			// concurrent bids placed in the same tick are not lost.
			mergeAuctionBids(existing, task)
		}
	}

	for id, p := range incoming.Proposals {
		record, err := proposalToRecord(p)
		if err == nil && p.SchemaName != "" {
			err = registry.Validate(record, p.SchemaName)
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("dropped proposal %s: %v", id, err))
			continue
		}
		existing, ok := local.Proposals[id]
		if !ok {
			local.Proposals[id] = p.Clone()
			continue
		}
		mergeProposal(existing, p)
	}

	for id, ct := range incoming.CompositeTasks {
		existing, ok := local.CompositeTasks[id]
		if !ok || ct.UpdatedAt.After(existing.UpdatedAt) {
			local.CompositeTasks[id] = ct.Clone()
		}
	}

	for id, ann := range incoming.TeamAnnouncements {
		if _, ok := local.TeamAnnouncements[id]; !ok {
			cp := *ann
			local.TeamAnnouncements[id] = &cp
		}
	}

	for node, skills := range incoming.NodeSkills {
		if local.NodeSkills[node] == nil {
			local.NodeSkills[node] = map[string]SkillVerification{}
		}
		for skill, v := range skills {
			existing, ok := local.NodeSkills[node][skill]
			if !ok || v.VerifiedAt.After(existing.VerifiedAt) {
				local.NodeSkills[node][skill] = v
			}
		}
	}

	for id, tool := range incoming.CommonTools {
		existing, ok := local.CommonTools[id]
		if !ok || tool.LastPaymentAt.After(existing.LastPaymentAt) || toolRank(tool.Status) > toolRank(existing.Status) {
			local.CommonTools[id] = tool.Clone()
		}
	}

	for id, adj := range incoming.TreasuryAdjustments {
		if local.TreasuryAdjustments == nil {
			local.TreasuryAdjustments = map[string]TreasuryAdjustment{}
		}
		if _, ok := local.TreasuryAdjustments[id]; !ok {
			local.TreasuryAdjustments[id] = adj
		}
	}

	mergeGlobalFields(local, incoming)

	return warnings
}

// toolRank gives deprecated/suspended transitions priority over active
// when last_payment_at ties, since status transitions are monotonic.
func toolRank(status string) int {
	switch status {
	case ToolDeprecated:
		return 2
	case ToolSuspended:
		return 1
	default:
		return 0
	}
}

func mergeGlobalFields(local, incoming *Channel) {
	if incoming.Nodes != nil {
		if local.Nodes == nil {
			local.Nodes = map[string]NodeInfo{}
		}
		for id, n := range incoming.Nodes {
			existing, ok := local.Nodes[id]
			if !ok || n.LastSeen > existing.LastSeen {
				local.Nodes[id] = n
			}
		}
	}

	if incoming.Config != nil && incoming.ConfigVersion > local.ConfigVersion {
		local.Config = cloneAnyMap(incoming.Config)
		local.ConfigVersion = incoming.ConfigVersion
	}

	if incoming.Schemas != nil {
		if local.Schemas == nil {
			local.Schemas = map[string]*schema.Document{}
		}
		for name, doc := range incoming.Schemas {
			existing, ok := local.Schemas[name]
			if !ok || doc.UpdatedAt.After(existing.UpdatedAt) {
				cp := *doc
				local.Schemas[name] = &cp
			}
		}
	}

	if len(incoming.ValidatorSet) > 0 && incoming.ValidatorSetUpdatedAt > local.ValidatorSetUpdatedAt {
		local.ValidatorSet = append([]string(nil), incoming.ValidatorSet...)
		local.ValidatorSetUpdatedAt = incoming.ValidatorSetUpdatedAt
	}

	if len(incoming.ExecutionLog) > 0 {
		seen := make(map[string]bool, len(local.ExecutionLog))
		for _, cmd := range local.ExecutionLog {
			seen[cmd.CommandID] = true
		}
		for _, cmd := range incoming.ExecutionLog {
			if !seen[cmd.CommandID] {
				local.ExecutionLog = append(local.ExecutionLog, cmd)
				seen[cmd.CommandID] = true
			}
		}
		sort.SliceStable(local.ExecutionLog, func(i, j int) bool {
			if local.ExecutionLog[i].RatifiedAt.Equal(local.ExecutionLog[j].RatifiedAt) {
				return local.ExecutionLog[i].CommandID < local.ExecutionLog[j].CommandID
			}
			return local.ExecutionLog[i].RatifiedAt.Before(local.ExecutionLog[j].RatifiedAt)
		})
	}

	for proposalID, voters := range incoming.RatificationVotes {
		if local.RatificationVotes == nil {
			local.RatificationVotes = map[string]map[string]bool{}
		}
		if local.RatificationVotes[proposalID] == nil {
			local.RatificationVotes[proposalID] = map[string]bool{}
		}
		for v := range voters {
			local.RatificationVotes[proposalID][v] = true
		}
	}

	for proposalID := range incoming.PendingOperations {
		if local.PendingOperations == nil {
			local.PendingOperations = map[string]bool{}
		}
		local.PendingOperations[proposalID] = true
	}

	for proposalID, nullifiers := range incoming.ZKPNullifiers {
		if local.ZKPNullifiers == nil {
			local.ZKPNullifiers = map[string]map[string]bool{}
		}
		if local.ZKPNullifiers[proposalID] == nil {
			local.ZKPNullifiers[proposalID] = map[string]bool{}
		}
		for n := range nullifiers {
			local.ZKPNullifiers[proposalID][n] = true
		}
	}
}

func mergeProposal(existing, incoming *Proposal) {
	votes, anonVotes := existing.Votes, existing.AnonymousVotes
	if incoming.UpdatedAt.After(existing.UpdatedAt) {
		*existing = *incoming.Clone()
		existing.Votes, existing.AnonymousVotes = votes, anonVotes
	}

	if existing.Votes == nil {
		existing.Votes = map[string]string{}
	}
	for voter, vote := range incoming.Votes {
		existing.Votes[voter] = vote
	}

	seen := make(map[string]bool, len(existing.AnonymousVotes))
	for _, av := range existing.AnonymousVotes {
		seen[av.Nullifier] = true
	}
	for _, av := range incoming.AnonymousVotes {
		if !seen[av.Nullifier] {
			existing.AnonymousVotes = append(existing.AnonymousVotes, av)
			seen[av.Nullifier] = true
		}
	}
}

func mergeAuctionBids(existing, incoming *Task) {
	if existing.Auction == nil || incoming.Auction == nil {
		return
	}
	if existing.Auction.Bids == nil {
		existing.Auction.Bids = map[string]Bid{}
	}
	for peer, bid := range incoming.Auction.Bids {
		cur, ok := existing.Auction.Bids[peer]
		if !ok || bid.Timestamp.After(cur.Timestamp) {
			existing.Auction.Bids[peer] = bid
		}
	}
}

func taskToRecord(t *Task) (map[string]any, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("state: marshal task: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("state: unmarshal task: %w", err)
	}
	return record, nil
}

func proposalToRecord(p *Proposal) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("state: marshal proposal: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("state: unmarshal proposal: %w", err)
	}
	return record, nil
}

// now is a package-level clock hook; no code in this package reads it
// (Touch takes its timestamp as an argument).
var now = time.Now
