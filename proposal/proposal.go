// Package proposal implements governance proposal operations: creation,
// weighted/anonymous voting, and closure with per-type dispatch (C6, with
// the ZKP half of voting in package zkp).
package proposal

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"synapse-ng/reputation"
	"synapse-ng/schema"
	"synapse-ng/state"
)

// Create schema-validates payload against proposal_v1 (or a later
// governance-evolved schema), stamps identity and timestamps, and inserts
// the proposal as open.
func Create(store *state.Store, registry *schema.Registry, channelID string, payload map[string]any, proposer, schemaName string, now time.Time) (*state.Proposal, error) {
	if err := registry.Validate(payload, schemaName); err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrValidation, err)
	}
	filled, err := registry.ApplyDefaults(payload, schemaName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrValidation, err)
	}

	ptype, _ := filled["proposal_type"].(string)
	params, _ := filled["params"].(map[string]any)

	p := &state.Proposal{
		ID:           uuid.NewString(),
		Title:        stringField(filled, "title"),
		Description:  stringField(filled, "description"),
		ProposalType: ptype,
		Params:       params,
		Tags:         stringListField(filled, "tags"),
		SchemaName:   schemaName,
		Proposer:     proposer,
		Status:       state.ProposalOpen,
		Votes:        map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	store.WithChannel(channelID, func(c *state.Channel) {
		c.Proposals[p.ID] = p
	})
	return p, nil
}

// Vote records caller's public ("yes"/"no") vote on an open proposal.
// Each voter may cast at most one vote per proposal; a repeat vote is
// rejected with ErrConflict (the first vote stands).
func Vote(store *state.Store, channelID, proposalID, caller, vote string) error {
	if vote != "yes" && vote != "no" {
		return fmt.Errorf("%w: vote must be yes or no", state.ErrValidation)
	}
	var outErr error
	store.WithChannel(channelID, func(c *state.Channel) {
		p, ok := c.Proposals[proposalID]
		if !ok {
			outErr = fmt.Errorf("%w: proposal %s", state.ErrNotFound, proposalID)
			return
		}
		if p.Status != state.ProposalOpen {
			outErr = fmt.Errorf("%w: proposal %s is not open", state.ErrConflict, proposalID)
			return
		}
		if _, already := p.Votes[caller]; already {
			outErr = fmt.Errorf("%w: %s has already voted on proposal %s", state.ErrConflict, caller, proposalID)
			return
		}
		p.Votes[caller] = vote
	})
	return outErr
}

// RecordAnonymousVote appends a ZKP-verified anonymous vote to an open
// proposal under the store's mutex, rejecting with ErrConflict a nullifier
// already present in the proposal's anonymous votes. It does not verify
// the proof or touch the global zkp_nullifiers set; zkp.CastAnonymousVote
// does both before calling it.
func RecordAnonymousVote(store *state.Store, channelID, proposalID string, vote state.AnonymousVote) error {
	var outErr error
	store.WithChannel(channelID, func(c *state.Channel) {
		p, ok := c.Proposals[proposalID]
		if !ok {
			outErr = fmt.Errorf("%w: proposal %s", state.ErrNotFound, proposalID)
			return
		}
		if p.Status != state.ProposalOpen {
			outErr = fmt.Errorf("%w: proposal %s is not open", state.ErrConflict, proposalID)
			return
		}
		for _, av := range p.AnonymousVotes {
			if av.Nullifier == vote.Nullifier {
				outErr = fmt.Errorf("%w: nullifier already used on proposal %s", state.ErrConflict, proposalID)
				return
			}
		}
		p.AnonymousVotes = append(p.AnonymousVotes, vote)
	})
	return outErr
}

// Outcome tallies a proposal's public (contextually-weighted) and
// anonymous (tier-weighted) votes and returns "approved" or "rejected".
// A proposal with no votes at all is rejected.
func Outcome(p *state.Proposal, reps map[string]*reputation.Reputation) string {
	var yes, no float64
	for _, voter := range sortedStringKeys(p.Votes) {
		weight := reputation.VoteWeight(reps[voter], p.Tags)
		if p.Votes[voter] == "yes" {
			yes += weight
		} else {
			no += weight
		}
	}
	for _, av := range p.AnonymousVotes {
		weight := reputation.TierWeight(av.Tier)
		if av.Vote == "yes" {
			yes += weight
		} else {
			no += weight
		}
	}
	if yes > no {
		return state.ProposalApproved
	}
	return state.ProposalRejected
}

// CommandDispatcher executes a proposal's embedded command synchronously,
// on this node only (used for proposal_type == "command"). It returns a
// human-readable result recorded into execution_result.
type CommandDispatcher func(channelID string, params map[string]any) (string, error)

// Close computes the tally, transitions the proposal to closed, and
// dispatches per proposal_type: config_change mutates config in place and
// bumps config_version; command executes synchronously via dispatch;
// network_operation/code_upgrade enqueue into pending_operations for
// validator ratification; generic has no side effect.
//
// The tally/transition and the per-type dispatch run as separate critical
// sections rather than one nested call: applyConfigChange needs
// Store.WithGlobal and the command dispatcher (executor.Execute) needs it
// too, and Store.mu is not reentrant, so neither can run from inside the
// WithChannel closure that reads the proposal.
func Close(store *state.Store, channelID, proposalID string, reps map[string]*reputation.Reputation, dispatch CommandDispatcher, now time.Time) (outcome string, err error) {
	var proposalType string
	var params map[string]any

	store.WithChannel(channelID, func(c *state.Channel) {
		p, ok := c.Proposals[proposalID]
		if !ok {
			err = fmt.Errorf("%w: proposal %s", state.ErrNotFound, proposalID)
			return
		}
		if p.Status != state.ProposalOpen {
			err = fmt.Errorf("%w: proposal %s is not open", state.ErrConflict, proposalID)
			return
		}

		outcome = Outcome(p, reps)
		p.Outcome = outcome
		p.Status = state.ProposalClosed
		closedAt := now
		p.ClosedAt = &closedAt
		p.UpdatedAt = now
		proposalType = p.ProposalType
		params = p.Params
	})
	if err != nil || outcome != state.ProposalApproved {
		return outcome, err
	}

	switch proposalType {
	case state.ProposalConfigChange:
		applyConfigChange(store, channelID, proposalID, params, now)
	case state.ProposalCommand:
		if dispatch == nil {
			finalizeProposal(store, channelID, proposalID, state.ProposalFailed, "no command dispatcher configured", now)
			return outcome, err
		}
		result, derr := dispatch(channelID, params)
		if derr != nil {
			finalizeProposal(store, channelID, proposalID, state.ProposalFailed, derr.Error(), now)
			return outcome, err
		}
		finalizeProposal(store, channelID, proposalID, state.ProposalExecuted, result, now)
	case state.ProposalNetworkOperation, state.ProposalCodeUpgrade:
		finalizeProposal(store, channelID, proposalID, state.ProposalPendingRatification, "", now)
	case state.ProposalGeneric:
		// no side effect
	}
	return outcome, err
}

// finalizeProposal re-acquires the owning channel (a fresh, non-nested
// WithChannel call) to record a dispatch's outcome on the proposal once it
// has run outside the tally's critical section.
func finalizeProposal(store *state.Store, channelID, proposalID, status, executionResult string, now time.Time) {
	store.WithChannel(channelID, func(c *state.Channel) {
		p, ok := c.Proposals[proposalID]
		if !ok {
			return
		}
		p.Status = status
		if executionResult != "" {
			p.ExecutionResult = executionResult
		}
		p.UpdatedAt = now
	})
}

func applyConfigChange(store *state.Store, channelID, proposalID string, params map[string]any, now time.Time) {
	key, _ := params["key"].(string)
	value, hasValue := params["value"]
	if key == "" || !hasValue {
		finalizeProposal(store, channelID, proposalID, state.ProposalFailed, "config_change requires both key and value", now)
		return
	}

	var failed bool
	store.WithGlobal(func(g *state.Channel) {
		current, ok := g.Config[key]
		if !ok {
			failed = true
			return
		}
		if !sameType(current, value) {
			failed = true
			return
		}
		g.Config[key] = value
		g.ConfigVersion++
	})
	if failed {
		finalizeProposal(store, channelID, proposalID, state.ProposalFailed, fmt.Sprintf("config key %q does not exist or type mismatch", key), now)
		return
	}
	finalizeProposal(store, channelID, proposalID, state.ProposalExecuted, fmt.Sprintf("config key %q updated", key), now)
}

func sameType(a, b any) bool {
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	case float64, int, int64:
		switch b.(type) {
		case float64, int, int64:
			return true
		default:
			return false
		}
	case string:
		_, ok := b.(string)
		return ok
	default:
		return false
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringListField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
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
