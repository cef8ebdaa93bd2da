// Package executor implements the ratification-to-execution path (C11):
// tracking which governance proposals await validator ratification,
// counting ratification votes, and applying the five ratified command
// operations to replicated state once a majority of the current
// validator set has voted.
package executor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"synapse-ng/crypto"
	"synapse-ng/reputation"
	"synapse-ng/schema"
	"synapse-ng/state"
)

// Dependencies bundles the store, schema registry, and economy config the
// command handlers need.
type Dependencies struct {
	Store    *state.Store
	Registry *schema.Registry
	Config   reputation.Config
}

// ProposalRef names a proposal and the channel it lives in.
type ProposalRef struct {
	ChannelID  string
	ProposalID string
}

// SyncPendingOperations scans every channel for proposals awaiting
// ratification and ensures each has an entry in the global pending set,
// so gossip replicates the same set of proposal ids to every node. It is
// safe to call repeatedly; already-tracked proposals are left alone.
func SyncPendingOperations(store *state.Store) []ProposalRef {
	var refs []ProposalRef
	for _, channelID := range sortedStrings(store.ChannelIDs()) {
		ch := store.Snapshot(channelID)
		for _, id := range sortedProposalIDs(ch.Proposals) {
			if ch.Proposals[id].Status == state.ProposalPendingRatification {
				refs = append(refs, ProposalRef{ChannelID: channelID, ProposalID: id})
			}
		}
	}
	if len(refs) == 0 {
		return refs
	}
	store.WithGlobal(func(g *state.Channel) {
		for _, ref := range refs {
			g.PendingOperations[ref.ProposalID] = true
			if g.RatificationVotes[ref.ProposalID] == nil {
				g.RatificationVotes[ref.ProposalID] = map[string]bool{}
			}
		}
	})
	return refs
}

// CastRatificationVote records validatorID's ratification vote for
// proposalID. Only nodes in the current validator set should call this;
// the caller (package node's loop) is responsible for that check.
func CastRatificationVote(store *state.Store, proposalID, validatorID string) {
	store.WithGlobal(func(g *state.Channel) {
		if !g.PendingOperations[proposalID] {
			return
		}
		if g.RatificationVotes[proposalID] == nil {
			g.RatificationVotes[proposalID] = map[string]bool{}
		}
		g.RatificationVotes[proposalID][validatorID] = true
	})
}

// BuildRatifiedCommand checks whether proposalID has reached majority
// ratification among the current validator set and, if so, returns the
// state.Command its proposal payload describes. Every validator computes
// the same CommandID for the same proposal (deterministic, derived from
// the proposal id), so replaying the same ratification on two different
// leaders never produces divergent commands.
func BuildRatifiedCommand(store *state.Store, ref ProposalRef, now time.Time) (*state.Command, bool) {
	p := mustProposal(store, ref)
	if p == nil {
		return nil, false
	}

	var (
		cmd   *state.Command
		ready bool
	)
	store.WithGlobal(func(g *state.Channel) {
		if !g.PendingOperations[ref.ProposalID] {
			return
		}
		votes := g.RatificationVotes[ref.ProposalID]
		majority := len(g.ValidatorSet)/2 + 1
		if len(votes) < majority {
			return
		}
		ready = true
		ratifiedBy := sortedSet(votes)

		operation, _ := p.Params["operation"].(string)
		params, _ := p.Params["params"].(map[string]any)
		cmd = &state.Command{
			CommandID:  deterministicCommandID(ref.ProposalID),
			ProposalID: ref.ProposalID,
			Operation:  operation,
			Params:     params,
			RatifiedAt: now,
			RatifiedBy: ratifiedBy,
		}
	})
	return cmd, ready
}

func deterministicCommandID(proposalID string) string {
	return "cmd-" + proposalID
}

func mustProposal(store *state.Store, ref ProposalRef) *state.Proposal {
	ch := store.Snapshot(ref.ChannelID)
	return ch.Proposals[ref.ProposalID]
}

// Execute applies a ratified command's operation to replicated state,
// appends it to the global execution log (a no-op if already present,
// since execution_log is append-only and deduplicated by command id),
// and clears the proposal out of the pending-ratification bookkeeping.
func Execute(deps Dependencies, cmd state.Command, now time.Time) error {
	var already bool
	deps.Store.WithGlobal(func(g *state.Channel) {
		for _, existing := range g.ExecutionLog {
			if existing.CommandID == cmd.CommandID {
				already = true
				return
			}
		}
	})
	if already {
		return nil
	}

	var err error
	switch cmd.Operation {
	case state.OpSplitChannel:
		err = splitChannel(deps, cmd.Params, now)
	case state.OpMergeChannels:
		err = mergeChannels(deps, cmd.Params, now)
	case state.OpUpdateSchema:
		err = updateSchema(deps, cmd.Params, now)
	case state.OpAcquireCommonTool:
		err = acquireCommonTool(deps, cmd.Params, now)
	case state.OpDeprecateCommonTool:
		err = deprecateCommonTool(deps, cmd.Params, now)
	default:
		err = fmt.Errorf("executor: unknown operation %q", cmd.Operation)
	}
	if err != nil {
		return err
	}

	deps.Store.WithGlobal(func(g *state.Channel) {
		g.ExecutionLog = append(g.ExecutionLog, cmd)
		delete(g.PendingOperations, cmd.ProposalID)
		delete(g.RatificationVotes, cmd.ProposalID)
	})
	markRatified(deps.Store, cmd.ProposalID, now)
	return nil
}

func markRatified(store *state.Store, proposalID string, now time.Time) {
	for _, channelID := range store.ChannelIDs() {
		store.WithChannel(channelID, func(c *state.Channel) {
			if p, ok := c.Proposals[proposalID]; ok && p.Status == state.ProposalPendingRatification {
				p.Status = state.ProposalRatified
				p.UpdatedAt = now
			}
		})
	}
}

// splitChannel copies tasks matching each target's selector (by tag or by
// title prefix, in the order new_channels declares them — the first
// matching target wins, giving a deterministic partition) into the named
// new channels, then archives the source.
func splitChannel(deps Dependencies, params map[string]any, now time.Time) error {
	source, _ := params["source_channel"].(string)
	by, _ := params["by"].(string)
	rawTargets, _ := params["new_channels"].([]any)
	if source == "" || len(rawTargets) == 0 {
		return fmt.Errorf("%w: split_channel requires source_channel and new_channels", state.ErrValidation)
	}

	type target struct {
		name     string
		selector string
	}
	targets := make([]target, 0, len(rawTargets))
	for _, raw := range rawTargets {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		var selector string
		switch by {
		case "tag":
			selector, _ = m["tag"].(string)
		case "title_prefix":
			selector, _ = m["prefix"].(string)
		}
		if name != "" {
			targets = append(targets, target{name: name, selector: selector})
		}
	}

	srcSnapshot := deps.Store.Snapshot(source)
	for _, id := range sortedTaskIDs(srcSnapshot.Tasks) {
		task := srcSnapshot.Tasks[id]
		for _, t := range targets {
			if !matchesSplit(task, by, t.selector) {
				continue
			}
			copied := task.Clone()
			deps.Store.WithChannel(t.name, func(c *state.Channel) {
				c.Tasks[copied.ID] = copied
			})
			break // first matching target wins
		}
	}

	deps.Store.WithChannel(source, func(c *state.Channel) {
		c.Archived = true
	})
	return nil
}

func matchesSplit(task *state.Task, by, selector string) bool {
	if selector == "" {
		return false
	}
	switch by {
	case "tag":
		for _, tag := range task.Tags {
			if tag == selector {
				return true
			}
		}
		return false
	case "title_prefix":
		return strings.HasPrefix(task.Title, selector)
	default:
		return false
	}
}

// mergeChannels unions every source channel's entities into target under
// a keep_all conflict policy: since every entity id is a freshly minted
// UUID, a collision never legitimately occurs, so the target simply keeps
// whichever copy it already holds and adopts everything it doesn't.
func mergeChannels(deps Dependencies, params map[string]any, now time.Time) error {
	target, _ := params["target_channel"].(string)
	rawSources, _ := params["source_channels"].([]any)
	if target == "" || len(rawSources) == 0 {
		return fmt.Errorf("%w: merge_channels requires target_channel and source_channels", state.ErrValidation)
	}

	for _, raw := range rawSources {
		sourceID, ok := raw.(string)
		if !ok || sourceID == "" || sourceID == target {
			continue
		}
		src := deps.Store.Snapshot(sourceID)
		deps.Store.WithChannel(target, func(c *state.Channel) {
			for id, v := range src.Participants {
				c.Participants[id] = v
			}
			for id, v := range src.Tasks {
				if _, exists := c.Tasks[id]; !exists {
					c.Tasks[id] = v.Clone()
				}
			}
			for id, v := range src.Proposals {
				if _, exists := c.Proposals[id]; !exists {
					c.Proposals[id] = v.Clone()
				}
			}
			for id, v := range src.CompositeTasks {
				if _, exists := c.CompositeTasks[id]; !exists {
					c.CompositeTasks[id] = v.Clone()
				}
			}
			for id, v := range src.TeamAnnouncements {
				if _, exists := c.TeamAnnouncements[id]; !exists {
					cp := *v
					c.TeamAnnouncements[id] = &cp
				}
			}
			for id, v := range src.CommonTools {
				if _, exists := c.CommonTools[id]; !exists {
					c.CommonTools[id] = v.Clone()
				}
			}
			for id, v := range src.TreasuryAdjustments {
				if _, exists := c.TreasuryAdjustments[id]; !exists {
					c.TreasuryAdjustments[id] = v
				}
			}
		})
		deps.Store.WithChannel(sourceID, func(c *state.Channel) {
			c.Archived = true
		})
	}
	return nil
}

// updateSchema installs a new or revised schema document, both into the
// schema registry (which future Validate/ApplyDefaults calls consult) and
// into the global channel's replicated schemas map (which gossip merges
// LWW on updated_at, so every node converges on the same document).
func updateSchema(deps Dependencies, params map[string]any, now time.Time) error {
	name, _ := params["schema_name"].(string)
	rawFields, _ := params["fields"].(map[string]any)
	if name == "" || rawFields == nil {
		return fmt.Errorf("%w: update_schema requires schema_name and fields", state.ErrValidation)
	}
	version, _ := params["version"].(int)
	if version == 0 {
		if f, ok := params["version"].(float64); ok {
			version = int(f)
		}
	}
	description, _ := params["description"].(string)

	fields, err := decodeFields(rawFields)
	if err != nil {
		return fmt.Errorf("%w: %v", state.ErrValidation, err)
	}

	doc := &schema.Document{
		SchemaName:  name,
		Version:     version,
		Description: description,
		Fields:      fields,
		UpdatedAt:   now,
	}
	if existing, ok := deps.Registry.Get(name); ok {
		doc.CreatedAt = existing.CreatedAt
	} else {
		doc.CreatedAt = now
	}
	deps.Store.WithGlobal(func(g *state.Channel) {
		deps.Registry.Put(doc)
		g.Schemas[name] = doc
	})
	return nil
}

func decodeFields(raw map[string]any) (map[string]*schema.Field, error) {
	out := make(map[string]*schema.Field, len(raw))
	for name, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q must be an object", name)
		}
		typ, _ := m["type"].(string)
		field := &schema.Field{Type: schema.FieldType(typ)}
		if req, ok := m["required"].(bool); ok {
			field.Required = req
		}
		if def, ok := m["default"]; ok {
			field.Default = def
		}
		if values, ok := m["values"].([]any); ok {
			for _, v := range values {
				if s, ok := v.(string); ok {
					field.Values = append(field.Values, s)
				}
			}
		}
		out[name] = field
	}
	return out, nil
}

// acquireCommonTool debits the channel treasury for the tool's first
// monthly payment, encrypts its access credentials under a channel- and
// salt-derived key, and records the CommonTool as active.
func acquireCommonTool(deps Dependencies, params map[string]any, now time.Time) error {
	channelID, _ := params["channel_id"].(string)
	toolID, _ := params["tool_id"].(string)
	description, _ := params["description"].(string)
	toolType, _ := params["type"].(string)
	plaintext, _ := params["credential_plaintext"].(string)
	salt, _ := params["salt"].(string)
	cost := int64Field(params, "monthly_cost_sp")
	if channelID == "" || toolID == "" || cost <= 0 {
		return fmt.Errorf("%w: acquire_common_tool requires channel_id, tool_id, and a positive monthly_cost_sp", state.ErrValidation)
	}

	treasuries := reputation.Treasuries(deps.Store.AllChannels(), deps.Config)
	treasury, ok := treasuries[channelID]
	if !ok {
		treasury = float64(deps.Config.TreasuryInitialBalance)
	}
	if treasury < float64(cost) {
		return fmt.Errorf("%w: channel %s treasury cannot cover monthly_cost_sp %d", state.ErrInsufficientFunds, channelID, cost)
	}

	encrypted, err := crypto.EncryptCredentials(channelID, salt, []byte(plaintext))
	if err != nil {
		return fmt.Errorf("executor: encrypt tool credentials: %w", err)
	}

	adjustmentID := uuid.NewString()
	deps.Store.WithChannel(channelID, func(c *state.Channel) {
		c.CommonTools[toolID] = &state.CommonTool{
			ToolID:               toolID,
			Description:          description,
			Type:                 toolType,
			Status:               state.ToolActive,
			MonthlyCostSP:        cost,
			LastPaymentAt:        now,
			EncryptedCredentials: encrypted,
		}
		c.TreasuryAdjustments[adjustmentID] = state.TreasuryAdjustment{
			ID:     adjustmentID,
			Amount: -cost,
			At:     now,
		}
	})
	return nil
}

// deprecateCommonTool marks a channel's common tool deprecated; it is no
// longer billed and its credentials are no longer handed out, but the
// record (and its history) stays in replicated state.
func deprecateCommonTool(deps Dependencies, params map[string]any, now time.Time) error {
	channelID, _ := params["channel_id"].(string)
	toolID, _ := params["tool_id"].(string)
	if channelID == "" || toolID == "" {
		return fmt.Errorf("%w: deprecate_common_tool requires channel_id and tool_id", state.ErrValidation)
	}
	var found bool
	deps.Store.WithChannel(channelID, func(c *state.Channel) {
		tool, ok := c.CommonTools[toolID]
		if !ok {
			return
		}
		found = true
		tool.Status = state.ToolDeprecated
		deprecatedAt := now
		tool.DeprecatedAt = &deprecatedAt
	})
	if !found {
		return fmt.Errorf("%w: common tool %s in channel %s", state.ErrNotFound, toolID, channelID)
	}
	return nil
}

func int64Field(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedProposalIDs(m map[string]*state.Proposal) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedTaskIDs(m map[string]*state.Task) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
