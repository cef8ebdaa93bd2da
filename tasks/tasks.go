// Package tasks implements the schema-validated task operations (C6) and
// the sealed-bid auction engine (C7).
package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"synapse-ng/reputation"
	"synapse-ng/schema"
	"synapse-ng/state"
)

// FundedBy selects who pays for a task at creation.
const (
	FundedByUser     = "user"
	FundedByTreasury = "treasury"
)

// Create validates payload against the named schema, applies defaults,
// checks funding, and inserts a new open task into channelID. caller is
// the node id creating the task (or, for treasury funding, the node
// acting on the channel's behalf — the stored creator is always
// "channel:<channelID>" in that case).
func Create(store *state.Store, registry *schema.Registry, channelID string, payload map[string]any, fundedBy, caller, schemaName string, cfg reputation.Config, now time.Time) (*state.Task, error) {
	if err := registry.Validate(payload, schemaName); err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrValidation, err)
	}
	filled, err := registry.ApplyDefaults(payload, schemaName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrValidation, err)
	}

	reward := int64(0)
	if r, ok := filled["reward"].(float64); ok {
		reward = int64(r)
	}
	if reward < 0 {
		return nil, fmt.Errorf("%w: reward must be non-negative", state.ErrValidation)
	}

	creator := caller
	if fundedBy == FundedByTreasury {
		creator = "channel:" + channelID
	}

	if reward > 0 {
		if err := checkFunding(store, channelID, creator, fundedBy, reward, cfg); err != nil {
			return nil, err
		}
	}

	task := &state.Task{
		ID:          uuid.NewString(),
		Creator:     creator,
		Owner:       creator,
		Title:       stringField(filled, "title"),
		Status:      state.TaskOpen,
		Reward:      reward,
		Tags:        stringListField(filled, "tags"),
		Description: stringField(filled, "description"),
		SchemaName:  schemaName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if schemaName == "task_v2" {
		task.RequiredTools = stringListField(filled, "required_tools")
		if auction := buildAuction(filled, reward, now); auction != nil {
			task.Auction = auction
			task.Status = state.TaskAuctionOpen
		}
	}

	store.WithChannel(channelID, func(c *state.Channel) {
		c.Tasks[task.ID] = task
	})
	return task, nil
}

func buildAuction(filled map[string]any, reward int64, now time.Time) *state.Auction {
	raw, ok := filled["auction"].(map[string]any)
	if !ok {
		return nil
	}
	enabled, _ := raw["enabled"].(bool)
	if !enabled {
		return nil
	}
	deadlineSeconds := int64(3600)
	if v, ok := raw["deadline_seconds"].(float64); ok {
		deadlineSeconds = int64(v)
	}
	return &state.Auction{
		Enabled:   true,
		Status:    state.TaskOpen,
		MaxReward: reward,
		Deadline:  now.Add(time.Duration(deadlineSeconds) * time.Second),
		Bids:      map[string]state.Bid{},
	}
}

func checkFunding(store *state.Store, channelID, creator, fundedBy string, reward int64, cfg reputation.Config) error {
	channels := store.AllChannels()
	if fundedBy == FundedByTreasury {
		treasuries := reputation.Treasuries(channels, cfg)
		treasury, ok := treasuries[channelID]
		if !ok {
			treasury = float64(cfg.TreasuryInitialBalance)
		}
		if treasury < float64(reward) {
			return fmt.Errorf("%w: treasury balance insufficient for reward %d", state.ErrInsufficientFunds, reward)
		}
		return nil
	}
	balances := reputation.Balances(channels, cfg, store.KnownNodeIDs())
	balance, ok := balances[creator]
	if !ok {
		balance = float64(cfg.InitialBalanceSP)
	}
	if balance < float64(reward) {
		return fmt.Errorf("%w: balance insufficient for reward %d", state.ErrInsufficientFunds, reward)
	}
	return nil
}

// Claim transitions an open task to claimed by caller.
func Claim(store *state.Store, channelID, taskID, caller string, now time.Time) error {
	var outErr error
	store.WithChannel(channelID, func(c *state.Channel) {
		task, ok := c.Tasks[taskID]
		if !ok {
			outErr = fmt.Errorf("%w: task %s", state.ErrNotFound, taskID)
			return
		}
		if task.Status != state.TaskOpen {
			outErr = fmt.Errorf("%w: task %s is not open", state.ErrConflict, taskID)
			return
		}
		task.Status = state.TaskClaimed
		task.Assignee = caller
		task.UpdatedAt = now
	})
	return outErr
}

// Progress transitions a claimed task to in_progress; only the assignee
// may call it.
func Progress(store *state.Store, channelID, taskID, caller string, now time.Time) error {
	var outErr error
	store.WithChannel(channelID, func(c *state.Channel) {
		task, ok := c.Tasks[taskID]
		if !ok {
			outErr = fmt.Errorf("%w: task %s", state.ErrNotFound, taskID)
			return
		}
		if task.Assignee != caller {
			outErr = fmt.Errorf("%w: only the assignee may progress task %s", state.ErrAuth, taskID)
			return
		}
		if task.Status != state.TaskClaimed {
			outErr = fmt.Errorf("%w: task %s is not claimed", state.ErrConflict, taskID)
			return
		}
		task.Status = state.TaskInProgress
		task.UpdatedAt = now
	})
	return outErr
}

// Complete transitions an in-progress task to completed; only the
// assignee may call it. Balance/treasury effects are realized by the
// pure calculators in package reputation reading the completed task.
func Complete(store *state.Store, channelID, taskID, caller string, now time.Time) error {
	var outErr error
	store.WithChannel(channelID, func(c *state.Channel) {
		task, ok := c.Tasks[taskID]
		if !ok {
			outErr = fmt.Errorf("%w: task %s", state.ErrNotFound, taskID)
			return
		}
		if task.Assignee != caller {
			outErr = fmt.Errorf("%w: only the assignee may complete task %s", state.ErrAuth, taskID)
			return
		}
		if task.Status != state.TaskInProgress {
			outErr = fmt.Errorf("%w: task %s is not in progress", state.ErrConflict, taskID)
			return
		}
		task.Status = state.TaskCompleted
		task.UpdatedAt = now
	})
	return outErr
}

// Delete soft-deletes a task; only the owner may call it. The record
// remains in state (is_deleted = true) so LWW merge still converges.
func Delete(store *state.Store, channelID, taskID, caller string, now time.Time) error {
	var outErr error
	store.WithChannel(channelID, func(c *state.Channel) {
		task, ok := c.Tasks[taskID]
		if !ok {
			outErr = fmt.Errorf("%w: task %s", state.ErrNotFound, taskID)
			return
		}
		if task.Owner != caller {
			outErr = fmt.Errorf("%w: only the owner may delete task %s", state.ErrAuth, taskID)
			return
		}
		task.IsDeleted = true
		task.UpdatedAt = now
	})
	return outErr
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
