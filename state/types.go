// Package state owns the in-memory, channel-partitioned replicated state
// (C3) and the deterministic CRDT merge engine that reconciles it across
// nodes (C4).
package state

import "time"

// NodeInfo is a peer's entry in the global channel's node directory.
type NodeInfo struct {
	URL         string    `json:"url"`
	KXPublicKey string    `json:"kx_public_key"`
	LastSeen    int64     `json:"last_seen"`
	Version     int64     `json:"version"`
}

// Bid is one peer's sealed bid on an auction-enabled task.
type Bid struct {
	Amount        int64     `json:"amount"`
	EstimatedDays int64     `json:"estimated_days"`
	Reputation    float64   `json:"reputation"`
	Timestamp     time.Time `json:"timestamp"`
}

// Auction is the nested auction sub-document of a task_v2 task.
type Auction struct {
	Enabled     bool           `json:"enabled"`
	Status      string         `json:"status"` // open, closed, finalized
	MaxReward   int64          `json:"max_reward"`
	Deadline    time.Time      `json:"deadline"`
	Bids        map[string]Bid `json:"bids"`
	SelectedBid string         `json:"selected_bid,omitempty"`
}

// Task status values.
const (
	TaskOpen         = "open"
	TaskAuctionOpen  = "auction_open"
	TaskAuctionClosed = "auction_closed"
	TaskClaimed      = "claimed"
	TaskInProgress   = "in_progress"
	TaskCompleted    = "completed"
)

// Task is a unit of work in a topical channel, validated against task_v1 or
// task_v2.
type Task struct {
	ID            string    `json:"id"`
	Creator       string    `json:"creator"`
	Owner         string    `json:"owner"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	Assignee      string    `json:"assignee,omitempty"`
	Reward        int64     `json:"reward"`
	Tags          []string  `json:"tags"`
	Description   string    `json:"description"`
	SchemaName    string    `json:"schema_name"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	IsDeleted     bool      `json:"is_deleted"`
	RequiredTools []string  `json:"required_tools,omitempty"`
	Auction       *Auction  `json:"auction,omitempty"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	cp.RequiredTools = append([]string(nil), t.RequiredTools...)
	if t.Auction != nil {
		a := *t.Auction
		a.Bids = make(map[string]Bid, len(t.Auction.Bids))
		for k, v := range t.Auction.Bids {
			a.Bids[k] = v
		}
		cp.Auction = &a
	}
	return &cp
}

// AnonymousVote is one accepted ZKP-backed anonymous vote on a proposal.
type AnonymousVote struct {
	Vote      string    `json:"vote"`
	Tier      string    `json:"tier"`
	Nullifier string    `json:"nullifier"`
	Timestamp time.Time `json:"timestamp"`
}

// Proposal statuses.
const (
	ProposalOpen                = "open"
	ProposalClosed              = "closed"
	ProposalExecuted            = "executed"
	ProposalFailed              = "failed"
	ProposalPendingRatification = "pending_ratification"
	ProposalRatified            = "ratified"
	ProposalApproved            = "approved"
	ProposalRejected            = "rejected"
)

// Proposal types.
const (
	ProposalGeneric          = "generic"
	ProposalConfigChange     = "config_change"
	ProposalNetworkOperation = "network_operation"
	ProposalCommand          = "command"
	ProposalCodeUpgrade      = "code_upgrade"
)

// Proposal is a governance proposal, either weighted-voted by the community
// or, once approved for network_operation/code_upgrade, ratified by the
// validator council.
type Proposal struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	ProposalType   string            `json:"proposal_type"`
	Params         map[string]any    `json:"params,omitempty"`
	Command        map[string]any    `json:"command,omitempty"`
	Tags           []string          `json:"tags"`
	SchemaName     string            `json:"schema_name"`
	Proposer       string            `json:"proposer"`
	Status         string            `json:"status"`
	Votes          map[string]string `json:"votes"`
	AnonymousVotes []AnonymousVote   `json:"anonymous_votes"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ClosedAt       *time.Time        `json:"closed_at,omitempty"`
	Outcome        string            `json:"outcome,omitempty"`
	ExecutionResult string           `json:"execution_result,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Votes = make(map[string]string, len(p.Votes))
	for k, v := range p.Votes {
		cp.Votes[k] = v
	}
	cp.AnonymousVotes = append([]AnonymousVote(nil), p.AnonymousVotes...)
	if p.Params != nil {
		cp.Params = cloneAnyMap(p.Params)
	}
	if p.Command != nil {
		cp.Command = cloneAnyMap(p.Command)
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// Command operation kinds.
const (
	OpSplitChannel       = "split_channel"
	OpMergeChannels      = "merge_channels"
	OpUpdateSchema       = "update_schema"
	OpAcquireCommonTool  = "acquire_common_tool"
	OpDeprecateCommonTool = "deprecate_common_tool"
	OpExecuteUpgrade     = "execute_upgrade"
)

// Command is an immutable, ratified entry in the global execution log.
type Command struct {
	CommandID  string         `json:"command_id"`
	ProposalID string         `json:"proposal_id"`
	Operation  string         `json:"operation"`
	Params     map[string]any `json:"params"`
	RatifiedAt time.Time      `json:"ratified_at"`
	RatifiedBy []string       `json:"ratified_by"`
}

// CompositeMember is one role slot of a composite task.
type CompositeMember struct {
	Assignee string  `json:"assignee,omitempty"`
	TaskID   string  `json:"task_id,omitempty"`
	Status   string  `json:"status"`
}

// CompositeTask is a parent task requiring N role-tagged member tasks to
// all complete before the whole is considered done.
type CompositeTask struct {
	ID          string                      `json:"id"`
	Title       string                      `json:"title"`
	Creator     string                      `json:"creator"`
	Channel     string                      `json:"channel"`
	Status      string                      `json:"status"` // open, in_progress, completed
	Members     map[string]CompositeMember  `json:"members"`
	RewardSplit map[string]float64          `json:"reward_split"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

func (c *CompositeTask) Clone() *CompositeTask {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Members = make(map[string]CompositeMember, len(c.Members))
	for k, v := range c.Members {
		cp.Members[k] = v
	}
	cp.RewardSplit = make(map[string]float64, len(c.RewardSplit))
	for k, v := range c.RewardSplit {
		cp.RewardSplit[k] = v
	}
	return &cp
}

// TeamAnnouncement is an append-only call for collaborators on a channel.
type TeamAnnouncement struct {
	ID            string    `json:"id"`
	NodeID        string    `json:"node_id"`
	SkillsOffered []string  `json:"skills_offered"`
	LookingFor    []string  `json:"looking_for"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// SkillVerification counts how many times a node's skill has been attested.
type SkillVerification struct {
	VerificationCount int       `json:"verification_count"`
	VerifiedAt        time.Time `json:"verified_at"`
}

// Common tool statuses.
const (
	ToolActive     = "active"
	ToolDeprecated = "deprecated"
	ToolSuspended  = "suspended"
)

// CommonTool is a channel-owned shared resource paid for from the channel
// treasury, with encrypted access credentials.
type CommonTool struct {
	ToolID               string     `json:"tool_id"`
	Description          string     `json:"description"`
	Type                 string     `json:"type"`
	Status               string     `json:"status"`
	MonthlyCostSP         int64      `json:"monthly_cost_sp"`
	LastPaymentAt        time.Time  `json:"last_payment_at"`
	DeprecatedAt         *time.Time `json:"deprecated_at,omitempty"`
	EncryptedCredentials string     `json:"encrypted_credentials"`
}

// TreasuryAdjustment is an append-only record of a non-task debit or
// credit applied to a channel treasury (common-tool acquisition and
// monthly maintenance payments). Treasuries are derived by summing task
// flows plus every adjustment recorded here, keeping the treasury a pure
// function of replicated state rather than a separately mutated balance.
type TreasuryAdjustment struct {
	ID     string    `json:"id"`
	Amount int64     `json:"amount"` // negative for a debit, positive for a credit
	At     time.Time `json:"at"`
}

func (c *CommonTool) Clone() *CommonTool {
	if c == nil {
		return nil
	}
	cp := *c
	if c.DeprecatedAt != nil {
		t := *c.DeprecatedAt
		cp.DeprecatedAt = &t
	}
	return &cp
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAnyValue(v)
	}
	return out
}

func cloneAnyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneAnyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneAnyValue(item)
		}
		return out
	default:
		return val
	}
}
