package state

import "synapse-ng/schema"

// Channel holds all topic-scoped entities for one channel, including the
// distinguished "global" channel's cross-cutting data.
type Channel struct {
	// Topical fields.
	Participants      map[string]bool
	Tasks             map[string]*Task
	Proposals         map[string]*Proposal
	CompositeTasks    map[string]*CompositeTask
	TeamAnnouncements map[string]*TeamAnnouncement
	NodeSkills        map[string]map[string]SkillVerification // node_id -> skill -> verification
	CommonTools       map[string]*CommonTool
	TreasuryAdjustments map[string]TreasuryAdjustment // id -> adjustment, append-only
	Archived          bool

	// Global-only fields (populated only on the channel named "global").
	Nodes                    map[string]NodeInfo
	Config                   map[string]any
	ConfigVersion            int64
	Schemas                  map[string]*schema.Document
	ValidatorSet             []string
	ValidatorSetUpdatedAt    int64
	ExecutionLog             []Command
	RatificationVotes        map[string]map[string]bool // proposal_id -> validator ids
	PendingOperations        map[string]bool             // proposal_id set
	ZKPNullifiers            map[string]map[string]bool  // proposal_id -> nullifiers
	LastExecutedCommandIndex int                         // node-local, never merged/replicated
}

// NewChannel returns an empty, fully-initialized channel container.
func NewChannel() *Channel {
	return &Channel{
		Participants:      map[string]bool{},
		Tasks:             map[string]*Task{},
		Proposals:         map[string]*Proposal{},
		CompositeTasks:    map[string]*CompositeTask{},
		TeamAnnouncements: map[string]*TeamAnnouncement{},
		NodeSkills:        map[string]map[string]SkillVerification{},
		CommonTools:       map[string]*CommonTool{},
		TreasuryAdjustments: map[string]TreasuryAdjustment{},
	}
}

// NewGlobalChannel returns an empty global channel with its cross-cutting
// maps initialized.
func NewGlobalChannel() *Channel {
	c := NewChannel()
	c.Nodes = map[string]NodeInfo{}
	c.Config = map[string]any{}
	c.Schemas = map[string]*schema.Document{}
	c.RatificationVotes = map[string]map[string]bool{}
	c.PendingOperations = map[string]bool{}
	c.ZKPNullifiers = map[string]map[string]bool{}
	return c
}

// Clone returns a deep copy of the channel, suitable for handing to
// read-only derived computations outside the store's critical section.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	out := &Channel{
		Archived:                 c.Archived,
		ConfigVersion:            c.ConfigVersion,
		ValidatorSetUpdatedAt:    c.ValidatorSetUpdatedAt,
		LastExecutedCommandIndex: c.LastExecutedCommandIndex,
	}

	out.Participants = cloneBoolSet(c.Participants)

	out.Tasks = make(map[string]*Task, len(c.Tasks))
	for k, v := range c.Tasks {
		out.Tasks[k] = v.Clone()
	}

	out.Proposals = make(map[string]*Proposal, len(c.Proposals))
	for k, v := range c.Proposals {
		out.Proposals[k] = v.Clone()
	}

	out.CompositeTasks = make(map[string]*CompositeTask, len(c.CompositeTasks))
	for k, v := range c.CompositeTasks {
		out.CompositeTasks[k] = v.Clone()
	}

	out.TeamAnnouncements = make(map[string]*TeamAnnouncement, len(c.TeamAnnouncements))
	for k, v := range c.TeamAnnouncements {
		cp := *v
		cp.SkillsOffered = append([]string(nil), v.SkillsOffered...)
		cp.LookingFor = append([]string(nil), v.LookingFor...)
		out.TeamAnnouncements[k] = &cp
	}

	out.NodeSkills = make(map[string]map[string]SkillVerification, len(c.NodeSkills))
	for node, skills := range c.NodeSkills {
		m := make(map[string]SkillVerification, len(skills))
		for skill, v := range skills {
			m[skill] = v
		}
		out.NodeSkills[node] = m
	}

	out.CommonTools = make(map[string]*CommonTool, len(c.CommonTools))
	for k, v := range c.CommonTools {
		out.CommonTools[k] = v.Clone()
	}

	out.TreasuryAdjustments = make(map[string]TreasuryAdjustment, len(c.TreasuryAdjustments))
	for k, v := range c.TreasuryAdjustments {
		out.TreasuryAdjustments[k] = v
	}

	if c.Nodes != nil {
		out.Nodes = make(map[string]NodeInfo, len(c.Nodes))
		for k, v := range c.Nodes {
			out.Nodes[k] = v
		}
	}
	if c.Config != nil {
		out.Config = cloneAnyMap(c.Config)
	}
	if c.Schemas != nil {
		out.Schemas = make(map[string]*schema.Document, len(c.Schemas))
		for k, v := range c.Schemas {
			doc := *v
			out.Schemas[k] = &doc
		}
	}
	out.ValidatorSet = append([]string(nil), c.ValidatorSet...)
	out.ExecutionLog = append([]Command(nil), c.ExecutionLog...)
	if c.RatificationVotes != nil {
		out.RatificationVotes = make(map[string]map[string]bool, len(c.RatificationVotes))
		for k, v := range c.RatificationVotes {
			out.RatificationVotes[k] = cloneBoolSet(v)
		}
	}
	if c.PendingOperations != nil {
		out.PendingOperations = cloneBoolSet(c.PendingOperations)
	}
	if c.ZKPNullifiers != nil {
		out.ZKPNullifiers = make(map[string]map[string]bool, len(c.ZKPNullifiers))
		for k, v := range c.ZKPNullifiers {
			out.ZKPNullifiers[k] = cloneBoolSet(v)
		}
	}

	return out
}

func cloneBoolSet(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
