// Package raft implements a small, faithful Raft consensus module (C10)
// over the validator council: RequestVote/AppendEntries RPCs, randomized
// election timeout, leader heartbeat, and a persistent term/votedFor/log
// distinct from the replicated execution_log. Once a majority commits a
// log entry, Apply appends the carried Command to the execution log —
// the replicated state machine's only externally visible output.
package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"synapse-ng/state"
)

// Role is a validator's current Raft role.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is one validator-local Raft log entry, carrying a ratified
// Command as its payload.
type LogEntry struct {
	Index   int64
	Term    int64
	Command state.Command
}

// RequestVoteArgs is the RequestVote RPC's arguments.
type RequestVoteArgs struct {
	Term         int64
	CandidateID  string
	LastLogIndex int64
	LastLogTerm  int64
}

// RequestVoteReply is the RequestVote RPC's reply.
type RequestVoteReply struct {
	Term        int64
	VoteGranted bool
}

// AppendEntriesArgs is the AppendEntries RPC's arguments. Empty Entries
// is a heartbeat.
type AppendEntriesArgs struct {
	Term         int64
	LeaderID     string
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []LogEntry
	LeaderCommit int64
}

// AppendEntriesReply is the AppendEntries RPC's reply.
type AppendEntriesReply struct {
	Term    int64
	Success bool
}

// Transport sends Raft RPCs to another validator. Implementations (the
// gossip package's direct-peer connections) must apply their own
// request-level timeout; a Transport call that never returns will stall
// one replication attempt, not the whole node.
type Transport interface {
	SendRequestVote(ctx context.Context, peerID string, args *RequestVoteArgs) (*RequestVoteReply, error)
	SendAppendEntries(ctx context.Context, peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
}

const (
	heartbeatInterval  = 1 * time.Second
	minElectionTimeout = 3 * time.Second
	maxElectionTimeout = 6 * time.Second
)

// Node is one validator's Raft participant.
type Node struct {
	mu sync.Mutex

	selfID    string
	transport Transport
	apply     func(state.Command)

	// Persistent state (conceptually fsync'd; kept in memory here since
	// the replicated execution_log, not the Raft log, is what every node
	// — validator or not — relies on for durability across restarts).
	currentTerm int64
	votedFor    string
	log         []LogEntry

	// Volatile state.
	commitIndex  int64
	lastApplied  int64
	role         Role
	leaderID     string
	validatorSet []string

	lastHeartbeat   time.Time
	electionTimeout time.Duration

	// Leader-only volatile state.
	nextIndex  map[string]int64
	matchIndex map[string]int64
}

// New returns a Node that starts as a follower with no validator set.
// apply is invoked, in order, for every log entry that reaches a majority
// commit; it must be fast and must not block on the network.
func New(selfID string, transport Transport, apply func(state.Command)) *Node {
	return &Node{
		selfID:          selfID,
		transport:       transport,
		apply:           apply,
		role:            Follower,
		lastHeartbeat:   time.Now(),
		electionTimeout: randomElectionTimeout(),
	}
}

func randomElectionTimeout() time.Duration {
	span := maxElectionTimeout - minElectionTimeout
	return minElectionTimeout + time.Duration(rand.Int63n(int64(span)))
}

// SetValidatorSet replaces the council this node participates in. Callers
// supply the result of validator.Elect; the node drops leader-only
// per-follower indices for any validator no longer present.
func (n *Node) SetValidatorSet(validators []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.validatorSet = append([]string(nil), validators...)
	if n.role == Leader {
		n.initLeaderIndices()
	}
}

// Role returns the node's current role and term.
func (n *Node) Role() (Role, int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role, n.currentTerm
}

func (n *Node) isValidator(id string) bool {
	for _, v := range n.validatorSet {
		if v == id {
			return true
		}
	}
	return false
}

func (n *Node) majority() int {
	return len(n.validatorSet)/2 + 1
}

// HandleRequestVote is the RequestVote RPC handler.
func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return &RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}
	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}

	lastIndex, lastTerm := n.lastLogLocked()
	logOK := args.LastLogTerm > lastTerm || (args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if (n.votedFor == "" || n.votedFor == args.CandidateID) && logOK {
		n.votedFor = args.CandidateID
		n.lastHeartbeat = time.Now()
		return &RequestVoteReply{Term: n.currentTerm, VoteGranted: true}
	}
	return &RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
}

// HandleAppendEntries is the AppendEntries RPC handler.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()

	if args.Term < n.currentTerm {
		reply := &AppendEntriesReply{Term: n.currentTerm, Success: false}
		n.mu.Unlock()
		return reply
	}
	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	} else if n.role == Candidate {
		n.role = Follower
	}
	n.leaderID = args.LeaderID
	n.lastHeartbeat = time.Now()

	if args.PrevLogIndex > 0 {
		if args.PrevLogIndex > int64(len(n.log)) {
			reply := &AppendEntriesReply{Term: n.currentTerm, Success: false}
			n.mu.Unlock()
			return reply
		}
		if prev := n.log[args.PrevLogIndex-1]; prev.Term != args.PrevLogTerm {
			n.log = n.log[:args.PrevLogIndex-1]
			reply := &AppendEntriesReply{Term: n.currentTerm, Success: false}
			n.mu.Unlock()
			return reply
		}
	}

	for _, e := range args.Entries {
		if e.Index <= int64(len(n.log)) {
			if n.log[e.Index-1].Term != e.Term {
				n.log = n.log[:e.Index-1]
				n.log = append(n.log, e)
			}
			continue
		}
		n.log = append(n.log, e)
	}

	if args.LeaderCommit > n.commitIndex {
		lastNewIndex := int64(len(n.log))
		if args.LeaderCommit < lastNewIndex {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNewIndex
		}
	}

	toApply := n.collectApplicableLocked()
	n.mu.Unlock()

	n.applyEntries(toApply)
	return &AppendEntriesReply{Term: n.currentTerm, Success: true}
}

func (n *Node) becomeFollowerLocked(term int64) {
	n.currentTerm = term
	n.role = Follower
	n.votedFor = ""
}

func (n *Node) lastLogLocked() (index, term int64) {
	if len(n.log) == 0 {
		return 0, 0
	}
	last := n.log[len(n.log)-1]
	return last.Index, last.Term
}

func (n *Node) collectApplicableLocked() []state.Command {
	var out []state.Command
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		out = append(out, n.log[n.lastApplied-1].Command)
	}
	return out
}

func (n *Node) applyEntries(cmds []state.Command) {
	for _, cmd := range cmds {
		if n.apply != nil {
			n.apply(cmd)
		}
	}
}

// Propose appends a new entry to the leader's log and returns immediately;
// replication to followers happens on the next heartbeat/replicate tick.
// It returns an error if this node is not currently the leader.
func (n *Node) Propose(cmd state.Command) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return fmt.Errorf("raft: %s is not leader", n.selfID)
	}
	entry := LogEntry{
		Index:   int64(len(n.log)) + 1,
		Term:    n.currentTerm,
		Command: cmd,
	}
	n.log = append(n.log, entry)
	n.matchIndex[n.selfID] = entry.Index
	return nil
}

func (n *Node) initLeaderIndices() {
	n.nextIndex = map[string]int64{}
	n.matchIndex = map[string]int64{}
	next := int64(len(n.log)) + 1
	for _, v := range n.validatorSet {
		n.nextIndex[v] = next
		n.matchIndex[v] = 0
	}
	n.matchIndex[n.selfID] = int64(len(n.log))
}

// Tick runs one iteration of the Raft timer loop: if this node is not the
// leader and the election timeout has elapsed, it starts an election; if
// it is the leader, it sends a heartbeat/replication round once
// heartbeatInterval has passed since the last one. Callers (package node's
// Raft ticker) call Tick on a short interval (e.g. 100ms) so elections fire
// within their randomized window.
func (n *Node) Tick(ctx context.Context) {
	n.mu.Lock()
	role := n.role
	timedOut := n.isValidator(n.selfID) && time.Since(n.lastHeartbeat) > n.electionTimeout
	beat := role == Leader && time.Since(n.lastHeartbeat) >= heartbeatInterval
	if beat {
		n.lastHeartbeat = time.Now()
	}
	n.mu.Unlock()

	if role == Leader {
		if beat {
			n.sendHeartbeats(ctx)
		}
		return
	}
	if timedOut {
		n.startElection(ctx)
	}
}

func (n *Node) startElection(ctx context.Context) {
	n.mu.Lock()
	if !n.isValidator(n.selfID) {
		n.mu.Unlock()
		return
	}
	n.currentTerm++
	n.role = Candidate
	n.votedFor = n.selfID
	term := n.currentTerm
	lastIndex, lastTerm := n.lastLogLocked()
	peers := otherValidators(n.validatorSet, n.selfID)
	n.lastHeartbeat = time.Now()
	n.electionTimeout = randomElectionTimeout()
	n.mu.Unlock()

	votes := 1 // vote for self
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, peer := range peers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := n.transport.SendRequestVote(ctx, peer, &RequestVoteArgs{
				Term:         term,
				CandidateID:  n.selfID,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			})
			if err != nil || reply == nil {
				return
			}
			n.mu.Lock()
			defer n.mu.Unlock()
			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term)
				return
			}
			if reply.VoteGranted && n.role == Candidate && n.currentTerm == term {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == Candidate && n.currentTerm == term && votes >= n.majority() {
		n.role = Leader
		n.leaderID = n.selfID
		n.initLeaderIndices()
	}
}

func (n *Node) sendHeartbeats(ctx context.Context) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	peers := otherValidators(n.validatorSet, n.selfID)
	commitIndex := n.commitIndex
	logCopy := append([]LogEntry(nil), n.log...)
	nextIndex := make(map[string]int64, len(n.nextIndex))
	for k, v := range n.nextIndex {
		nextIndex[k] = v
	}
	n.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	matchReports := map[string]int64{}

	for _, peer := range peers {
		peer := peer
		next := nextIndex[peer]
		if next < 1 {
			next = 1
		}
		var entries []LogEntry
		if next <= int64(len(logCopy)) {
			entries = logCopy[next-1:]
		}
		prevIndex := next - 1
		prevTerm := int64(0)
		if prevIndex > 0 && prevIndex <= int64(len(logCopy)) {
			prevTerm = logCopy[prevIndex-1].Term
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := n.transport.SendAppendEntries(ctx, peer, &AppendEntriesArgs{
				Term:         term,
				LeaderID:     n.selfID,
				PrevLogIndex: prevIndex,
				PrevLogTerm:  prevTerm,
				Entries:      entries,
				LeaderCommit: commitIndex,
			})
			if err != nil || reply == nil {
				return
			}
			n.mu.Lock()
			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term)
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()

			if reply.Success {
				mu.Lock()
				matchReports[peer] = prevIndex + int64(len(entries))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	for peer, idx := range matchReports {
		if idx > n.matchIndex[peer] {
			n.matchIndex[peer] = idx
			n.nextIndex[peer] = idx + 1
		}
	}
	n.advanceCommitIndexLocked()
	toApply := n.collectApplicableLocked()
	n.mu.Unlock()

	n.applyEntries(toApply)
}

// advanceCommitIndexLocked implements the Raft commit rule: commitIndex
// advances to the highest index replicated on a majority of validators,
// provided that entry was created in the current term.
func (n *Node) advanceCommitIndexLocked() {
	matches := make([]int64, 0, len(n.validatorSet))
	for _, v := range n.validatorSet {
		matches = append(matches, n.matchIndex[v])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	majorityIdx := n.majority() - 1
	if majorityIdx < 0 || majorityIdx >= len(matches) {
		return
	}
	candidate := matches[majorityIdx]
	if candidate <= n.commitIndex || candidate < 1 || candidate > int64(len(n.log)) {
		return
	}
	if n.log[candidate-1].Term == n.currentTerm {
		n.commitIndex = candidate
	}
}

func otherValidators(validators []string, self string) []string {
	out := make([]string, 0, len(validators))
	for _, v := range validators {
		if v != self {
			out = append(out, v)
		}
	}
	return out
}
