package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synapse-ng/state"
)

// fakeTransport wires a closed set of in-memory Nodes together so RPCs
// resolve synchronously without a real network.
type fakeTransport struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nodes: map[string]*Node{}}
}

func (f *fakeTransport) register(id string, n *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[id] = n
}

func (f *fakeTransport) SendRequestVote(ctx context.Context, peerID string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	f.mu.Lock()
	peer := f.nodes[peerID]
	f.mu.Unlock()
	if peer == nil {
		return nil, nil
	}
	return peer.HandleRequestVote(args), nil
}

func (f *fakeTransport) SendAppendEntries(ctx context.Context, peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	f.mu.Lock()
	peer := f.nodes[peerID]
	f.mu.Unlock()
	if peer == nil {
		return nil, nil
	}
	return peer.HandleAppendEntries(args), nil
}

func newCluster(t *testing.T, ids []string) (*fakeTransport, map[string]*Node, map[string][]state.Command) {
	t.Helper()
	transport := newFakeTransport()
	nodes := map[string]*Node{}
	applied := map[string][]state.Command{}
	var mu sync.Mutex

	for _, id := range ids {
		id := id
		n := New(id, transport, func(cmd state.Command) {
			mu.Lock()
			applied[id] = append(applied[id], cmd)
			mu.Unlock()
		})
		n.SetValidatorSet(ids)
		nodes[id] = n
		transport.register(id, n)
	}
	return transport, nodes, applied
}

func electLeader(t *testing.T, nodes map[string]*Node, candidateID string) {
	t.Helper()
	n := nodes[candidateID]
	n.startElection(context.Background())
	role, _ := n.Role()
	require.Equal(t, Leader, role, "candidate must win an uncontested election among a clean cluster")
}

func TestElection_CandidateWinsMajorityVote(t *testing.T) {
	_, nodes, _ := newCluster(t, []string{"a", "b", "c"})
	electLeader(t, nodes, "a")

	for _, id := range []string{"b", "c"} {
		role, term := nodes[id].Role()
		require.Equal(t, Follower, role)
		require.Equal(t, int64(1), term)
	}
}

func TestElection_HigherTermStepsDownExistingLeader(t *testing.T) {
	_, nodes, _ := newCluster(t, []string{"a", "b", "c"})
	electLeader(t, nodes, "a")

	// b starts a fresh election at a higher term and should win, since a's
	// term-1 log is no less up to date and b/c can both grant the vote.
	nodes["b"].mu.Lock()
	nodes["b"].currentTerm = 5
	nodes["b"].mu.Unlock()
	nodes["b"].startElection(context.Background())

	role, term := nodes["b"].Role()
	require.Equal(t, Leader, role)
	require.Equal(t, int64(6), term)

	aRole, aTerm := nodes["a"].Role()
	require.Equal(t, Follower, aRole)
	require.Equal(t, int64(6), aTerm)
}

func TestReplication_CommandCommitsOnMajorityAndApplies(t *testing.T) {
	_, nodes, applied := newCluster(t, []string{"a", "b", "c"})
	electLeader(t, nodes, "a")

	cmd := state.Command{
		CommandID:  "cmd-1",
		ProposalID: "p-1",
		Operation:  state.OpSplitChannel,
		Params:     map[string]any{"by": "tag"},
		RatifiedAt: time.Now().UTC(),
		RatifiedBy: []string{"a", "b", "c"},
	}
	require.NoError(t, nodes["a"].Propose(cmd))

	nodes["a"].sendHeartbeats(context.Background())
	// The first round replicates the entry and commits it on the leader; the
	// second carries the new commit index to the followers.
	nodes["a"].sendHeartbeats(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		got := applied[id]
		require.Len(t, got, 1, "node %s should have applied exactly one committed command", id)
		require.Equal(t, "cmd-1", got[0].CommandID)
	}
}

func TestPropose_RejectedWhenNotLeader(t *testing.T) {
	_, nodes, _ := newCluster(t, []string{"a", "b", "c"})
	err := nodes["b"].Propose(state.Command{CommandID: "x"})
	require.Error(t, err)
}

func TestHandleAppendEntries_RejectsStaleTerm(t *testing.T) {
	_, nodes, _ := newCluster(t, []string{"a", "b", "c"})
	nodes["b"].mu.Lock()
	nodes["b"].currentTerm = 9
	nodes["b"].mu.Unlock()

	reply := nodes["b"].HandleAppendEntries(&AppendEntriesArgs{Term: 1, LeaderID: "a"})
	require.False(t, reply.Success)
	require.Equal(t, int64(9), reply.Term)
}

func TestHandleRequestVote_DeniesSecondVoteInSameTerm(t *testing.T) {
	_, nodes, _ := newCluster(t, []string{"a", "b", "c"})

	first := nodes["b"].HandleRequestVote(&RequestVoteArgs{Term: 1, CandidateID: "a"})
	require.True(t, first.VoteGranted)

	second := nodes["b"].HandleRequestVote(&RequestVoteArgs{Term: 1, CandidateID: "c"})
	require.False(t, second.VoteGranted, "b already voted for a in term 1")
}

func TestChanged_NonValidatorNeverStartsElection(t *testing.T) {
	_, nodes, _ := newCluster(t, []string{"a", "b", "c"})
	nodes["a"].SetValidatorSet([]string{"b", "c"})
	nodes["a"].Tick(context.Background())
	role, term := nodes["a"].Role()
	require.Equal(t, Follower, role)
	require.Equal(t, int64(0), term, "a dropped from the validator set must never campaign")
}
