package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synapse-ng/raft"
)

type stubRaftNode struct {
	voteReply   *raft.RequestVoteReply
	appendReply *raft.AppendEntriesReply
}

func (s *stubRaftNode) HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply {
	return s.voteReply
}

func (s *stubRaftNode) HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply {
	return s.appendReply
}

func TestRaftTransport_RequestVoteRoundTrip(t *testing.T) {
	serverA, idA := newTestServer(t)
	runServer(t, serverA)
	serverB, _ := newTestServer(t)
	runServer(t, serverB)

	transportA := NewRaftTransport(serverA)
	transportB := NewRaftTransport(serverB)
	transportB.AttachNode(&stubRaftNode{voteReply: &raft.RequestVoteReply{Term: 7, VoteGranted: true}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, serverA.Connect(ctx, serverB.Addr().String(), false))
	require.Eventually(t, func() bool {
		return serverA.PeerCount() == 1 && serverB.PeerCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	peers := serverB.Peers()
	require.Contains(t, peers, idA.NodeID)

	reply, err := transportA.SendRequestVote(ctx, peerIDOf(serverA), &raft.RequestVoteArgs{Term: 7, CandidateID: idA.NodeID})
	require.NoError(t, err)
	require.Equal(t, int64(7), reply.Term)
	require.True(t, reply.VoteGranted)
}

func peerIDOf(s *Server) string {
	peers := s.Peers()
	if len(peers) == 0 {
		return ""
	}
	return peers[0]
}
