package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"synapse-ng/raft"
)

// RaftTransport implements raft.Transport over the signed peer connections:
// each RPC is a request frame carrying a correlation id, answered
// asynchronously by a response frame the peer's read loop routes back
// here. It lets the replicated command log (C10) ride the same
// connections as gossip rather than opening a second listener.
type RaftTransport struct {
	server *Server

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	node    raftNode
}

// NewRaftTransport wires a RaftTransport to server and registers it so
// incoming RAFT_* frames are routed here instead of falling through to
// the pub/sub mesh.
func NewRaftTransport(s *Server) *RaftTransport {
	t := &RaftTransport{server: s, pending: map[string]chan json.RawMessage{}}
	s.raftTransport = t
	return t
}

func (t *RaftTransport) SendRequestVote(ctx context.Context, peerID string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	if err := t.roundTrip(ctx, peerID, msgRaftVoteRequest, msgRaftVoteResponse, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *RaftTransport) SendAppendEntries(ctx context.Context, peerID string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	if err := t.roundTrip(ctx, peerID, msgRaftAppendRequest, msgRaftAppendResponse, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *RaftTransport) roundTrip(ctx context.Context, peerID, reqType, respType string, args, reply any) error {
	p, ok := t.server.peerByID(peerID)
	if !ok {
		return fmt.Errorf("gossip: raft peer %s not connected", peerID)
	}

	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("gossip: marshal raft args: %w", err)
	}
	correlationID := uuid.NewString()
	envelope := RaftEnvelope{CorrelationID: correlationID, Body: body}

	ch := make(chan json.RawMessage, 1)
	t.mu.Lock()
	t.pending[correlationID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, correlationID)
		t.mu.Unlock()
	}()

	msg := &Message{Type: reqType, Payload: marshal(envelope)}
	if err := p.Enqueue(msg); err != nil {
		return fmt.Errorf("gossip: send raft rpc to %s: %w", peerID, err)
	}
	_ = respType

	select {
	case raw := <-ch:
		if err := json.Unmarshal(raw, reply); err != nil {
			return fmt.Errorf("gossip: decode raft reply: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleIncoming processes a RAFT_* frame read by p's read loop, dispatch
// requests to the local raft.Node (via handleRequest) and responses to a
// pending caller's channel. Returns (handled, error).
func (t *RaftTransport) handleIncoming(p *Peer, msg *Message) (bool, error) {
	switch msg.Type {
	case msgRaftVoteRequest:
		return true, t.serve(p, msg, msgRaftVoteResponse, func(body json.RawMessage) (any, error) {
			var args raft.RequestVoteArgs
			if err := json.Unmarshal(body, &args); err != nil {
				return nil, err
			}
			if t.node == nil {
				return nil, fmt.Errorf("gossip: no local raft node registered")
			}
			return t.node.HandleRequestVote(&args), nil
		})
	case msgRaftAppendRequest:
		return true, t.serve(p, msg, msgRaftAppendResponse, func(body json.RawMessage) (any, error) {
			var args raft.AppendEntriesArgs
			if err := json.Unmarshal(body, &args); err != nil {
				return nil, err
			}
			if t.node == nil {
				return nil, fmt.Errorf("gossip: no local raft node registered")
			}
			return t.node.HandleAppendEntries(&args), nil
		})
	case msgRaftVoteResponse, msgRaftAppendResponse:
		var envelope RaftEnvelope
		if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
			return true, fmt.Errorf("gossip: malformed raft response: %w", err)
		}
		t.mu.Lock()
		ch, ok := t.pending[envelope.CorrelationID]
		t.mu.Unlock()
		if ok {
			select {
			case ch <- envelope.Body:
			default:
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

func (t *RaftTransport) serve(p *Peer, msg *Message, respType string, handle func(json.RawMessage) (any, error)) error {
	var envelope RaftEnvelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		return fmt.Errorf("gossip: malformed raft request: %w", err)
	}
	reply, err := handle(envelope.Body)
	if err != nil {
		return err
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("gossip: marshal raft reply: %w", err)
	}
	resp := &Message{
		Type:    respType,
		Payload: marshal(RaftEnvelope{CorrelationID: envelope.CorrelationID, Body: body}),
	}
	return p.Enqueue(resp)
}

// AttachNode registers the local raft.Node that inbound RPC requests are
// served against.
func (t *RaftTransport) AttachNode(node raftNode) { t.node = node }

// raftNode is the subset of *raft.Node that RaftTransport calls into,
// named here so raft need not export an interface just for this.
type raftNode interface {
	HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply
	HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply
}

var _ raft.Transport = (*RaftTransport)(nil)
