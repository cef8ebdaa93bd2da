// Package gossip implements the signed peer transport and publish/subscribe
// mesh (C12) and the peer scorer / mesh optimizer (C13): a framed,
// newline-delimited-JSON duplex connection per peer, a signed handshake
// exchanged before any application message, and a per-topic mesh that fans
// channel-state snapshots out to interested peers and forwards unseen
// messages (gossip push).
package gossip

import "encoding/json"

// Message types carried over the pub/sub mesh, per the wire contract.
const (
	MsgAnnounce = "ANNOUNCE"
	MsgMessage  = "MESSAGE"
	MsgIHave    = "I_HAVE"
	MsgIWant    = "I_WANT"
	MsgPing     = "PING"
	MsgPong     = "PONG"

	// Control types exchanged outside the topic mesh, before or alongside
	// the application handshake.
	msgHandshake    = "HANDSHAKE"
	msgHandshakeAck = "HANDSHAKE_ACK"
	msgPexRequest   = "PEX_REQUEST"
	msgPexAddresses = "PEX_ADDRESSES"

	// Raft RPC frames, request/response pairs correlated by CorrelationID.
	msgRaftVoteRequest    = "RAFT_VOTE_REQUEST"
	msgRaftVoteResponse   = "RAFT_VOTE_RESPONSE"
	msgRaftAppendRequest  = "RAFT_APPEND_REQUEST"
	msgRaftAppendResponse = "RAFT_APPEND_RESPONSE"
)

// RaftEnvelope wraps a raft RPC argument or reply with the correlation id
// the requester uses to match an asynchronous response to its waiter.
type RaftEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Body          json.RawMessage `json:"body"`
}

// Message is the generic envelope for every frame exchanged between peers.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// AnnouncePayload advertises the topics a peer subscribes to.
type AnnouncePayload struct {
	Channels []string `json:"channels"`
}

// SnapshotPayload is a channel's serialized state, the thing MESSAGE frames
// on a channel topic actually carry. sender signs Payload's raw bytes; the
// receiver verifies before handing Payload to the CRDT merge engine.
type SnapshotPayload struct {
	ChannelID string `json:"channel_id"`
	Payload   string `json:"payload"` // stringified JSON of *state.Channel
	SenderID  string `json:"sender_id"`
	Signature string `json:"signature"`
}

// IHavePayload / IWantPayload drive the missing-message-id exchange.
type IHavePayload struct {
	MessageIDs []string `json:"message_ids"`
}

type IWantPayload struct {
	MessageIDs []string `json:"message_ids"`
}

// PingPayload / PongPayload carry a nonce and send time for latency
// sampling (see ReputationManager.ObserveLatency).
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PexRequestPayload asks a peer for recently seen addresses.
type PexRequestPayload struct {
	Limit int `json:"limit"`
}

// PexAddress is one gossipable peer endpoint.
type PexAddress struct {
	NodeID   string `json:"node_id"`
	URL      string `json:"url"`
	LastSeen int64  `json:"last_seen"`
}

// PexAddressesPayload answers a PexRequestPayload.
type PexAddressesPayload struct {
	Addresses []PexAddress `json:"addresses"`
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
