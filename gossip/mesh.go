package gossip

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"synapse-ng/crypto"
	"synapse-ng/state"
)

const (
	seenCacheCap = 1000
	seenCacheTTL = 5 * time.Minute
)

type seenEntry struct {
	msg  *Message
	seen time.Time
}

// Mesh implements SynapseSub: a per-topic set of interested peers plus a
// bounded, time-limited seen-message cache that prevents gossip loops.
// publish marks a message seen locally and fans it to the topic mesh;
// receipt of an unseen MESSAGE invokes the handler then forwards to the
// mesh minus the sender (gossip push).
type Mesh struct {
	server *Server

	mu             sync.Mutex
	topics         map[string]map[string]bool // topic -> peer id set
	subscribed     map[string]bool            // topics this node itself subscribes to
	seen           map[string]*seenEntry
	seenOrder      []string
}

func newMesh(s *Server) *Mesh {
	return &Mesh{
		server:     s,
		topics:     map[string]map[string]bool{},
		subscribed: map[string]bool{},
		seen:       map[string]*seenEntry{},
	}
}

// Subscribe announces interest in topic to every connected peer and
// remembers the subscription so future peer connections are announced to.
// Incoming ANNOUNCE frames only add the sender to the topic mesh; they are
// not answered.
func (m *Mesh) Subscribe(topic string) {
	m.mu.Lock()
	m.subscribed[topic] = true
	topics := m.subscribedList()
	m.mu.Unlock()

	announce := &Message{
		Type:      MsgAnnounce,
		SenderID:  m.server.id.NodeID,
		Timestamp: time.Now().Unix(),
		Payload:   marshal(AnnouncePayload{Channels: topics}),
	}
	m.server.Broadcast(announce, "")
}

func (m *Mesh) subscribedList() []string {
	out := make([]string, 0, len(m.subscribed))
	for t := range m.subscribed {
		out = append(out, t)
	}
	return out
}

// onPeerConnected announces this node's subscriptions to a newly
// established peer.
func (m *Mesh) onPeerConnected(p *Peer) {
	m.mu.Lock()
	topics := m.subscribedList()
	m.mu.Unlock()
	if len(topics) == 0 {
		return
	}
	announce := &Message{
		Type:      MsgAnnounce,
		SenderID:  m.server.id.NodeID,
		Timestamp: time.Now().Unix(),
		Payload:   marshal(AnnouncePayload{Channels: topics}),
	}
	_ = p.Enqueue(announce)
}

func (m *Mesh) onPeerDisconnected(p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, peers := range m.topics {
		delete(peers, p.id)
	}
}

// Publish signs and fans payload out to every peer in topic's mesh. It is
// the only path by which a local channel snapshot leaves the process.
func (m *Mesh) Publish(topic string, payload []byte) {
	sig := m.server.id.Sign(payload)
	snap := SnapshotPayload{
		ChannelID: topic,
		Payload:   string(payload),
		SenderID:  m.server.id.NodeID,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}
	msg := &Message{
		Type:      MsgMessage,
		Topic:     topic,
		SenderID:  m.server.id.NodeID,
		Timestamp: time.Now().Unix(),
		MessageID: messageID(topic, payload, m.server.id.NodeID, time.Now()),
		Payload:   marshal(snap),
	}
	m.markSeen(msg)
	m.fanOut(topic, msg, "")
}

func messageID(topic string, payload []byte, sender string, now time.Time) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write(payload)
	h.Write([]byte(sender))
	fmt.Fprintf(h, "%d", now.UnixNano())
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func (m *Mesh) fanOut(topic string, msg *Message, excludeID string) {
	m.mu.Lock()
	peers := m.topics[topic]
	ids := make([]string, 0, len(peers))
	for id := range peers {
		if id == excludeID {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if p, ok := m.server.peerByID(id); ok {
			if err := p.Enqueue(msg); err != nil {
				p.terminate(false, err)
			}
		}
	}
}

// handleMessage dispatches one frame already pulled off the wire by the
// owning peer's read loop.
func (m *Mesh) handleMessage(p *Peer, msg *Message) error {
	switch msg.Type {
	case MsgAnnounce:
		var payload AnnouncePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("gossip: malformed announce: %w", err)
		}
		m.mu.Lock()
		for _, topic := range payload.Channels {
			if m.topics[topic] == nil {
				m.topics[topic] = map[string]bool{}
			}
			m.topics[topic][p.id] = true
		}
		m.mu.Unlock()
		return nil

	case MsgMessage:
		if msg.MessageID != "" && m.isSeen(msg.MessageID) {
			return nil
		}
		m.markSeen(msg)
		if err := m.applySnapshot(msg); err != nil {
			return err
		}
		m.fanOut(msg.Topic, msg, p.id)
		return nil

	case MsgIHave:
		var payload IHavePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("gossip: malformed i_have: %w", err)
		}
		missing := m.missingIDs(payload.MessageIDs)
		if len(missing) == 0 {
			return nil
		}
		want := &Message{Type: MsgIWant, Payload: marshal(IWantPayload{MessageIDs: missing})}
		return p.Enqueue(want)

	case MsgIWant:
		var payload IWantPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("gossip: malformed i_want: %w", err)
		}
		for _, id := range payload.MessageIDs {
			if entry := m.get(id); entry != nil {
				_ = p.Enqueue(entry.msg)
			}
		}
		return nil

	default:
		return nil
	}
}

func (m *Mesh) applySnapshot(msg *Message) error {
	var snap SnapshotPayload
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		return fmt.Errorf("gossip: malformed snapshot envelope: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(snap.Signature)
	if err != nil {
		return fmt.Errorf("gossip: invalid snapshot signature encoding: %w", err)
	}
	if !crypto.Verify(snap.SenderID, []byte(snap.Payload), sig) {
		return fmt.Errorf("gossip: snapshot signature verification failed for sender %s", snap.SenderID)
	}

	var incoming state.Channel
	if err := json.Unmarshal([]byte(snap.Payload), &incoming); err != nil {
		return fmt.Errorf("gossip: malformed channel snapshot: %w", err)
	}
	warnings := m.server.store.MergeChannel(snap.ChannelID, &incoming)
	for _, w := range warnings {
		m.server.logger.Warn("gossip: merge dropped entity", "channel", snap.ChannelID, "reason", w)
	}
	if snap.ChannelID == state.GlobalChannelID {
		m.server.touchSelf()
	}
	return nil
}

func (m *Mesh) markSeen(msg *Message) {
	if msg.MessageID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[msg.MessageID]; !ok {
		m.seenOrder = append(m.seenOrder, msg.MessageID)
	}
	m.seen[msg.MessageID] = &seenEntry{msg: msg, seen: time.Now()}
	m.trimSeenLocked()
}

func (m *Mesh) trimSeenLocked() {
	cutoff := time.Now().Add(-seenCacheTTL)
	for len(m.seenOrder) > 0 {
		id := m.seenOrder[0]
		entry := m.seen[id]
		if entry != nil && entry.seen.After(cutoff) && len(m.seenOrder) <= seenCacheCap {
			break
		}
		delete(m.seen, id)
		m.seenOrder = m.seenOrder[1:]
	}
}

func (m *Mesh) isSeen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[id]
	return ok
}

func (m *Mesh) get(id string) *seenEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id]
}

func (m *Mesh) missingIDs(candidate []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var missing []string
	for _, id := range candidate {
		if _, ok := m.seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
