package state

import (
	"sync"
	"time"

	"synapse-ng/schema"
)

// GlobalChannelID names the distinguished channel holding cross-cutting
// replication and ratification state.
const GlobalChannelID = "global"

// Store is the single in-process state root (C3): all mutations, whether
// from the local API, gossip merge, command replay, or background loops,
// acquire mu. Critical sections are kept short — callers clone the
// subtree they need and run derived computation outside the lock.
type Store struct {
	mu       sync.Mutex
	channels map[string]*Channel
	registry *schema.Registry
	selfID   string
}

// New returns a store seeded with a global channel whose schemas hold the
// built-in schema set (nodes, config, validator set, execution log all
// empty). selfID is the node id that Touch re-stamps into nodes[self]; the
// gossip layer calls it after merging a global-channel snapshot.
func New(selfID string) *Store {
	s := &Store{
		channels: map[string]*Channel{},
		registry: schema.NewRegistry(),
		selfID:   selfID,
	}
	global := NewGlobalChannel()
	for name, doc := range s.registry.Snapshot() {
		global.Schemas[name] = doc
	}
	s.channels[GlobalChannelID] = global
	return s
}

// Registry returns the schema registry backing schema validation. Safe to
// call without holding the store locked; the registry's own map is only
// mutated by ratified update_schema commands, always under Store.mu via
// WithChannel.
func (s *Store) Registry() *schema.Registry { return s.registry }

// SelfID returns the node id this store heartbeats as.
func (s *Store) SelfID() string { return s.selfID }

// WithChannel runs fn with the named channel's live (not cloned) state
// under the store's mutex, creating the channel if it does not exist.
// fn must not block on I/O or re-enter the store.
func (s *Store) WithChannel(channelID string, fn func(c *Channel)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		c = NewChannel()
		s.channels[channelID] = c
	}
	fn(c)
}

// WithGlobal runs fn with the live global channel under the store's mutex.
func (s *Store) WithGlobal(fn func(c *Channel)) {
	s.WithChannel(GlobalChannelID, fn)
}

// Snapshot returns a deep copy of the named channel, or an empty channel
// if it does not exist. Use this for any computation that must not hold
// the store's mutex (reputation, balances, scoring, serialization).
func (s *Store) Snapshot(channelID string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return NewChannel()
	}
	return c.Clone()
}

// AllChannels returns a deep copy of every channel currently known, keyed
// by channel id. Use for cross-channel derived computations (balances,
// treasuries, reputation) that must see the whole replicated state.
func (s *Store) AllChannels() map[string]*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Channel, len(s.channels))
	for id, c := range s.channels {
		out[id] = c.Clone()
	}
	return out
}

// ChannelIDs returns every channel id currently known, including "global".
func (s *Store) ChannelIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	return out
}

// KnownNodeIDs returns every node id present in the global node directory.
func (s *Store) KnownNodeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	global := s.channels[GlobalChannelID]
	out := make([]string, 0, len(global.Nodes))
	for id := range global.Nodes {
		out = append(out, id)
	}
	return out
}

// Touch re-stamps nodes[self]'s last_seen and bumps its version under the
// global channel's lock (heartbeat semantics run after every merge).
func (s *Store) Touch(url, kxPublicKey string, now time.Time) {
	s.WithGlobal(func(c *Channel) {
		cur := c.Nodes[s.selfID]
		cur.URL = url
		cur.KXPublicKey = kxPublicKey
		cur.LastSeen = now.Unix()
		cur.Version++
		c.Nodes[s.selfID] = cur
	})
}
