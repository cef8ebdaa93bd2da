package gossip

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"synapse-ng/crypto"
	"synapse-ng/state"
)

// Config bundles the transport's tunables. Every duration here corresponds
// to a network-RPC timeout named in the concurrency model.
type Config struct {
	ListenAddr       string
	ClientVersion    string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	DialTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageBytes  int
	MaxPeers         int
	ICEServers       []string // carried from process config; Connect does not use them

	MessageRatePerSecond float64 // sustained inbound frame rate before PenalizeSpam kicks in
	MessageBurst         int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 32
	}
	if c.MessageRatePerSecond <= 0 {
		c.MessageRatePerSecond = 50
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 100
	}
	return c
}

// Rendezvous discovers peers through a well-known registry, as an
// alternative to direct bootstrap-peer dialing. The HTTP client
// implementing this against /register and /get_peers is out of scope;
// only the contract lives here.
type Rendezvous interface {
	Register(url string) error
	Peers(limit int) ([]string, error)
}

// Signaler relays WebRTC-style offer/answer/ice-candidate envelopes
// between two peers that cannot yet reach each other directly, either
// rendezvous-mediated or peer-relayed. The HTTP surface is out of scope;
// only the contract lives here.
type Signaler interface {
	Send(fromPeer, toPeer, kind string, payload []byte) error
	Poll(peerID string) ([][]byte, error)
}

// Server is the direct-peer connection manager: it accepts inbound
// connections, dials outbound ones, performs the signed handshake, and
// hands every established Peer to the pub/sub mesh.
type Server struct {
	cfg    Config
	id     *crypto.Identity
	store  *state.Store
	logger *slog.Logger

	reputation *ReputationManager
	metrics    *networkMetrics
	mesh       *Mesh
	scorer     *Scorer

	rendezvous Rendezvous
	signaler   Signaler

	raftTransport *RaftTransport

	listener net.Listener

	mu        sync.Mutex
	peers     map[string]*Peer
	persisted map[string]bool // node ids dialed as persistent (never banned)
	recentPex []PexAddress

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer builds a transport bound to the given identity and state
// store. The mesh publishes merged channel snapshots into store and
// re-signs outbound ones with id.
func NewServer(cfg Config, id *crypto.Identity, store *state.Store, repCfg ReputationConfig, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg.withDefaults(),
		id:         id,
		store:      store,
		logger:     logger,
		reputation: NewReputationManager(repCfg),
		metrics:    newNetworkMetrics(),
		scorer:     NewScorer(),
		peers:      map[string]*Peer{},
		persisted:  map[string]bool{},
		done:       make(chan struct{}),
	}
	s.mesh = newMesh(s)
	return s
}

// Scorer exposes the C13 composite peer-health scorer, kept in sync with
// connection lifecycle (addPeer/removePeer) and latency observations
// (pong handling) so package node's mesh-optimization loop can run
// Optimize against live connection metrics.
func (s *Server) Scorer() *Scorer { return s.scorer }

// SetRendezvous wires an external rendezvous client.
func (s *Server) SetRendezvous(r Rendezvous) { s.rendezvous = r }

// SetSignaler wires an external signaling relay client.
func (s *Server) SetSignaler(sig Signaler) { s.signaler = sig }

// Mesh exposes the pub/sub mesh for subscription management and publish.
func (s *Server) Mesh() *Mesh { return s.mesh }

// touchSelf re-stamps this node's own nodes[self] entry in the global
// channel (§4.4 heartbeat semantics) via Store.Touch. Called after
// merging an incoming global-channel snapshot, as its own critical
// section — never from inside the merge's WithChannel closure, since
// Touch itself acquires the store's (non-reentrant) mutex.
func (s *Server) touchSelf() {
	kxPub := s.id.KXPublicKey()
	s.store.Touch(s.cfg.ListenAddr, base64.RawURLEncoding.EncodeToString(kxPub[:]), time.Now())
}

// Listen starts accepting inbound connections. Call Serve to run the
// accept loop; Listen only binds the socket so callers can discover the
// bound address (useful for ":0" in tests).
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gossip: listen: %w", err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound listen address, valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("gossip: accept: %w", err)
			}
		}
		go s.handleInbound(ctx, conn)
	}
}

// Close stops accepting connections and disconnects every peer.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		peers := make([]*Peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()
		for _, p := range peers {
			p.terminate(false, fmt.Errorf("gossip: server shutting down"))
		}
	})
}

func (s *Server) handleInbound(ctx context.Context, conn net.Conn) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	reader := bufio.NewReader(conn)
	remote, err := performHandshake(hctx, conn, reader, s.id, s.cfg.ClientVersion)
	if err != nil {
		s.metrics.recordHandshake("failed")
		s.logger.Warn("gossip: inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	s.metrics.recordHandshake("accepted")
	s.addPeer(remote, conn, reader, true, false, "")
}

// Connect dials a peer at addr directly over TCP. persistent peers are
// never banned, only throttled; nothing redials them after a disconnect.
func (s *Server) Connect(ctx context.Context, addr string, persistent bool) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		s.metrics.recordConnection("dial_failed")
		return fmt.Errorf("gossip: dial %s: %w", addr, err)
	}

	hctx, hcancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer hcancel()
	reader := bufio.NewReader(conn)
	remote, err := performHandshake(hctx, conn, reader, s.id, s.cfg.ClientVersion)
	if err != nil {
		s.metrics.recordHandshake("failed")
		conn.Close()
		return fmt.Errorf("gossip: handshake with %s: %w", addr, err)
	}
	s.metrics.recordHandshake("accepted")
	s.metrics.recordConnection("established")
	if persistent {
		s.mu.Lock()
		s.persisted[remote.NodeID] = true
		s.mu.Unlock()
	}
	s.addPeer(remote, conn, reader, false, persistent, addr)
	return nil
}

func (s *Server) addPeer(remote *handshakePacket, conn net.Conn, reader *bufio.Reader, inbound, persistent bool, dialAddr string) {
	if remote.NodeID == s.id.NodeID {
		conn.Close()
		return
	}
	if s.reputation.IsBanned(remote.NodeID, time.Now()) {
		conn.Close()
		return
	}

	s.mu.Lock()
	if existing, ok := s.peers[remote.NodeID]; ok {
		s.mu.Unlock()
		existing.terminate(false, fmt.Errorf("gossip: superseded by new connection"))
		s.mu.Lock()
	}
	if len(s.peers) >= s.cfg.MaxPeers && !persistent {
		s.mu.Unlock()
		conn.Close()
		return
	}
	p := newPeer(remote.NodeID, remote.KXPublicKey, conn, reader, s, inbound, persistent, dialAddr)
	s.peers[remote.NodeID] = p
	s.mu.Unlock()

	s.store.WithGlobal(func(c *state.Channel) {
		info := c.Nodes[remote.NodeID]
		info.KXPublicKey = remote.KXPublicKey
		if info.URL == "" {
			info.URL = dialAddr
		}
		info.LastSeen = time.Now().Unix()
		info.Version++
		c.Nodes[remote.NodeID] = info
	})

	p.start()
	s.mesh.onPeerConnected(p)
	s.scorer.AddPeer(remote.NodeID, time.Now())
}

func (s *Server) removePeer(p *Peer, ban bool, reason error) {
	s.mu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	persistent := s.persisted[p.id]
	s.mu.Unlock()

	s.metrics.removePeer(p.id)
	s.mesh.onPeerDisconnected(p)
	s.scorer.RemovePeer(p.id)

	if ban && !persistent {
		s.reputation.PenalizeMalformedFrame(p.id, time.Now(), persistent)
	}
	if reason != nil {
		s.logger.Debug("gossip: peer disconnected", "peer", p.id, "reason", reason)
	}
}

func (s *Server) handleMalformed(p *Peer, err error) {
	status := s.reputation.PenalizeMalformedFrame(p.id, time.Now(), p.persistent)
	s.metrics.observePeerStatus(p.id, status)
	p.terminate(status.Banned, fmt.Errorf("gossip: malformed frame from %s: %w", p.id, err))
}

func (s *Server) handleOversized(p *Peer) {
	status := s.reputation.PenalizeOversizedMessage(p.id, time.Now(), p.persistent)
	s.metrics.observePeerStatus(p.id, status)
	p.terminate(status.Banned, fmt.Errorf("gossip: oversized message from %s", p.id))
}

// Broadcast enqueues msg on every currently-connected peer except
// excluding, and disconnects any peer whose outbound queue is full.
func (s *Server) Broadcast(msg *Message, excluding string) {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for id, p := range s.peers {
		if id == excluding {
			continue
		}
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.Enqueue(msg); err != nil {
			p.terminate(false, err)
		}
	}
}

// Peers returns the set of currently connected peer ids.
func (s *Server) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

// PeerCount returns the number of currently connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) peerByID(id string) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

// Disconnect forcibly drops a connected peer, used by the mesh optimizer
// (C13) to evict the weakest-scoring peer.
func (s *Server) Disconnect(id string) {
	if p, ok := s.peerByID(id); ok {
		p.terminate(false, fmt.Errorf("gossip: evicted by mesh optimizer"))
	}
}

// RequestPex asks the given connected peer for its known address list,
// used by the periodic discovery/maintenance loop to keep
// DiscoveredPeers fresh between PEX exchanges that happen to ride
// inbound connections anyway.
func (s *Server) RequestPex(peerID string) error {
	p, ok := s.peerByID(peerID)
	if !ok {
		return fmt.Errorf("gossip: peer %s not connected", peerID)
	}
	req := &Message{Type: msgPexRequest, Payload: marshal(PexRequestPayload{Limit: 20})}
	return p.Enqueue(req)
}

func (s *Server) handlePexRequest(p *Peer, req PexRequestPayload) {
	limit := req.Limit
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	s.mu.Lock()
	addrs := make([]PexAddress, 0, limit)
	for id, peer := range s.peers {
		if len(addrs) >= limit {
			break
		}
		if id == p.id {
			continue
		}
		addrs = append(addrs, PexAddress{NodeID: id, URL: s.dialableAddr(id, peer), LastSeen: peer.connectedAt.Unix()})
	}
	s.mu.Unlock()

	resp := &Message{Type: msgPexAddresses, Payload: marshal(PexAddressesPayload{Addresses: addrs})}
	_ = p.Enqueue(resp)
}

// dialableAddr resolves the best known dial address for a connected peer:
// the address this node dialed it at, if any, otherwise whatever address it
// last advertised in the node registry (e.g. learned from its own inbound
// handshake metadata).
func (s *Server) dialableAddr(id string, p *Peer) string {
	if p.dialAddr != "" {
		return p.dialAddr
	}
	var url string
	s.store.WithGlobal(func(c *state.Channel) {
		if info, ok := c.Nodes[id]; ok {
			url = info.URL
		}
	})
	return url
}

func (s *Server) handlePexAddresses(payload PexAddressesPayload) {
	s.mu.Lock()
	s.recentPex = append(s.recentPex, payload.Addresses...)
	if len(s.recentPex) > 500 {
		s.recentPex = s.recentPex[len(s.recentPex)-500:]
	}
	s.mu.Unlock()
}

// DiscoveredPeers returns peer addresses learned via pex, for the
// discovery/mesh-optimization loops to dial.
func (s *Server) DiscoveredPeers() []PexAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PexAddress(nil), s.recentPex...)
}
