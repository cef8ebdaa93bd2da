package gossip

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const outboundQueueSize = 64

var errQueueFull = errors.New("gossip: peer outbound queue full")

// errPeerShuttingDown is returned by Enqueue once the peer's context has
// been cancelled.
var errPeerShuttingDown = errors.New("gossip: peer shutting down")

// Peer is one framed, newline-delimited-JSON duplex connection. Every peer
// runs a read-loop/write-loop pair of goroutines plus a keepalive ticker;
// Enqueue never blocks — a full outbound queue returns errQueueFull, on
// which Broadcast and the mesh fan-out disconnect the peer, rather than
// applying backpressure to the caller.
type Peer struct {
	id         string
	kxPubKey   string
	conn       net.Conn
	reader     *bufio.Reader
	outbound   chan *Message
	server     *Server
	remoteAddr string
	dialAddr   string
	inbound    bool
	persistent bool
	connectedAt time.Time
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(id, kxPubKey string, conn net.Conn, reader *bufio.Reader, server *Server, inbound, persistent bool, dialAddr string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		id:          id,
		kxPubKey:    kxPubKey,
		conn:        conn,
		reader:      reader,
		outbound:    make(chan *Message, outboundQueueSize),
		server:      server,
		remoteAddr:  conn.RemoteAddr().String(),
		dialAddr:    dialAddr,
		inbound:     inbound,
		persistent:  persistent,
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(server.cfg.MessageRatePerSecond), server.cfg.MessageBurst),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}
}

// ID returns the peer's node id.
func (p *Peer) ID() string {
	if p == nil {
		return ""
	}
	return p.id
}

func (p *Peer) start() {
	go p.readLoop()
	go p.writeLoop()
	go p.keepaliveLoop()
}

// Enqueue queues msg for the write loop. It never blocks: a full queue
// returns errQueueFull and leaves it to the caller to disconnect the peer
// or drop the message.
func (p *Peer) Enqueue(msg *Message) error {
	select {
	case <-p.ctx.Done():
		return errPeerShuttingDown
	default:
	}

	select {
	case p.outbound <- msg:
		return nil
	case <-p.ctx.Done():
		return errPeerShuttingDown
	default:
		return errQueueFull
	}
}

func (p *Peer) keepaliveLoop() {
	interval := p.server.cfg.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			nonce, err := randomUint64()
			if err != nil {
				continue
			}
			msg := &Message{
				Type:      MsgPing,
				Payload:   marshal(PingPayload{Nonce: nonce, Timestamp: time.Now().UnixNano()}),
				Timestamp: time.Now().Unix(),
			}
			if err := p.Enqueue(msg); err != nil {
				return
			}
		}
	}
}

func (p *Peer) readLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(p.server.cfg.ReadTimeout)); err != nil {
			p.terminate(false, fmt.Errorf("gossip: set read deadline: %w", err))
			return
		}

		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.terminate(false, fmt.Errorf("gossip: peer %s read timeout", p.id))
				return
			}
			if errors.Is(err, io.EOF) {
				p.terminate(false, io.EOF)
				return
			}
			p.terminate(false, fmt.Errorf("gossip: read error: %w", err))
			return
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if len(trimmed) > p.server.cfg.MaxMessageBytes {
			p.server.handleOversized(p)
			return
		}

		if !p.limiter.Allow() {
			status := p.server.reputation.PenalizeSpam(p.id, time.Now(), p.persistent)
			p.server.metrics.observePeerStatus(p.id, status)
			if status.Banned {
				p.terminate(true, fmt.Errorf("gossip: peer %s exceeded message rate", p.id))
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			p.server.handleMalformed(p, err)
			return
		}
		p.server.metrics.recordGossip("in", msg.Type)

		handled, err := p.handleControlMessage(&msg)
		if err != nil {
			p.server.handleMalformed(p, err)
			return
		}
		if handled {
			p.server.reputation.MarkUseful(p.id, time.Now())
			continue
		}

		if err := p.server.mesh.handleMessage(p, &msg); err != nil {
			p.server.logger.Warn("gossip: message handling failed", "peer", p.id, "error", err)
		}
		p.server.reputation.MarkUseful(p.id, time.Now())
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.outbound:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(p.ctx, p.server.cfg.WriteTimeout)
			err := p.writeMessage(ctx, msg)
			cancel()
			if err != nil {
				p.terminate(false, fmt.Errorf("gossip: write error: %w", err))
				return
			}
		}
	}
}

func (p *Peer) writeMessage(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := p.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	_, err = p.conn.Write(append(data, '\n'))
	if err == nil {
		p.server.metrics.recordGossip("out", msg.Type)
	}
	return err
}

func (p *Peer) handleControlMessage(msg *Message) (bool, error) {
	if p.server.raftTransport != nil {
		if handled, err := p.server.raftTransport.handleIncoming(p, msg); handled {
			return true, err
		}
	}
	switch msg.Type {
	case MsgPing:
		var payload PingPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false, fmt.Errorf("gossip: malformed ping payload: %w", err)
		}
		pong := &Message{Type: MsgPong, Payload: marshal(PongPayload{Nonce: payload.Nonce, Timestamp: payload.Timestamp})}
		if err := p.Enqueue(pong); err != nil {
			return false, fmt.Errorf("gossip: send pong: %w", err)
		}
		p.server.reputation.MarkPing(p.id, time.Now())
		return true, nil
	case MsgPong:
		var payload PongPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false, fmt.Errorf("gossip: malformed pong payload: %w", err)
		}
		if payload.Timestamp > 0 {
			latency := time.Since(time.Unix(0, payload.Timestamp))
			p.server.reputation.ObserveLatency(p.id, latency, time.Now())
			p.server.scorer.UpdateLatency(p.id, float64(latency.Milliseconds()))
		}
		p.server.scorer.UpdateActivity(p.id, time.Now())
		return true, nil
	case msgPexRequest:
		var payload PexRequestPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false, fmt.Errorf("gossip: malformed pex request: %w", err)
		}
		p.server.handlePexRequest(p, payload)
		return true, nil
	case msgPexAddresses:
		var payload PexAddressesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false, fmt.Errorf("gossip: malformed pex addresses: %w", err)
		}
		p.server.handlePexAddresses(payload)
		return true, nil
	default:
		return false, nil
	}
}

func randomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (p *Peer) terminate(ban bool, reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
		close(p.outbound)
		close(p.closed)
		p.server.removePeer(p, ban, reason)
	})
}
