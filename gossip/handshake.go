package gossip

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"synapse-ng/crypto"
)

const (
	protocolVersion     uint32        = 1
	handshakeNonceSize  int           = 16
	handshakeSkewWindow time.Duration = 5 * time.Minute
)

// handshakeMessage is the signed part of the handshake: everything the
// remote side's Ed25519 signature must cover.
type handshakeMessage struct {
	ProtocolVersion uint32 `json:"protocol_version"`
	NodeID          string `json:"node_id"`
	KXPublicKey     string `json:"kx_public_key"`
	Nonce           string `json:"nonce"`
	Timestamp       int64  `json:"timestamp"`
	ClientVersion   string `json:"client_version"`
}

// handshakePacket adds the signature to the signed message.
type handshakePacket struct {
	handshakeMessage
	Signature string `json:"signature"`
}

// performHandshake writes the local signed handshake, reads the remote
// one back, and verifies it. It returns the verified remote packet.
func performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader, id *crypto.Identity, clientVersion string) (*handshakePacket, error) {
	local, err := buildHandshake(id, clientVersion)
	if err != nil {
		return nil, fmt.Errorf("gossip: prepare handshake: %w", err)
	}
	if err := writeFrame(ctx, conn, local); err != nil {
		return nil, fmt.Errorf("gossip: send handshake: %w", err)
	}

	payload, err := readFrame(ctx, conn, reader)
	if err != nil {
		return nil, fmt.Errorf("gossip: read handshake: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("gossip: empty handshake from peer")
	}

	var remote handshakePacket
	if err := json.Unmarshal(payload, &remote); err != nil {
		return nil, fmt.Errorf("gossip: decode handshake: %w", err)
	}
	if err := verifyHandshake(&remote, time.Now()); err != nil {
		return nil, err
	}
	return &remote, nil
}

func buildHandshake(id *crypto.Identity, clientVersion string) (*handshakePacket, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("gossip: generate handshake nonce: %w", err)
	}
	kxPub := id.KXPublicKey()

	msg := handshakeMessage{
		ProtocolVersion: protocolVersion,
		NodeID:          id.NodeID,
		KXPublicKey:     base64.RawURLEncoding.EncodeToString(kxPub[:]),
		Nonce:           base64.RawURLEncoding.EncodeToString(nonce),
		Timestamp:       time.Now().Unix(),
		ClientVersion:   clientVersion,
	}
	digest, err := handshakeDigest(msg)
	if err != nil {
		return nil, err
	}
	sig := id.Sign(digest)
	return &handshakePacket{
		handshakeMessage: msg,
		Signature:        base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

func verifyHandshake(packet *handshakePacket, now time.Time) error {
	if packet == nil {
		return fmt.Errorf("gossip: nil handshake packet")
	}
	if packet.ProtocolVersion != protocolVersion {
		return fmt.Errorf("gossip: unsupported protocol version %d", packet.ProtocolVersion)
	}
	if strings.TrimSpace(packet.NodeID) == "" {
		return fmt.Errorf("gossip: handshake missing node id")
	}
	nonceBytes, err := base64.RawURLEncoding.DecodeString(packet.Nonce)
	if err != nil || len(nonceBytes) != handshakeNonceSize {
		return fmt.Errorf("gossip: invalid handshake nonce")
	}
	kxBytes, err := base64.RawURLEncoding.DecodeString(packet.KXPublicKey)
	if err != nil || len(kxBytes) != 32 {
		return fmt.Errorf("gossip: invalid handshake kx public key")
	}

	ts := time.Unix(packet.Timestamp, 0)
	if now.Sub(ts) > handshakeSkewWindow || ts.Sub(now) > handshakeSkewWindow {
		return fmt.Errorf("gossip: handshake timestamp skew too large")
	}

	sig, err := base64.RawURLEncoding.DecodeString(packet.Signature)
	if err != nil {
		return fmt.Errorf("gossip: invalid handshake signature encoding")
	}
	digest, err := handshakeDigest(packet.handshakeMessage)
	if err != nil {
		return err
	}
	if !crypto.Verify(packet.NodeID, digest, sig) {
		return fmt.Errorf("gossip: handshake signature does not verify")
	}
	return nil
}

// handshakeDigest is the exact byte sequence the Ed25519 signature covers:
// node id, kx public key, nonce, and timestamp, joined unambiguously.
func handshakeDigest(msg handshakeMessage) ([]byte, error) {
	body, err := json.Marshal(struct {
		NodeID      string `json:"node_id"`
		KXPublicKey string `json:"kx_public_key"`
		Nonce       string `json:"nonce"`
		Timestamp   int64  `json:"timestamp"`
	}{msg.NodeID, msg.KXPublicKey, msg.Nonce, msg.Timestamp})
	if err != nil {
		return nil, fmt.Errorf("gossip: marshal handshake digest: %w", err)
	}
	return body, nil
}

func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}
