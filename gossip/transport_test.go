package gossip

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"synapse-ng/crypto"
	"synapse-ng/logx"
	"synapse-ng/state"
)

func newTestServer(t *testing.T) (*Server, *crypto.Identity) {
	t.Helper()
	return newTestServerWithConfig(t, Config{})
}

func newTestServerWithConfig(t *testing.T, cfg Config) (*Server, *crypto.Identity) {
	t.Helper()
	id, err := crypto.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	store := state.New(id.NodeID)
	logger := logx.Setup(id.NodeID, "test")
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg, id, store, ReputationConfig{}, logger)
	require.NoError(t, s.Listen())
	return s, id
}

func runServer(t *testing.T, s *Server) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	t.Cleanup(cancel)
	return cancel
}

func TestHandshake_SignedAndVerified(t *testing.T) {
	serverA, idA := newTestServer(t)
	runServer(t, serverA)
	serverB, idB := newTestServer(t)
	runServer(t, serverB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, serverB.Connect(ctx, serverA.Addr().String(), false))

	require.Eventually(t, func() bool {
		return serverA.PeerCount() == 1 && serverB.PeerCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	peers := serverA.Peers()
	require.Contains(t, peers, idB.NodeID)
	peersB := serverB.Peers()
	require.Contains(t, peersB, idA.NodeID)
}

func TestHandshake_RejectsTamperedSignature(t *testing.T) {
	now := time.Now()
	id, err := crypto.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	packet, err := buildHandshake(id, "test")
	require.NoError(t, err)

	packet.NodeID = "tampered"
	require.Error(t, verifyHandshake(packet, now))
}

func TestMesh_PublishConvergesStateAcrossTwoNodes(t *testing.T) {
	serverA, _ := newTestServer(t)
	runServer(t, serverA)
	serverB, _ := newTestServer(t)
	runServer(t, serverB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, serverB.Connect(ctx, serverA.Addr().String(), false))
	require.Eventually(t, func() bool {
		return serverA.PeerCount() == 1 && serverB.PeerCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	serverA.Mesh().Subscribe("dev")
	serverB.Mesh().Subscribe("dev")
	require.Eventually(t, func() bool {
		return serverA.mesh.topics["dev"] != nil && serverB.mesh.topics["dev"] != nil
	}, 2*time.Second, 20*time.Millisecond)

	now := time.Now().UTC()
	serverA.store.WithChannel("dev", func(c *state.Channel) {
		c.Tasks["t1"] = &state.Task{ID: "t1", Title: "ship it", Status: state.TaskOpen, CreatedAt: now, UpdatedAt: now}
	})
	snapshot := serverA.store.Snapshot("dev")
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)
	serverA.Mesh().Publish("dev", payload)

	require.Eventually(t, func() bool {
		return serverB.store.Snapshot("dev").Tasks["t1"] != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMesh_MergingGlobalSnapshotHeartbeatsSelf(t *testing.T) {
	serverA, _ := newTestServer(t)
	runServer(t, serverA)
	serverB, idB := newTestServer(t)
	runServer(t, serverB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, serverB.Connect(ctx, serverA.Addr().String(), false))
	require.Eventually(t, func() bool {
		return serverA.PeerCount() == 1 && serverB.PeerCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	before := serverB.store.Snapshot(state.GlobalChannelID).Nodes[idB.NodeID]

	serverA.Mesh().Subscribe(state.GlobalChannelID)
	serverB.Mesh().Subscribe(state.GlobalChannelID)
	require.Eventually(t, func() bool {
		return serverA.mesh.topics[state.GlobalChannelID] != nil && serverB.mesh.topics[state.GlobalChannelID] != nil
	}, 2*time.Second, 20*time.Millisecond)

	snapshot := serverA.store.Snapshot(state.GlobalChannelID)
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)
	serverA.Mesh().Publish(state.GlobalChannelID, payload)

	require.Eventually(t, func() bool {
		after := serverB.store.Snapshot(state.GlobalChannelID).Nodes[idB.NodeID]
		return after.Version > before.Version
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPeer_ExceedingRateLimitPenalizes(t *testing.T) {
	serverA, idA := newTestServer(t)
	runServer(t, serverA)
	serverB, _ := newTestServerWithConfig(t, Config{MessageRatePerSecond: 2, MessageBurst: 2})
	runServer(t, serverB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, serverA.Connect(ctx, serverB.Addr().String(), false))
	require.Eventually(t, func() bool {
		return serverA.PeerCount() == 1 && serverB.PeerCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	for i := 0; i < 50; i++ {
		serverA.Broadcast(&Message{Type: MsgPing, Payload: marshal(PingPayload{Nonce: uint64(i), Timestamp: time.Now().UnixNano()})}, "")
	}

	require.Eventually(t, func() bool {
		return serverB.reputation.IsBanned(idA.NodeID, time.Now()) || serverB.reputation.Score(idA.NodeID, time.Now()) < 0
	}, 2*time.Second, 20*time.Millisecond)
}
