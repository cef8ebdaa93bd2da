package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"synapse-ng/crypto"
	"synapse-ng/executor"
	"synapse-ng/gossip"
	"synapse-ng/proposal"
	"synapse-ng/raft"
	"synapse-ng/reputation"
	"synapse-ng/schema"
	"synapse-ng/state"
	"synapse-ng/tasks"
	"synapse-ng/validator"
)

const (
	commonToolBillingPeriod = 30 * 24 * time.Hour
	raftTickInterval        = 100 * time.Millisecond
)

// Node owns everything one running process needs beyond the transport
// itself: the replicated store, the Raft participant riding gossip as
// its transport, a node-local reputation cache refreshed and decayed by
// the reputation-decay loop (see DESIGN.md's Open Question decision on
// why reputation needs a cache at all), and the nine background loops
// named in the background-loop table.
type Node struct {
	id       *crypto.Identity
	store    *state.Store
	registry *schema.Registry
	gossip   *gossip.Server
	raft     *raft.Node
	logger   *slog.Logger
	channels []string

	repMu sync.RWMutex
	reps  map[string]*reputation.Reputation

	electionMu   sync.Mutex
	lastElection time.Time
}

// New wires a Node around an already-constructed gossip server and state
// store: attaches a Raft participant riding the server's RaftTransport,
// and subscribes the mesh to every channel this node participates in plus
// the global channel.
func New(id *crypto.Identity, store *state.Store, server *gossip.Server, channels []string, logger *slog.Logger) *Node {
	n := &Node{
		id:       id,
		store:    store,
		registry: store.Registry(),
		gossip:   server,
		channels: channels,
		logger:   logger,
		reps:     map[string]*reputation.Reputation{},
	}

	transport := gossip.NewRaftTransport(server)
	n.raft = raft.New(id.NodeID, transport, n.applyRatifiedCommand)
	transport.AttachNode(n.raft)

	for _, topic := range n.topics() {
		server.Mesh().Subscribe(topic)
	}
	return n
}

func (n *Node) topics() []string {
	out := make([]string, 0, len(n.channels)+1)
	out = append(out, state.GlobalChannelID)
	out = append(out, n.channels...)
	return out
}

// Start launches every background loop as its own goroutine and returns
// immediately; the loops run until ctx is cancelled.
func (n *Node) Start(ctx context.Context) {
	go LoopJittered(ctx, n.logger, "gossip_publish", 8*time.Second, 12*time.Second, n.publishSnapshots)
	go LoopJittered(ctx, n.logger, "peer_discovery", 5*time.Second, 10*time.Second, n.maintainPeers)
	go Loop(ctx, n.logger, "validator_election_check", 5*time.Second, n.checkValidatorElection)
	go Loop(ctx, n.logger, "proposal_auto_close", time.Hour, n.autoCloseProposals)
	go Loop(ctx, n.logger, "auction_closure", 30*time.Second, n.closeExpiredAuctions)
	go Loop(ctx, n.logger, "command_executor", 5*time.Second, n.runCommandExecutor)
	go Loop(ctx, n.logger, "reputation_decay", 24*time.Hour, n.decayReputation)
	go Loop(ctx, n.logger, "common_tool_maintenance", 24*time.Hour, n.maintainCommonTools)
	go Loop(ctx, n.logger, "mesh_optimization", 5*time.Minute, n.optimizeMesh)
	go n.runRaftTicker(ctx)
}

func (n *Node) runRaftTicker(ctx context.Context) {
	ticker := time.NewTicker(raftTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.raft.Tick(ctx)
		}
	}
}

func (n *Node) globalConfig() map[string]any {
	var cfg map[string]any
	n.store.WithGlobal(func(g *state.Channel) {
		cfg = g.Config
	})
	return cfg
}

func (n *Node) executorDeps() executor.Dependencies {
	return executor.Dependencies{
		Store:    n.store,
		Registry: n.registry,
		Config:   reputationConfigFrom(n.globalConfig()),
	}
}

// publishSnapshots implements the "Gossip publish" loop: publish each
// subscribed channel's current snapshot to its topic mesh.
func (n *Node) publishSnapshots(ctx context.Context) {
	for _, topic := range n.topics() {
		snapshot := n.store.Snapshot(topic)
		payload, err := json.Marshal(snapshot)
		if err != nil {
			n.logger.Warn("node: marshal channel snapshot failed", "channel", topic, "error", err)
			continue
		}
		n.gossip.Mesh().Publish(topic, payload)
	}
}

// maintainPeers implements "Peer discovery/gossip maintenance": ask one
// randomly chosen connected peer to refresh our PEX address list. The
// seen-message dedup cache trims itself lazily on every insert (see
// gossip/mesh.go's trimSeenLocked), so there is nothing further to sweep
// here.
func (n *Node) maintainPeers(ctx context.Context) {
	peers := n.gossip.Peers()
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]
	if err := n.gossip.RequestPex(target); err != nil {
		n.logger.Debug("node: pex request failed", "peer", target, "error", err)
	}
}

// checkValidatorElection ticks on a fixed short interval but only
// actually re-elects once validator_election_interval_seconds has
// elapsed, since Go tickers can't be reconfigured to a governance-mutable
// period in place.
func (n *Node) checkValidatorElection(ctx context.Context) {
	cfg := n.globalConfig()
	interval := validatorElectionInterval(cfg)

	n.electionMu.Lock()
	due := time.Since(n.lastElection) >= interval
	n.electionMu.Unlock()
	if !due {
		return
	}

	now := time.Now()
	reps := n.refreshReputationCache(now)
	elected := validator.Elect(reps, validatorSetSize(cfg))

	var current []string
	n.store.WithGlobal(func(g *state.Channel) {
		current = append([]string(nil), g.ValidatorSet...)
	})

	if validator.Changed(current, elected) {
		n.store.WithGlobal(func(g *state.Channel) {
			g.ValidatorSet = elected
			g.ValidatorSetUpdatedAt = now.Unix()
		})
		n.raft.SetValidatorSet(elected)
		n.logger.Info("node: validator set changed", "validators", elected)
	}

	n.electionMu.Lock()
	n.lastElection = now
	n.electionMu.Unlock()
}

// autoCloseProposals implements "Proposal auto-close": close every open
// proposal, in every channel, whose age exceeds
// proposal_auto_close_after_seconds.
func (n *Node) autoCloseProposals(ctx context.Context) {
	cfg := n.globalConfig()
	maxAge := proposalAutoCloseAfter(cfg)
	now := time.Now()
	reps := n.reputationSnapshot()

	for _, channelID := range n.store.ChannelIDs() {
		snapshot := n.store.Snapshot(channelID)
		for id, p := range snapshot.Proposals {
			if p.Status != state.ProposalOpen {
				continue
			}
			if now.Sub(p.CreatedAt) < maxAge {
				continue
			}
			if _, err := proposal.Close(n.store, channelID, id, reps, n.commandDispatcherFor(id), now); err != nil {
				n.logger.Warn("node: auto-close proposal failed", "channel", channelID, "proposal", id, "error", err)
			}
		}
	}
}

// commandDispatcherFor returns the CommandDispatcher for one specific
// "command"-type proposal: it executes the embedded operation
// immediately, on this node only, rather than queuing it for validator
// ratification. The command id is derived from the proposal id (not a
// fresh uuid per call) so that once this proposal's closure gossips to
// other nodes, each one replays the identical, already-applied CommandID
// and executor.Execute's execution-log dedup check makes the replay a
// no-op instead of a second debit/merge/split.
func (n *Node) commandDispatcherFor(proposalID string) proposal.CommandDispatcher {
	return func(channelID string, params map[string]any) (string, error) {
		operation, _ := params["operation"].(string)
		opParams, _ := params["params"].(map[string]any)
		if operation == "" {
			return "", fmt.Errorf("node: command proposal missing operation")
		}

		cmd := state.Command{
			CommandID:  "cmd-direct-" + proposalID,
			Operation:  operation,
			Params:     opParams,
			RatifiedAt: time.Now(),
			RatifiedBy: []string{n.id.NodeID},
		}
		if err := executor.Execute(n.executorDeps(), cmd, time.Now()); err != nil {
			return "", err
		}
		return "executed", nil
	}
}

// closeExpiredAuctions implements "Auction closure": finalize every
// channel's expired sealed-bid auctions.
func (n *Node) closeExpiredAuctions(ctx context.Context) {
	now := time.Now()
	for _, channelID := range n.store.ChannelIDs() {
		tasks.CloseExpiredAuctions(n.store, channelID, now)
	}
}

// runCommandExecutor implements "Command executor": sync pending
// ratification bookkeeping, cast this node's own ratification vote if it
// is a current validator, and — leader only — propose any command that
// has now reached majority ratification into the Raft log. Already
// committed entries are applied automatically via n.applyRatifiedCommand
// as Raft's apply callback, independent of this tick.
func (n *Node) runCommandExecutor(ctx context.Context) {
	refs := executor.SyncPendingOperations(n.store)

	var validatorSet []string
	n.store.WithGlobal(func(g *state.Channel) {
		validatorSet = g.ValidatorSet
	})
	isValidator := false
	for _, v := range validatorSet {
		if v == n.id.NodeID {
			isValidator = true
			break
		}
	}
	if isValidator {
		for _, ref := range refs {
			executor.CastRatificationVote(n.store, ref.ProposalID, n.id.NodeID)
		}
	}

	role, _ := n.raft.Role()
	if role != raft.Leader {
		return
	}
	now := time.Now()
	for _, ref := range refs {
		cmd, ready := executor.BuildRatifiedCommand(n.store, ref, now)
		if !ready {
			continue
		}
		if err := n.raft.Propose(*cmd); err != nil {
			n.logger.Debug("node: propose ratified command failed", "proposal", ref.ProposalID, "error", err)
		}
	}
}

func (n *Node) applyRatifiedCommand(cmd state.Command) {
	if err := executor.Execute(n.executorDeps(), cmd, time.Now()); err != nil {
		n.logger.Warn("node: apply ratified command failed", "command", cmd.CommandID, "error", err)
	}
}

// decayReputation implements "Reputation decay": refresh the node-local
// reputation cache from current replicated state, then decay every
// entry's per-tag values in place per reputation.Decay's rule.
func (n *Node) decayReputation(ctx context.Context) {
	reps := n.refreshReputationCache(time.Now())
	for _, r := range reps {
		reputation.Decay(r)
	}
}

// refreshReputationCache recomputes reputation.Compute over every
// channel's current snapshot and replaces the cache wholesale; callers
// that need a stable read should use reputationSnapshot.
func (n *Node) refreshReputationCache(now time.Time) map[string]*reputation.Reputation {
	cfg := reputationConfigFrom(n.globalConfig())
	reps := reputation.Compute(n.store.AllChannels(), cfg, now)

	n.repMu.Lock()
	n.reps = reps
	n.repMu.Unlock()
	return reps
}

func (n *Node) reputationSnapshot() map[string]*reputation.Reputation {
	n.repMu.RLock()
	reps := n.reps
	n.repMu.RUnlock()
	if len(reps) == 0 {
		return n.refreshReputationCache(time.Now())
	}
	return reps
}

// maintainCommonTools implements "Common-tool maintenance": for every
// active common tool whose billing period has elapsed, debit the
// treasury for another month; suspend the tool instead if the treasury
// cannot cover it.
func (n *Node) maintainCommonTools(ctx context.Context) {
	cfg := reputationConfigFrom(n.globalConfig())
	now := time.Now()
	treasuries := reputation.Treasuries(n.store.AllChannels(), cfg)

	for _, channelID := range n.store.ChannelIDs() {
		snapshot := n.store.Snapshot(channelID)
		for toolID, tool := range snapshot.CommonTools {
			if tool.Status != state.ToolActive {
				continue
			}
			if now.Sub(tool.LastPaymentAt) < commonToolBillingPeriod {
				continue
			}
			if treasuries[channelID] < float64(tool.MonthlyCostSP) {
				n.store.WithChannel(channelID, func(c *state.Channel) {
					if t, ok := c.CommonTools[toolID]; ok {
						t.Status = state.ToolSuspended
					}
				})
				continue
			}

			adjustmentID := fmt.Sprintf("maint-%s-%d", toolID, now.Unix())
			n.store.WithChannel(channelID, func(c *state.Channel) {
				t, ok := c.CommonTools[toolID]
				if !ok {
					return
				}
				t.LastPaymentAt = now
				c.TreasuryAdjustments[adjustmentID] = state.TreasuryAdjustment{
					ID:     adjustmentID,
					Amount: -t.MonthlyCostSP,
					At:     now,
				}
			})
			treasuries[channelID] -= float64(tool.MonthlyCostSP)
		}
	}
}

// optimizeMesh implements "Mesh optimization" (C13): run one pass of
// gossip.Optimize using the current reputation snapshot and governance
// peer-scoring weights.
func (n *Node) optimizeMesh(ctx context.Context) {
	reps := n.reputationSnapshot()
	repInts := make(map[string]int64, len(reps))
	for id, r := range reps {
		repInts[id] = int64(r.Total)
	}
	weights := scoringWeightsFrom(n.globalConfig())
	gossip.Optimize(ctx, n.gossip, n.gossip.Scorer(), repInts, weights, time.Now())
}
