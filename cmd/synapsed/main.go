// Command synapsed runs one node of the network: it loads local identity
// and process configuration, opens the replicated state store, brings up
// the signed gossip transport, dials configured seed peers, and starts the
// background loops that keep state converging and governance moving.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"synapse-ng/config"
	"synapse-ng/crypto"
	"synapse-ng/gossip"
	"synapse-ng/logx"
	"synapse-ng/node"
	"synapse-ng/state"
)

func main() {
	configFile := flag.String("config", "./synapsed.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SYNAPSE_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "synapsed: failed to load config: %v\n", err)
		os.Exit(1)
	}

	id, err := crypto.LoadOrCreate(filepath.Join(cfg.DataDir, "identity"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "synapsed: failed to load identity: %v\n", err)
		os.Exit(1)
	}

	logger := logx.Setup(id.NodeID, env)
	logger.Info("synapsed starting", "channels", cfg.Channels, "listen", cfg.ListenAddr)

	store := state.New(id.NodeID)
	config.Seed(store)

	server := gossip.NewServer(gossip.Config{
		ListenAddr:    cfg.ListenAddr,
		ClientVersion: "synapsed",
		ICEServers:    cfg.ICEServers,
	}, id, store, gossip.ReputationConfig{}, logger)

	if err := server.Listen(); err != nil {
		logger.Error("synapsed: failed to listen", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}
	defer server.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("synapsed: gossip server stopped", "error", err)
		}
	}()

	seeds := gossip.ParseSeedList(cfg.BootstrapPeers, logger)
	for _, seed := range seeds {
		seed := seed
		go func() {
			if err := server.Connect(ctx, seed.Address, true); err != nil {
				logger.Warn("synapsed: failed to dial seed", "seed", seed.NodeID, "addr", seed.Address, "error", err)
			}
		}()
	}

	n := node.New(id, store, server, cfg.Channels, logger)
	n.Start(ctx)

	logger.Info("synapsed initialised and running", "node_id", id.NodeID)
	<-ctx.Done()
	logger.Info("synapsed shutting down")
}
