package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"synapse-ng/state"
)

func TestLoad_CreatesDefaultFileWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "synapsed.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "./synapse-data", cfg.DataDir)
	require.Equal(t, []string{"general"}, cfg.Channels)
	require.FileExists(t, path)
}

func TestLoad_ParsesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "synapsed.toml")
	contents := `OwnURL = "https://node-a.example:7946"
RendezvousURL = "https://rendezvous.example"
BootstrapPeers = ["aaaa@10.0.0.1:7946"]
Channels = ["general", "research"]
DataDir = "/var/lib/synapsed"
ICEServers = ["stun:stun.example:3478"]
LocalDiscovery = true
ListenAddr = ":9000"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://node-a.example:7946", cfg.OwnURL)
	require.Equal(t, []string{"general", "research"}, cfg.Channels)
	require.True(t, cfg.LocalDiscovery)
	require.Equal(t, ":9000", cfg.ListenAddr)
}

func TestSeed_InstallsMissingKeysWithoutOverwritingExisting(t *testing.T) {
	store := state.New("node-a")
	store.WithGlobal(func(c *state.Channel) {
		c.Config["max_peer_connections"] = int64(99) // already governance-changed
	})

	Seed(store)

	snap := store.Snapshot(state.GlobalChannelID)
	require.Equal(t, int64(99), snap.Config["max_peer_connections"], "existing governance value must survive seeding")
	require.Equal(t, int64(7), snap.Config["validator_set_size"])
	require.Contains(t, snap.Config, "proposal_auto_close_after_seconds")
}
