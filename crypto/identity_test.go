package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, id.NodeID)

	_, err = os.Stat(filepath.Join(dir, signingKeyFile))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, kxKeyFile))
	require.NoError(t, err)

	reloaded, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.Equal(t, id.NodeID, reloaded.NodeID)
	require.Equal(t, id.KXPublicKey(), reloaded.KXPublicKey())
}

func TestSignVerify_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	msg := []byte("channel:general task:created")
	sig := id.Sign(msg)

	require.True(t, Verify(id.NodeID, msg, sig))
	require.False(t, Verify(id.NodeID, []byte("tampered"), sig))

	other, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	require.False(t, Verify(other.NodeID, msg, sig))
}

func TestLoadOrCreate_RefusesCorruptKeyFile(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrCreate(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, signingKeyFile), []byte("not pem"), 0o600))

	_, err = LoadOrCreate(dir)
	require.ErrorIs(t, err, ErrCorruptKey)
}

func TestLoadOrCreate_RefusesPartialKeySet(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrCreate(dir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, kxKeyFile)))

	_, err = LoadOrCreate(dir)
	require.ErrorIs(t, err, ErrCorruptKey)
}
