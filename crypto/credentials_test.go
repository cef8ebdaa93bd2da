package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptCredentials_RoundTrip(t *testing.T) {
	plaintext := []byte(`{"api_key":"sk-test-12345"}`)

	encoded, err := EncryptCredentials("channel:infra", "deployment-salt-1", plaintext)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := DecryptCredentials("channel:infra", "deployment-salt-1", encoded)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestDecryptCredentials_WrongChannelFails(t *testing.T) {
	plaintext := []byte("top-secret")

	encoded, err := EncryptCredentials("channel:infra", "salt", plaintext)
	require.NoError(t, err)

	_, err = DecryptCredentials("channel:other", "salt", encoded)
	require.Error(t, err)
}

func TestDecryptCredentials_WrongSaltFails(t *testing.T) {
	plaintext := []byte("top-secret")

	encoded, err := EncryptCredentials("channel:infra", "salt-a", plaintext)
	require.NoError(t, err)

	_, err = DecryptCredentials("channel:infra", "salt-b", encoded)
	require.Error(t, err)
}

func TestEncryptCredentials_NonDeterministic(t *testing.T) {
	plaintext := []byte("same-plaintext")

	a, err := EncryptCredentials("channel:infra", "salt", plaintext)
	require.NoError(t, err)
	b, err := EncryptCredentials("channel:infra", "salt", plaintext)
	require.NoError(t, err)

	require.NotEqual(t, a, b, "random nonce should make ciphertexts differ")
}
