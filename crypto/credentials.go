package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EncryptCredentials derives a 32-byte AES-256-GCM key from (channelID, salt)
// via HKDF-SHA256 and seals plaintext under a random 96-bit nonce, returning
// base64(nonce || ciphertext). This is how acquire_common_tool stores the
// credentials for a per-channel common tool.
func EncryptCredentials(channelID, salt string, plaintext []byte) (string, error) {
	key, err := deriveToolKey(channelID, salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: read nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptCredentials reverses EncryptCredentials. It returns an error for
// any (channelID, salt) pair other than the one used to encrypt, since the
// derived key and thus the GCM tag will not match.
func DecryptCredentials(channelID, salt, encoded string) ([]byte, error) {
	key, err := deriveToolKey(channelID, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: ciphertext shorter than nonce")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt credentials: %w", err)
	}
	return plaintext, nil
}

func deriveToolKey(channelID, salt string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, []byte(channelID), []byte(salt), []byte("synapse-ng/common-tool-credentials"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}
