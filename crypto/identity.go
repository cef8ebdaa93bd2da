// Package crypto manages per-node cryptographic identity: a persistent
// Ed25519 signing keypair and X25519 key-exchange keypair, and the
// signature operations the rest of the node depends on.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

const (
	signingKeyFile = "signing.pem"
	kxKeyFile      = "kx.pem"

	signingPEMType = "SYNAPSE SIGNING PRIVATE KEY"
	kxPEMType      = "SYNAPSE KX PRIVATE KEY"
)

// ErrCorruptKey indicates a key file exists but could not be parsed. The
// node must refuse to start rather than silently regenerate identity.
var ErrCorruptKey = errors.New("crypto: key file is corrupt")

// Identity is a node's persistent cryptographic identity.
type Identity struct {
	NodeID string

	signingPriv ed25519.PrivateKey
	signingPub  ed25519.PublicKey

	kxPriv [32]byte
	kxPub  [32]byte
}

// KXPublicKey returns the X25519 public key advertised in the handshake
// (kx_public_key) and stamped into the node directory. Credential
// encryption (credentials.go) derives its key from the channel id and salt
// and does not use it.
func (id *Identity) KXPublicKey() [32]byte { return id.kxPub }

// KXPrivateKey returns the X25519 private key.
func (id *Identity) KXPrivateKey() [32]byte { return id.kxPriv }

// PublicKey returns the raw Ed25519 signing public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.signingPub...)
}

// Sign produces an Ed25519 signature over data.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.signingPriv, data)
}

// Verify checks an Ed25519 signature produced by the holder of nodeID's
// public key. nodeID is the URL-safe unpadded base64 encoding of the raw
// public key, as produced by LoadOrCreate.
func Verify(nodeID string, data, sig []byte) bool {
	pub, err := base64.RawURLEncoding.DecodeString(nodeID)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

// Secret returns a copy of the signing private key's 32-byte seed, the
// input zkp.NodeSecret hashes into the node's ZKP secret. It must never be
// transmitted.
func (id *Identity) Secret() []byte {
	return append([]byte(nil), id.signingPriv.Seed()...)
}

// LoadOrCreate loads the signing and key-exchange keypairs from keyDir,
// creating them atomically if they do not already exist. If the files are
// present but corrupt, LoadOrCreate returns ErrCorruptKey instead of
// regenerating identity.
func LoadOrCreate(keyDir string) (*Identity, error) {
	signingPath := filepath.Join(keyDir, signingKeyFile)
	kxPath := filepath.Join(keyDir, kxKeyFile)

	_, signingErr := os.Stat(signingPath)
	_, kxErr := os.Stat(kxPath)
	switch {
	case os.IsNotExist(signingErr) && os.IsNotExist(kxErr):
		return generate(keyDir)
	case os.IsNotExist(signingErr) || os.IsNotExist(kxErr):
		return nil, fmt.Errorf("crypto: %w: one of the two key files is missing", ErrCorruptKey)
	}

	signingPriv, err := loadSigningKey(signingPath)
	if err != nil {
		return nil, err
	}
	kxPriv, err := loadKXKey(kxPath)
	if err != nil {
		return nil, err
	}
	return fromKeys(signingPriv, kxPriv), nil
}

func generate(keyDir string) (*Identity, error) {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("crypto: create key dir: %w", err)
	}

	_, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate signing key: %w", err)
	}

	var kxPriv [32]byte
	if _, err := rand.Read(kxPriv[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate kx key: %w", err)
	}
	// Clamp per RFC 7748 so the scalar is a valid X25519 private key.
	kxPriv[0] &= 248
	kxPriv[31] &= 127
	kxPriv[31] |= 64

	if err := saveSigningKey(filepath.Join(keyDir, signingKeyFile), signingPriv); err != nil {
		return nil, err
	}
	if err := saveKXKey(filepath.Join(keyDir, kxKeyFile), kxPriv); err != nil {
		return nil, err
	}

	return fromKeys(signingPriv, kxPriv), nil
}

func fromKeys(signingPriv ed25519.PrivateKey, kxPriv [32]byte) *Identity {
	pub := signingPriv.Public().(ed25519.PublicKey)
	var kxPub [32]byte
	curve25519.ScalarBaseMult(&kxPub, &kxPriv)

	return &Identity{
		NodeID:      base64.RawURLEncoding.EncodeToString(pub),
		signingPriv: signingPriv,
		signingPub:  pub,
		kxPriv:      kxPriv,
		kxPub:       kxPub,
	}
}

func saveSigningKey(path string, priv ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("crypto: marshal signing key: %w", err)
	}
	block := &pem.Block{Type: signingPEMType, Bytes: der}
	return atomicWritePEM(path, block)
}

func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path, signingPEMType)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", ErrCorruptKey, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: %w: unexpected key type", ErrCorruptKey)
	}
	return priv, nil
}

// saveKXKey stores the raw 32-byte X25519 scalar wrapped in PKCS8-shaped PEM
// for symmetry with the signing key file; X25519 has no ASN.1 OID registered
// for PKCS8 in the stdlib, so the raw scalar is the PEM body directly.
func saveKXKey(path string, priv [32]byte) error {
	block := &pem.Block{Type: kxPEMType, Bytes: priv[:]}
	return atomicWritePEM(path, block)
}

func loadKXKey(path string) ([32]byte, error) {
	var out [32]byte
	block, err := readPEM(path, kxPEMType)
	if err != nil {
		return out, err
	}
	if len(block.Bytes) != 32 {
		return out, fmt.Errorf("crypto: %w: kx key has wrong length %d", ErrCorruptKey, len(block.Bytes))
	}
	copy(out[:], block.Bytes)
	return out, nil
}

func atomicWritePEM(path string, block *pem.Block) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".key-*.tmp")
	if err != nil {
		return fmt.Errorf("crypto: create temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := pem.Encode(tmp, block); err != nil {
		tmp.Close()
		return fmt.Errorf("crypto: encode key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("crypto: sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("crypto: close key file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("crypto: chmod key file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("crypto: rename key file: %w", err)
	}
	return nil
}

func readPEM(path, wantType string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("crypto: %w: not PEM encoded", ErrCorruptKey)
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("crypto: %w: unexpected PEM type %q", ErrCorruptKey, block.Type)
	}
	return block, nil
}
