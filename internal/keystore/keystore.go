// Package keystore defines the long-lived signing identity contract the
// entry and oplog layers depend on, and an in-memory ed25519-backed
// reference implementation. None of the retrieval pack's third-party
// dependencies provide a signing primitive (see DESIGN.md); crypto/ed25519
// is the standard library's asymmetric-signature package and is used
// directly, exactly as spec §1 frames "the local cryptographic signing
// primitive" as an external collaborator this module only calls through an
// interface.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Identity signs bytes on behalf of one writer and exposes its public key.
type Identity interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() string // hex-encoded
}

// KeyStore creates and retrieves long-lived signing identities by id.
type KeyStore interface {
	GetKey(id string) (Identity, bool)
	CreateKey(id string) (Identity, error)
}

type identity struct {
	priv ed25519.PrivateKey
	pub  string
}

func (i *identity) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(i.priv, data), nil
}

func (i *identity) PublicKey() string { return i.pub }

// Verify checks a signature against a hex-encoded ed25519 public key.
func Verify(publicKeyHex string, data, signature []byte) (bool, error) {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("keystore: decode public key: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("keystore: public key has wrong length %d", len(pubBytes))
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), data, signature), nil
}

// Memory is an in-process KeyStore. Reference implementation for tests and
// single-process deployments; a real deployment would back this with a
// directory of encrypted key files, out of scope here (spec §1).
type Memory struct {
	mu   sync.Mutex
	keys map[string]*identity
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*identity)}
}

func (m *Memory) GetKey(id string) (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, false
	}
	return k, true
}

func (m *Memory) CreateKey(id string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.keys[id]; ok {
		return existing, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}

	k := &identity{priv: priv, pub: hex.EncodeToString(pub)}
	m.keys[id] = k
	return k, nil
}
