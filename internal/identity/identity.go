package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"sync"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/pkg/errors"
)

// Identity is this node's Ed25519 keypair. The peer id is a fingerprint of
// the public key, so ids cannot be chosen, only derived.
type Identity struct {
	PeerID string
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

// PeerIDFromPublicKey derives the mesh peer id from a raw public key.
func PeerIDFromPublicKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:16])
}

// LoadOrCreate reads the key file at path, generating and persisting a new
// keypair when the file does not exist.
func LoadOrCreate(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, errors.Errorf("key file %s has %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		pub := priv.Public().(ed25519.PublicKey)
		return &Identity{PeerID: PeerIDFromPublicKey(pub), pub: pub, priv: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read key file %s", path)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate node key")
	}
	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return nil, errors.Wrapf(err, "write key file %s", path)
	}
	return &Identity{PeerID: PeerIDFromPublicKey(pub), pub: pub, priv: priv}, nil
}

// Generate builds an in-memory identity, used by tests and simulations.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return &Identity{PeerID: PeerIDFromPublicKey(pub), pub: pub, priv: priv}, nil
}

func (id *Identity) PublicKey() []byte {
	return id.pub
}

// Sign satisfies the broadcast manager's injected signing boundary.
func (id *Identity) Sign(_ context.Context, data []byte) ([]byte, error) {
	return ed25519.Sign(id.priv, data), nil
}

// Verify is the mathematical inverse of Sign, usable on any node.
func Verify(_ context.Context, data, signature, publicKey []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.Errorf("public key has %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature), nil
}

// KeyRing resolves peer ids to public keys. Keys come from the operator's
// peer config and from authenticated peer exchanges; the ring never guesses.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string][]byte)}
}

func (kr *KeyRing) Add(peerID string, pub []byte) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[peerID] = pub
}

// AddBase64 registers a key from its config encoding and returns the
// derived peer id.
func (kr *KeyRing) AddBase64(encoded string) (string, error) {
	pub, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, "decode public key")
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", errors.Errorf("public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	peerID := PeerIDFromPublicKey(pub)
	kr.Add(peerID, pub)
	return peerID, nil
}

// Lookup satisfies the injected public key boundary. A nil key with nil
// error means the peer is unknown, which callers must treat as
// "verification impossible", never as "skip verification".
func (kr *KeyRing) Lookup(_ context.Context, peerID string) ([]byte, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.keys[peerID], nil
}
