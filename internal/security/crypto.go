// Package security provides the Manager's cryptographic identity and the
// transport handshake primitives. One Ed25519 private key doubles as both:
// its hex public key is the Manager's peer id, and its first 32 bytes seed
// the payment signing key.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// identityFile is the single on-disk artifact: the hex private key. The
// public half is derived, never stored.
const identityFile = "identity.key"

// Identity is the Manager's Ed25519 identity.
type Identity struct {
	priv ed25519.PrivateKey
}

// NewIdentity generates a fresh random identity.
func NewIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// IdentityFromHex builds an identity from a configured private key. Accepts
// a full 64-byte private key or a 32-byte seed; surrounding whitespace from
// hand-edited key files is tolerated.
func IdentityFromHex(s string) (*Identity, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return &Identity{priv: ed25519.PrivateKey(raw)}, nil
	case ed25519.SeedSize:
		return &Identity{priv: ed25519.NewKeyFromSeed(raw)}, nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// LoadIdentity reads the identity from home, generating and persisting one
// on first run. Only the private key is stored; a key file readable by the
// group or world is rejected.
func LoadIdentity(home string) (*Identity, error) {
	path := filepath.Join(home, identityFile)

	if raw, err := os.ReadFile(path); err == nil {
		info, err := os.Stat(path)
		if err == nil && info.Mode().Perm()&0077 != 0 {
			return nil, fmt.Errorf("identity key %s has permissions %04o, want 0600", path, info.Mode().Perm())
		}
		return IdentityFromHex(string(raw))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	id, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(id.priv)), 0600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}

// PeerID returns the hex public key, which is the Manager's peer id.
func (id *Identity) PeerID() string {
	return hex.EncodeToString(id.priv.Public().(ed25519.PublicKey))
}

// Public returns the Ed25519 public key.
func (id *Identity) Public() ed25519.PublicKey {
	return id.priv.Public().(ed25519.PublicKey)
}

// Sign signs a message with the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.priv, message)
}

// PaymentSeed returns the first 32 bytes of the private key, the seed the
// payment signing key is derived from when no key is configured.
func (id *Identity) PaymentSeed() []byte {
	seed := make([]byte, 32)
	copy(seed, id.priv[:32])
	return seed
}

// Verify checks a signature against a public key.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	return ed25519.Verify(publicKey, message, signature)
}

// NewChallenge returns a random 32-byte hex challenge for the transport
// handshake. Peers prove key ownership by signing it.
func NewChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// VerifyPeer checks a hello frame: pubKeyHex must be a valid Ed25519 key
// and sigHex a valid signature over the challenge. Returns the peer id
// (the public key hex) on success.
func VerifyPeer(pubKeyHex, challenge, sigHex string) (string, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid peer public key")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(challenge), sig) {
		return "", fmt.Errorf("challenge signature invalid")
	}
	return pubKeyHex, nil
}
