// Package signing holds the ledger's ed25519 key. The same key signs outbox envelopes and
// attribution markers, so a verifier only needs one public key per signer id.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Signer produces detached signatures tagged with a signer id.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	SignerID() string
}

type Ed25519Signer struct {
	key ed25519.PrivateKey
	id  string
}

var _ Signer = (*Ed25519Signer)(nil)

// NewEd25519SignerFromB64 loads a base64 encoded seed (32 bytes) or full private key (64 bytes).
func NewEd25519SignerFromB64(encoded, id string) (*Ed25519Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("signing: key is not base64: %w", err)
	}
	if len(raw) == ed25519.SeedSize {
		raw = ed25519.NewKeyFromSeed(raw)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing: key is %d bytes, expected a %d byte seed or %d byte key",
			len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
	return &Ed25519Signer{key: ed25519.PrivateKey(raw), id: id}, nil
}

// NewEphemeralSigner generates a throwaway key pair for development and testing only.
// Markers signed with it stop validating when the process restarts.
func NewEphemeralSigner(id string) *Ed25519Signer {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("signing: generate key: %v", err))
	}
	return &Ed25519Signer{key: key, id: id}
}

func (s *Ed25519Signer) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return ed25519.Sign(s.key, payload), nil
}

func (s *Ed25519Signer) SignerID() string { return s.id }

// PrivateKey is handed to the attribution issuer for EdDSA tokens.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey { return s.key }

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// PublicKeyB64 is logged at startup so consumers can pin the envelope key.
func (s *Ed25519Signer) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(s.PublicKey())
}
