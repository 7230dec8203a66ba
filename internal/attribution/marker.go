// Package attribution issues and validates referral attribution markers.
//
// A marker is a compact EdDSA-signed JWT whose subject is the credited agent id. It is
// opaque to the browser and is validated (signature, issuer, expiry) on every order.
package attribution

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

const markerIssuer = "commission-ledger/referral"

// Marker is the decoded content of a valid attribution marker.
type Marker struct {
	Token     string
	AgentID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type claims struct {
	jwt.RegisteredClaims
}

// Issuer signs and verifies markers with one ed25519 key pair.
type Issuer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	ttl  time.Duration
	now  func() time.Time
}

// NewIssuer builds an Issuer. ttl must be positive.
func NewIssuer(priv ed25519.PrivateKey, ttl time.Duration) (*Issuer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("attribution: invalid private key length %d", len(priv))
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("attribution: ttl must be positive")
	}
	return &Issuer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
		ttl:  ttl,
		now:  time.Now,
	}, nil
}

// WithClock replaces the time source; used by tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a fresh marker for agentID valid for the configured ttl.
func (i *Issuer) Issue(agentID string) (Marker, error) {
	if strings.TrimSpace(agentID) == "" {
		return Marker{}, fmt.Errorf("attribution: empty agent id")
	}
	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    markerIssuer,
			Subject:   agentID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(i.priv)
	if err != nil {
		return Marker{}, fmt.Errorf("attribution: sign marker: %w", err)
	}
	return Marker{Token: signed, AgentID: agentID, IssuedAt: now, ExpiresAt: exp}, nil
}

// Resolve validates a marker and returns the agent it credits.
// Expired markers yield models.ErrMarkerExpired, anything else unusable models.ErrInvalidMarker.
func (i *Issuer) Resolve(token string) (Marker, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Marker{}, models.ErrInvalidMarker
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return i.pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(markerIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Marker{}, fmt.Errorf("%w: %v", models.ErrMarkerExpired, err)
		}
		return Marker{}, fmt.Errorf("%w: %v", models.ErrInvalidMarker, err)
	}
	if c.Subject == "" {
		return Marker{}, fmt.Errorf("%w: missing subject", models.ErrInvalidMarker)
	}
	m := Marker{Token: token, AgentID: c.Subject}
	if c.IssuedAt != nil {
		m.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		m.ExpiresAt = c.ExpiresAt.Time
	}
	return m, nil
}
