// Package auth verifies caller tokens issued by the external auth subsystem and exposes the
// resulting Principal to handlers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller. AgentID is empty for admins acting on no agent.
type Principal struct {
	AgentID string
	Role    string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens against a shared secret, issuer and audience.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewVerifier(secret, issuer, audience string) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: jwt secret must be at least 16 bytes")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience, now: time.Now}, nil
}

// Verify parses the token and returns its principal. Tokens without a role, or agent tokens
// without a subject, are rejected.
func (v *Verifier) Verify(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	p := Principal{AgentID: strings.TrimSpace(c.Subject), Role: strings.ToLower(strings.TrimSpace(c.Role))}
	switch p.Role {
	case RoleAdmin:
	case RoleAgent:
		if p.AgentID == "" {
			return Principal{}, fmt.Errorf("%w: agent token without subject", ErrUnauthorized)
		}
	default:
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, c.Role)
	}
	return p, nil
}

// Mint signs a token for p. It backs local development and tests; production tokens come
// from the auth subsystem.
func (v *Verifier) Mint(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.AgentID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		c.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

type ctxKey string

const ctxKeyPrincipal ctxKey = "ledger.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// FromContext returns the principal placed by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// Middleware rejects requests without a valid bearer token. onError writes the response.
func Middleware(v *Verifier, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				onError(w, r, fmt.Errorf("%w: missing bearer token", ErrUnauthorized))
				return
			}
			p, err := v.Verify(token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
