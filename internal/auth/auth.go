// Package auth verifies bearer tokens and carries the caller's identity
// through the request context.
//
// Tokens are HS256 JWTs sharing a secret with the EHR platform. The claims
// carry who is calling (sub), their account class (role), and their staff
// group; the raw token string is retained separately so tools can forward it
// to the EHR API on the caller's behalf.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken indicates no bearer token was supplied.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken indicates the token failed signature or claim checks.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// RoleAdmin is the elevated account class that bypasses the chat
// feature-permission check.
const RoleAdmin = "admin"

// Claims are the token claims carebot relies on.
type Claims struct {
	Role  string `json:"role"`
	Group string `json:"group"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller, as derived from verified claims.
type Identity struct {
	UserID string
	Role   string
	Group  string
}

// IsAdmin reports whether the caller holds the elevated account class.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// Verifier validates bearer tokens against a shared HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. The secret must match the EHR platform's
// token issuer.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates a raw token string, returning the caller's
// identity.
func (v *Verifier) Verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID: claims.Subject,
		Role:   claims.Role,
		Group:  claims.Group,
	}, nil
}

// BearerFromHeader extracts the raw token from an Authorization header value.
func BearerFromHeader(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("%w: malformed Authorization header", ErrMissingToken)
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// identityKey is an unexported context key.
type identityKey struct{}

// WithIdentity stores the authenticated identity in the request context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the authenticated identity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
