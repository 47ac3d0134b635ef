// Package credential binds a caller's bearer token to the extent of one
// request via context.Context.
//
// Every tool execution triggered by a request, including work spawned on
// other goroutines that carry the context along, resolves the
// same token, and two concurrently running requests can never observe each
// other's binding. A module-level variable cannot provide this isolation;
// contexts are immutable, so WithToken derives a child context instead of
// mutating shared state.
package credential

import (
	"context"
	"errors"
)

// ErrNoCredential is returned when a tool executes outside any credential
// binding. Seeing it in production indicates an integration bug: the chat
// service must bind a token before the agent loop runs.
var ErrNoCredential = errors.New("no credential bound to request context")

// tokenKey is an unexported context key for zero-allocation type safety.
type tokenKey struct{}

// WithToken returns a child context carrying the bearer token for the
// current request.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext retrieves the bearer token bound to ctx.
// The second return is false when no binding is active.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// Require retrieves the bound token or returns ErrNoCredential.
// Tools use this at the top of every external call.
func Require(ctx context.Context) (string, error) {
	token, ok := TokenFromContext(ctx)
	if !ok {
		return "", ErrNoCredential
	}
	return token, nil
}
