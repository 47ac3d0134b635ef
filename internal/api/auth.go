package api

import (
	"context"
	"net/http"

	"github.com/carelane/carebot/internal/auth"
	"github.com/carelane/carebot/internal/log"
)

type bearerKey struct{}

// bearerFromContext retrieves the raw bearer token stored by authMiddleware.
func bearerFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(bearerKey{}).(string)
	return tok, ok
}

// authMiddleware verifies the Authorization bearer token and stores the
// caller's identity and raw token in the request context. The raw token is
// kept because tool calls forward it to the EHR API on the user's behalf.
func authMiddleware(verifier *auth.Verifier, logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerFromHeader(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed bearer token")
				return
			}

			identity, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("token verification failed", "error", err)
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			ctx := auth.WithIdentity(r.Context(), identity)
			ctx = context.WithValue(ctx, bearerKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
