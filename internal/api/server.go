// Package api exposes the chat service over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/carelane/carebot/internal/auth"
	"github.com/carelane/carebot/internal/chat"
	"github.com/carelane/carebot/internal/log"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      log.Logger
	Chat        *chat.Service  // Required
	Verifier    *auth.Verifier // Required
	CORSOrigins []string       // Allowed origins for CORS
	TrustProxy  bool           // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst   int            // Per-IP token bucket burst (0 = default 60)
	Model       string         // Reported by the health endpoint
	ToolCount   int            // Reported by the health endpoint
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Chat == nil {
		return nil, errors.New("chat service is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Config{})
	}

	ch := &chatHandler{service: cfg.Chat, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", ch.send)
	mux.HandleFunc("DELETE /api/v1/chat/{conversationId}", ch.clear)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Auth → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Verifier, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// The health probe stays outside the middleware stack so monitors need
	// no token and never hit the rate limiter.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /api/v1/chat/health", healthHandler(cfg.Model, cfg.ToolCount))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
