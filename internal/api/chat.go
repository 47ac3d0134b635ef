package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/carelane/carebot/internal/auth"
	"github.com/carelane/carebot/internal/chat"
	"github.com/carelane/carebot/internal/log"
)

// maxRequestBody bounds chat request bodies.
const maxRequestBody = 1 << 20

// maxMessageLength is the longest accepted user message, in characters.
const maxMessageLength = 5000

// replyRateLimited is returned in place of an assistant answer when the
// caller has exhausted the per-user message quota.
const replyRateLimited = "You're sending messages a bit too quickly. Please wait a minute and try again."

// chatRequest is the POST /api/v1/chat body.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// chatResponse is the POST /api/v1/chat success body.
type chatResponse struct {
	Success        bool      `json:"success"`
	Response       string    `json:"response"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// chatHandler serves the chat endpoints.
type chatHandler struct {
	service *chat.Service
	logger  log.Logger
}

// send handles POST /api/v1/chat.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds 1MB")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message_required", "message must not be empty")
		return
	}
	if utf8.RuneCountInString(req.Message) > maxMessageLength {
		writeError(w, http.StatusBadRequest, "message_too_long", "message must be 5000 characters or fewer")
		return
	}

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	token, _ := bearerFromContext(r.Context())

	resp, err := h.service.Handle(r.Context(), chat.Request{
		UserMessage:    req.Message,
		ConversationID: req.ConversationID,
		Identity:       identity,
		Token:          token,
	})
	switch {
	case errors.Is(err, chat.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	case errors.Is(err, chat.ErrRateLimited):
		// Per-user quota exhaustion is delivered as a normal chat turn so
		// clients render it in the conversation instead of surfacing a
		// transport error.
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusOK, chatResponse{
			Success:        false,
			Response:       replyRateLimited,
			ConversationID: req.ConversationID,
			Timestamp:      time.Now().UTC(),
		})
		return
	case errors.Is(err, chat.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission_denied", "your group does not have access to the assistant")
		return
	case err != nil:
		h.logger.Error("chat request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Success:        !resp.Failed,
		Response:       resp.Message,
		ConversationID: resp.ConversationID,
		Timestamp:      time.Now().UTC(),
	})
}

// clear handles DELETE /api/v1/chat/{conversationId}.
func (h *chatHandler) clear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("conversationId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation_required", "conversation id must not be empty")
		return
	}

	if !h.service.Clear(id) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "conversation cleared",
	})
}

// healthHandler serves GET /api/v1/chat/health for liveness probes. It also
// reports which model and how many tools the server is running with, so a
// misconfigured deployment is visible from the probe alone.
func healthHandler(model string, toolCount int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"model":     model,
			"toolCount": toolCount,
		})
	}
}
