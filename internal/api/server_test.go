package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelane/carebot/internal/auth"
	"github.com/carelane/carebot/internal/chat"
	"github.com/carelane/carebot/internal/log"
	"github.com/carelane/carebot/internal/prompt"
	"github.com/carelane/carebot/internal/session"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, _ string, _ []openai.ChatCompletionMessage, userMsg string) (string, error) {
	return "echo: " + userMsg, nil
}

type allowAll struct{}

func (allowAll) CheckGroupPermission(context.Context, string, string) (bool, error) {
	return true, nil
}

type denyAll struct{}

func (denyAll) CheckGroupPermission(context.Context, string, string) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T, perms chat.PermissionChecker) *Server {
	t.Helper()
	svc := chat.NewService(echoRunner{}, prompt.NewAssembler(nil), session.NewStore(20), perms, 1000, log.NewNop())
	srv, err := NewServer(ServerConfig{
		Logger:      log.NewNop(),
		Chat:        svc,
		Verifier:    auth.NewVerifier(testSecret),
		CORSOrigins: []string{"http://localhost:3000"},
		RateBurst:   10000,
		Model:       "gpt-4o",
		ToolCount:   15,
	})
	require.NoError(t, err)
	return srv
}

func signToken(t *testing.T, userID, role, group string) string {
	t.Helper()
	claims := auth.Claims{
		Role:  role,
		Group: group,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return raw
}

func postChat(t *testing.T, srv *Server, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoToken(t *testing.T) {
	srv := newTestServer(t, allowAll{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","model":"gpt-4o","toolCount":15}`, rec.Body.String())
}

func TestChatRequiresToken(t *testing.T) {
	srv := newTestServer(t, allowAll{})

	rec := postChat(t, srv, "", `{"message":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatRejectsBadToken(t *testing.T) {
	srv := newTestServer(t, allowAll{})

	rec := postChat(t, srv, "not-a-jwt", `{"message":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatSuccess(t *testing.T) {
	srv := newTestServer(t, allowAll{})
	token := signToken(t, "user-1", "staff", "reception")

	rec := postChat(t, srv, token, `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Regexp(t, `^conv_\d+_[0-9a-f]{8}$`, resp.ConversationID)
	assert.Contains(t, resp.Response, "hello")
	assert.False(t, resp.Timestamp.IsZero())
}

func TestChatValidation(t *testing.T) {
	srv := newTestServer(t, allowAll{})
	token := signToken(t, "user-1", "staff", "reception")

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"empty body", ``, http.StatusBadRequest, "invalid_json"},
		{"not json", `hello`, http.StatusBadRequest, "invalid_json"},
		{"missing message", `{}`, http.StatusBadRequest, "message_required"},
		{"empty message", `{"message":""}`, http.StatusBadRequest, "message_required"},
		{"too long", `{"message":"` + strings.Repeat("x", 5001) + `"}`, http.StatusBadRequest, "message_too_long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postChat(t, srv, token, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)

			var er ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
			assert.Equal(t, tt.wantErr, er.Error)
		})
	}
}

func TestChatMessageAtLimitAccepted(t *testing.T) {
	srv := newTestServer(t, allowAll{})
	token := signToken(t, "user-1", "staff", "reception")

	body, err := json.Marshal(chatRequest{Message: strings.Repeat("y", 5000)})
	require.NoError(t, err)

	rec := postChat(t, srv, token, string(body))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatOversizedBody(t *testing.T) {
	srv := newTestServer(t, allowAll{})
	token := signToken(t, "user-1", "staff", "reception")

	huge := bytes.Repeat([]byte("a"), maxRequestBody+1024)
	body := `{"message":"` + string(huge) + `"}`
	rec := postChat(t, srv, token, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChatPermissionDenied(t *testing.T) {
	srv := newTestServer(t, denyAll{})
	token := signToken(t, "user-1", "staff", "reception")

	rec := postChat(t, srv, token, `{"message":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var er ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	assert.Equal(t, "permission_denied", er.Error)
}

func TestChatAdminBypassesDeniedGroup(t *testing.T) {
	srv := newTestServer(t, denyAll{})
	token := signToken(t, "admin-1", "admin", "management")

	rec := postChat(t, srv, token, `{"message":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClearConversation(t *testing.T) {
	srv := newTestServer(t, allowAll{})
	token := signToken(t, "user-1", "staff", "reception")

	rec := postChat(t, srv, token, `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	del := httptest.NewRequest(http.MethodDelete, "/api/v1/chat/"+resp.ConversationID, nil)
	del.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, del)
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.JSONEq(t, `{"success":true,"message":"conversation cleared"}`, rec2.Body.String())

	rec3 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec3, del)
	assert.Equal(t, http.StatusNotFound, rec3.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, allowAll{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDisallowedOriginGetsNoCORSHeaders(t *testing.T) {
	srv := newTestServer(t, allowAll{})
	token := signToken(t, "user-1", "staff", "reception")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, allowAll{})
	token := signToken(t, "user-1", "staff", "reception")

	rec := postChat(t, srv, token, `{"message":"hi"}`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestPerIPRateLimit(t *testing.T) {
	svc := chat.NewService(echoRunner{}, prompt.NewAssembler(nil), session.NewStore(20), allowAll{}, 100000, log.NewNop())
	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Chat:      svc,
		Verifier:  auth.NewVerifier(testSecret),
		RateBurst: 3,
	})
	require.NoError(t, err)
	token := signToken(t, "user-1", "staff", "reception")

	var last int
	for i := 0; i < 5; i++ {
		rec := postChat(t, srv, token, `{"message":"hi"}`)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestPerUserQuotaReturnsChatEnvelope(t *testing.T) {
	svc := chat.NewService(echoRunner{}, prompt.NewAssembler(nil), session.NewStore(20), allowAll{}, 2, log.NewNop())
	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Chat:      svc,
		Verifier:  auth.NewVerifier(testSecret),
		RateBurst: 10000,
	})
	require.NoError(t, err)
	token := signToken(t, "user-1", "staff", "reception")

	for i := 0; i < 2; i++ {
		rec := postChat(t, srv, token, `{"message":"hi"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := postChat(t, srv, token, `{"message":"hi","conversationId":"conv_1_deadbeef"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, replyRateLimited, resp.Response)
	assert.Equal(t, "conv_1_deadbeef", resp.ConversationID)
	assert.False(t, resp.Timestamp.IsZero())
}
