// Package chat orchestrates one user turn end to end: rate limiting,
// authorization, history, the agent loop, and the mapping of internal
// failures to safe user-facing replies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/carelane/carebot/internal/agent"
	"github.com/carelane/carebot/internal/auth"
	"github.com/carelane/carebot/internal/credential"
	"github.com/carelane/carebot/internal/log"
	"github.com/carelane/carebot/internal/prompt"
	"github.com/carelane/carebot/internal/session"
)

// assistantFeature is the permission feature gating access to the assistant.
const assistantFeature = "ai_assistant"

var (
	// ErrRateLimited reports the user exceeded their message quota.
	ErrRateLimited = errors.New("chat: message rate limit exceeded")

	// ErrPermissionDenied reports the user's group may not use the assistant.
	ErrPermissionDenied = errors.New("chat: permission denied")

	// ErrNotAuthenticated reports a request that reached the service without
	// a verified identity or token.
	ErrNotAuthenticated = errors.New("chat: not authenticated")
)

// Replies used in place of the model's answer when the turn fails. Internal
// error detail never reaches the user.
const (
	replyBusy        = "The assistant is handling a lot of requests right now. Please wait a moment and try again."
	replyTimeout     = "That took longer than expected and was cancelled. Please try again."
	replyIncomplete  = "I was unable to complete that request. Please try again or rephrase it."
	replyUnavailable = "Sorry, something went wrong while processing your request. Please try again."
)

// PermissionChecker answers whether a group may use a feature. A false with
// nil error is a deliberate denial; a non-nil error is a lookup failure.
type PermissionChecker interface {
	CheckGroupPermission(ctx context.Context, group, feature string) (bool, error)
}

// Runner is the agent loop.
type Runner interface {
	Run(ctx context.Context, system string, history []openai.ChatCompletionMessage, userMsg string) (string, error)
}

// Request is one incoming user turn.
type Request struct {
	UserMessage    string
	ConversationID string // empty starts a new conversation
	Identity       auth.Identity
	Token          string // bearer token forwarded to tools
}

// Response is the assistant's turn. Failed marks a turn where the reply is
// a safe substitute rather than a model answer.
type Response struct {
	ConversationID string
	Message        string
	Failed         bool
}

// Service wires the chat pipeline together.
type Service struct {
	loop     Runner
	prompts  *prompt.Assembler
	sessions *session.Store
	perms    PermissionChecker
	limiter  *userLimiter
	logger   log.Logger
	now      func() time.Time
}

// NewService creates the chat service. ratePerWindow messages are allowed per
// user per minute.
func NewService(loop Runner, prompts *prompt.Assembler, sessions *session.Store, perms PermissionChecker, ratePerWindow int, logger log.Logger) *Service {
	return &Service{
		loop:     loop,
		prompts:  prompts,
		sessions: sessions,
		perms:    perms,
		limiter:  newUserLimiter(ratePerWindow, time.Minute),
		logger:   logger,
		now:      time.Now,
	}
}

// Handle processes one user turn. Rate limit and permission violations are
// returned as errors for the transport layer to map; every other failure is
// absorbed into a safe reply so the conversation can continue.
func (s *Service) Handle(ctx context.Context, req Request) (Response, error) {
	logger := s.logger.With(
		"subsystem", "chat",
		"user", req.Identity.UserID,
	)

	if req.Identity.UserID == "" || req.Token == "" {
		return Response{}, ErrNotAuthenticated
	}

	if !s.limiter.allow(req.Identity.UserID) {
		logger.Warn("message rate limit exceeded")
		return Response{}, ErrRateLimited
	}

	convID := req.ConversationID
	if convID == "" {
		convID = s.sessions.NewID()
	}
	logger = logger.With("conversation", convID)

	// The permission lookup and every tool call act on the EHR API as the
	// caller, so the token must be bound before authorization runs.
	ctx = credential.WithToken(ctx, req.Token)

	if err := s.authorize(ctx, req.Identity, logger); err != nil {
		return Response{}, err
	}

	history := s.sessions.Get(convID)
	decorated := s.decorate(req)

	system := s.prompts.System(ctx)

	logger.Info("handling message", "message", log.Truncate(req.UserMessage, 200))

	reply, err := s.loop.Run(ctx, system, history, decorated)
	if err != nil {
		logger.Error("agent loop failed",
			"error", err,
			"message", log.Truncate(req.UserMessage, 200),
		)
		return Response{ConversationID: convID, Message: safeReply(err), Failed: true}, nil
	}

	s.sessions.Append(convID,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserMessage},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
	)
	return Response{ConversationID: convID, Message: reply}, nil
}

// Clear forgets a conversation and reports whether it existed.
func (s *Service) Clear(conversationID string) bool {
	return s.sessions.Clear(conversationID)
}

// authorize checks whether the caller may use the assistant. Admins always
// may. For everyone else the EHR permission API decides; when that lookup
// fails the request proceeds so an EHR outage does not take the assistant
// down with it.
func (s *Service) authorize(ctx context.Context, id auth.Identity, logger log.Logger) error {
	if id.IsAdmin() {
		return nil
	}

	allowed, err := s.perms.CheckGroupPermission(ctx, id.Group, assistantFeature)
	if err != nil {
		logger.Warn("permission lookup failed, allowing request", "group", id.Group, "error", err)
		return nil
	}
	if !allowed {
		logger.Info("permission denied", "group", id.Group)
		return ErrPermissionDenied
	}
	return nil
}

// decorate prefixes the user message with the request context the model
// needs but the user should not have to type. Only the decorated form goes
// to the model; history stores the raw message.
func (s *Service) decorate(req Request) string {
	now := s.now()
	return fmt.Sprintf("[%s %s, user: %s, role: %s] %s",
		now.Format("2006-01-02"),
		now.Format("15:04"),
		req.Identity.UserID,
		req.Identity.Role,
		req.UserMessage,
	)
}

// safeReply maps a loop failure to the fixed sentence shown to the user.
func safeReply(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return replyBusy
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return replyTimeout
	}
	if errors.Is(err, agent.ErrLoopExhausted) {
		return replyIncomplete
	}
	return replyUnavailable
}
