// Package agent runs the bounded tool-calling loop against the model.
//
// One Run handles one user turn. The model either answers directly or asks
// for tool calls; tool results are fed back and the model is consulted again,
// up to a fixed iteration ceiling. The loop never retries model errors and
// never executes tools the model did not request.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carelane/carebot/internal/log"
	"github.com/carelane/carebot/internal/tools"
)

var (
	// ErrLoopExhausted reports that the model kept requesting tools past
	// the iteration ceiling without producing a final answer.
	ErrLoopExhausted = errors.New("agent: iteration ceiling reached without a final answer")

	// ErrModelUnavailable wraps transport or provider failures from the
	// chat completion API.
	ErrModelUnavailable = errors.New("agent: model unavailable")
)

// emptyReply substitutes for a model turn that finished without tool calls
// but also without content.
const emptyReply = "I was unable to produce a response. Please try rephrasing your request."

// Completer is the slice of the OpenAI client the loop needs.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Executor dispatches one tool call and returns its JSON result envelope.
type Executor interface {
	Definitions() []openai.Tool
	Execute(ctx context.Context, name string, rawArgs json.RawMessage) string
}

// Loop drives conversations through the model.
type Loop struct {
	client        Completer
	registry      Executor
	model         string
	maxIterations int
	logger        log.Logger
	tracer        trace.Tracer
}

// New creates a Loop. maxIterations bounds how many model consultations a
// single user turn may cost.
func New(client Completer, registry Executor, model string, maxIterations int, logger log.Logger) *Loop {
	return &Loop{
		client:        client,
		registry:      registry,
		model:         model,
		maxIterations: maxIterations,
		logger:        logger,
		tracer:        otel.Tracer("carebot/agent"),
	}
}

// Run processes one user turn. system is the assembled system prompt, history
// the prior conversation oldest first, userMsg the decorated user message.
// It returns the assistant's final text.
func (l *Loop) Run(ctx context.Context, system string, history []openai.ChatCompletionMessage, userMsg string) (string, error) {
	ctx, span := l.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("model", l.model)))
	defer span.End()

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	msgs = append(msgs, history...)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMsg,
	})

	defs := l.registry.Definitions()

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		modelCtx, modelSpan := l.tracer.Start(ctx, "model.completion",
			trace.WithAttributes(attribute.Int("iteration", iteration)))
		resp, err := l.client.CreateChatCompletion(modelCtx, openai.ChatCompletionRequest{
			Model:    l.model,
			Messages: msgs,
			Tools:    defs,
		})
		if err != nil {
			modelSpan.RecordError(err)
			modelSpan.End()
			return "", fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
		modelSpan.End()
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("%w: response carried no choices", ErrModelUnavailable)
		}

		choice := resp.Choices[0]
		if len(choice.Message.ToolCalls) == 0 {
			if choice.Message.Content == "" {
				l.logger.Warn("model returned empty final message", "iteration", iteration)
				return emptyReply, nil
			}
			return choice.Message.Content, nil
		}

		msgs = append(msgs, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			l.logger.Debug("executing tool call",
				"tool", call.Function.Name,
				"iteration", iteration,
			)
			toolCtx, toolSpan := l.tracer.Start(ctx, "tool.execute",
				trace.WithAttributes(
					attribute.String("tool", call.Function.Name),
					attribute.Int("iteration", iteration),
				))
			result := l.registry.Execute(toolCtx, call.Function.Name, json.RawMessage(call.Function.Arguments))
			toolSpan.End()
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	l.logger.Warn("iteration ceiling reached", "maxIterations", l.maxIterations)
	return "", ErrLoopExhausted
}

// interface guard
var _ Executor = (*tools.Registry)(nil)
