package tools

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/carelane/carebot/internal/log"
)

// Registry holds the fixed, ordered tool catalog. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	ordered []*Tool
	byName  map[string]*Tool
	logger  log.Logger
}

// NewRegistry builds a registry from the given tools. Duplicate names are a
// programming error.
func NewRegistry(logger log.Logger, ts ...*Tool) (*Registry, error) {
	r := &Registry{
		ordered: make([]*Tool, 0, len(ts)),
		byName:  make(map[string]*Tool, len(ts)),
		logger:  logger,
	}
	for _, t := range ts {
		if _, exists := r.byName[t.name]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", t.name)
		}
		r.ordered = append(r.ordered, t)
		r.byName[t.name] = t
	}
	return r, nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Len returns the number of tools in the catalog.
func (r *Registry) Len() int { return len(r.ordered) }

// All returns the tools in catalog order. The slice is a copy; the catalog
// itself stays immutable.
func (r *Registry) All() []*Tool {
	out := make([]*Tool, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Names returns tool names in catalog order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ordered))
	for i, t := range r.ordered {
		names[i] = t.name
	}
	return names
}

// Definitions returns the catalog as model-facing tool descriptors, in
// catalog order.
func (r *Registry) Definitions() []openai.Tool {
	defs := make([]openai.Tool, len(r.ordered))
	for i, t := range r.ordered {
		defs[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.name,
				Description: t.description,
				Parameters:  t.schema,
			},
		}
	}
	return defs
}

// Execute validates args against the tool's schema and runs it, always
// returning a JSON envelope. Unknown names, malformed arguments, schema
// violations, and handler failures all degrade to {"error":...}; they are
// observations for the model, never failures of the loop.
func (r *Registry) Execute(ctx context.Context, name string, rawArgs json.RawMessage) string {
	t, ok := r.byName[name]
	if !ok {
		r.logger.Warn("model requested unknown tool", "tool", name)
		return ErrorEnvelope(fmt.Sprintf("unknown tool %q", name))
	}

	var input any
	if len(rawArgs) == 0 {
		input = map[string]any{}
	} else if err := json.Unmarshal(rawArgs, &input); err != nil {
		return ErrorEnvelope(fmt.Sprintf("invalid arguments for %q: %v", name, err))
	}
	if input == nil {
		input = map[string]any{}
	}

	if err := t.resolved.Validate(input); err != nil {
		return ErrorEnvelope(fmt.Sprintf("invalid arguments for %q: %v", name, err))
	}

	result, err := t.handler(ctx, input)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		return ErrorEnvelope(errorMessage(err))
	}
	return Envelope(result)
}
