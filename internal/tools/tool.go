// Package tools provides the fixed catalog of callable units exposed to the
// language model.
//
// Every tool declares a name, a description the model uses for routing, a
// JSON schema validated before dispatch, and a handler performing exactly one
// external call. Results always cross the tool boundary as a JSON envelope,
// {"success":true,...} or {"error":"..."}, never as a Go error or panic, so
// the model can branch on the error field consistently.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/carelane/carebot/internal/credential"
)

// Tool is one named callable unit in the catalog.
type Tool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	resolved    *jsonschema.Resolved

	// handler is the type-erased execution function.
	handler func(ctx context.Context, input any) (any, error)
}

// Name returns the tool's unique, stable identifier.
func (t *Tool) Name() string { return t.name }

// Description returns the routing description shown to the model.
func (t *Tool) Description() string { return t.description }

// Schema returns the input schema advertised to the model.
func (t *Tool) Schema() *jsonschema.Schema { return t.schema }

// New creates a tool with a typed input. The schema is derived from In's
// struct tags and input is validated against it before the handler runs.
//
// Type erasure happens here so heterogeneous tools share one registry:
// direct assertion first, JSON round-trip for map inputs.
func New[In any](name, description string, handler func(ctx context.Context, in In) (any, error)) (*Tool, error) {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("deriving schema for tool %q: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving schema for tool %q: %w", name, err)
	}

	erased := func(ctx context.Context, input any) (any, error) {
		if typed, ok := input.(In); ok {
			return handler(ctx, typed)
		}

		raw, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("marshaling input: %w", err)
		}
		var typed In
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, fmt.Errorf("invalid input for %q: %w", name, err)
		}
		return handler(ctx, typed)
	}

	return &Tool{
		name:        name,
		description: description,
		schema:      schema,
		resolved:    resolved,
		handler:     erased,
	}, nil
}

// MustNew is New for static catalog construction, where a schema derivation
// failure is a programming error.
func MustNew[In any](name, description string, handler func(ctx context.Context, in In) (any, error)) *Tool {
	t, err := New(name, description, handler)
	if err != nil {
		panic(err)
	}
	return t
}

// Envelope serializes a handler result into the uniform success envelope.
// Object results are spread into the envelope alongside "success"; anything
// else lands under "data".
func Envelope(result any) string {
	var asObject map[string]any

	switch v := result.(type) {
	case nil:
		asObject = map[string]any{}
	case json.RawMessage:
		if err := json.Unmarshal(v, &asObject); err != nil {
			// Not a JSON object (array, scalar, or invalid); nest it.
			var anyVal any
			if err := json.Unmarshal(v, &anyVal); err != nil {
				return ErrorEnvelope("tool returned malformed JSON")
			}
			asObject = map[string]any{"data": anyVal}
		}
	case map[string]any:
		asObject = make(map[string]any, len(v)+1)
		for k, val := range v {
			asObject[k] = val
		}
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ErrorEnvelope("tool result not serializable")
		}
		if err := json.Unmarshal(raw, &asObject); err != nil {
			asObject = map[string]any{"data": v}
		}
	}

	asObject["success"] = true
	out, err := json.Marshal(asObject)
	if err != nil {
		return ErrorEnvelope("tool result not serializable")
	}
	return string(out)
}

// ErrorEnvelope serializes a failure into the uniform error envelope.
func ErrorEnvelope(message string) string {
	out, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		// message contained nothing unserializable; this cannot happen.
		return `{"error":"internal error"}`
	}
	return string(out)
}

// errorMessage maps handler errors to model-facing text, keeping the
// authentication-required case recognizable for tests and operators.
func errorMessage(err error) string {
	if errors.Is(err, credential.ErrNoCredential) {
		return "authentication required: no credential bound to this request"
	}
	return err.Error()
}
