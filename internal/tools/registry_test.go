package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/carelane/carebot/internal/credential"
	"github.com/carelane/carebot/internal/log"
)

type echoInput struct {
	Text string `json:"text" jsonschema:"Text to echo back"`
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	echo := MustNew("echo", "Echo the input back.",
		func(_ context.Context, in echoInput) (any, error) {
			return map[string]any{"echo": in.Text}, nil
		})

	failing := MustNew("always_fails", "Always fails.",
		func(_ context.Context, _ echoInput) (any, error) {
			return nil, errors.New("remote exploded")
		})

	needsAuth := MustNew("needs_auth", "Requires a credential.",
		func(ctx context.Context, _ echoInput) (any, error) {
			if _, err := credential.Require(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		})

	r, err := NewRegistry(log.NewNop(), echo, failing, needsAuth)
	if err != nil {
		t.Fatalf("NewRegistry() = %v", err)
	}
	return r
}

func decodeEnvelope(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("envelope %q is not valid JSON: %v", s, err)
	}
	return m
}

func TestExecuteSuccess(t *testing.T) {
	r := testRegistry(t)

	out := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	env := decodeEnvelope(t, out)

	if env["success"] != true {
		t.Errorf("envelope = %v, want success:true", env)
	}
	if env["echo"] != "hi" {
		t.Errorf("envelope = %v, want echo:hi", env)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := testRegistry(t)

	env := decodeEnvelope(t, r.Execute(context.Background(), "nope", nil))
	if _, ok := env["error"]; !ok {
		t.Errorf("unknown tool should yield error envelope, got %v", env)
	}
}

func TestExecuteMalformedArguments(t *testing.T) {
	r := testRegistry(t)

	env := decodeEnvelope(t, r.Execute(context.Background(), "echo", json.RawMessage(`{not json`)))
	if _, ok := env["error"]; !ok {
		t.Errorf("malformed args should yield error envelope, got %v", env)
	}
}

func TestExecuteSchemaViolation(t *testing.T) {
	r := testRegistry(t)

	// text must be a string per the schema
	env := decodeEnvelope(t, r.Execute(context.Background(), "echo", json.RawMessage(`{"text":42}`)))
	if _, ok := env["error"]; !ok {
		t.Errorf("schema violation should yield error envelope, got %v", env)
	}
}

func TestExecuteHandlerErrorBecomesEnvelope(t *testing.T) {
	r := testRegistry(t)

	env := decodeEnvelope(t, r.Execute(context.Background(), "always_fails", json.RawMessage(`{"text":"x"}`)))
	errMsg, ok := env["error"].(string)
	if !ok || !strings.Contains(errMsg, "remote exploded") {
		t.Errorf("handler failure should surface in error envelope, got %v", env)
	}
}

func TestExecuteWithoutCredential(t *testing.T) {
	r := testRegistry(t)

	env := decodeEnvelope(t, r.Execute(context.Background(), "needs_auth", json.RawMessage(`{"text":"x"}`)))
	errMsg, ok := env["error"].(string)
	if !ok || !strings.Contains(errMsg, "authentication required") {
		t.Errorf("missing credential should yield authentication-required envelope, got %v", env)
	}

	ctx := credential.WithToken(context.Background(), "tok")
	env = decodeEnvelope(t, r.Execute(ctx, "needs_auth", json.RawMessage(`{"text":"x"}`)))
	if env["success"] != true {
		t.Errorf("with credential bound the tool should succeed, got %v", env)
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	a := MustNew("dup", "a", func(_ context.Context, _ echoInput) (any, error) { return nil, nil })
	b := MustNew("dup", "b", func(_ context.Context, _ echoInput) (any, error) { return nil, nil })

	if _, err := NewRegistry(log.NewNop(), a, b); err == nil {
		t.Error("duplicate tool names should be rejected")
	}
}

func TestDefinitionsPreserveCatalogOrder(t *testing.T) {
	r := testRegistry(t)

	defs := r.Definitions()
	want := []string{"echo", "always_fails", "needs_auth"}
	if len(defs) != len(want) {
		t.Fatalf("len(defs) = %d, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Function.Name != name {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Function.Name, name)
		}
	}
}

func TestEnvelopeShapes(t *testing.T) {
	tests := []struct {
		name   string
		result any
		check  func(t *testing.T, env map[string]any)
	}{
		{
			name:   "object spread",
			result: map[string]any{"count": 3},
			check: func(t *testing.T, env map[string]any) {
				if env["count"] != float64(3) {
					t.Errorf("count = %v", env["count"])
				}
			},
		},
		{
			name:   "raw json object",
			result: json.RawMessage(`{"id":"p-1"}`),
			check: func(t *testing.T, env map[string]any) {
				if env["id"] != "p-1" {
					t.Errorf("id = %v", env["id"])
				}
			},
		},
		{
			name:   "raw json array nests under data",
			result: json.RawMessage(`[1,2]`),
			check: func(t *testing.T, env map[string]any) {
				if _, ok := env["data"].([]any); !ok {
					t.Errorf("data = %v, want array", env["data"])
				}
			},
		},
		{
			name:   "nil result",
			result: nil,
			check:  func(t *testing.T, env map[string]any) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := decodeEnvelope(t, Envelope(tt.result))
			if env["success"] != true {
				t.Fatalf("envelope = %v, want success:true", env)
			}
			tt.check(t, env)
		})
	}
}
