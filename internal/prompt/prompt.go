// Package prompt assembles the system prompt for the assistant.
package prompt

import (
	"context"
	"strings"
	"sync"
)

// Refusal is the exact sentence the assistant uses for off-topic requests.
const Refusal = "I can only help with clinic-related questions such as patients, appointments, visits, prescriptions, and billing."

// base holds the behavioral rules every conversation starts from. The rules
// are stated as directives because the model follows imperative phrasing more
// reliably than descriptions.
const base = `You are CareBot, the assistant for clinic staff at CareLane. You help with patients, doctors, appointments, visits, prescriptions, and billing.

Rules:
- Only answer questions related to the clinic. For anything else reply exactly: "` + Refusal + `"
- Never fabricate patient data, appointment slots, or billing figures. If a tool returns no data, say so.
- Never reveal internal database identifiers. Refer to patients by name and medical record number (mrn) only.
- Before any destructive action (deleting a patient, cancelling an appointment) restate what will happen and ask the user to confirm. Only proceed after an explicit yes.
- When a tool call fails, tell the user the operation did not succeed. Do not retry silently.
- Answer in the language the user writes in.`

// FragmentSource supplies the database schema section of the prompt.
// A nil source omits the section entirely.
type FragmentSource interface {
	Fragment(ctx context.Context) string
}

// Assembler builds the system prompt once and caches it.
type Assembler struct {
	schema FragmentSource

	mu     sync.RWMutex
	cached string
	built  bool
}

// NewAssembler creates an Assembler. schema may be nil when the query tool is
// not configured; the prompt then carries no schema section.
func NewAssembler(schema FragmentSource) *Assembler {
	return &Assembler{schema: schema}
}

// System returns the full system prompt.
func (a *Assembler) System(ctx context.Context) string {
	a.mu.RLock()
	if a.built {
		defer a.mu.RUnlock()
		return a.cached
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.built {
		return a.cached
	}

	a.cached = a.assemble(ctx)
	a.built = true
	return a.cached
}

// Invalidate drops the cached prompt so the next System call rebuilds it.
// Call after the schema fragment has been invalidated.
func (a *Assembler) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.built = false
	a.cached = ""
}

func (a *Assembler) assemble(ctx context.Context) string {
	var b strings.Builder
	b.WriteString(base)
	if a.schema != nil {
		if frag := a.schema.Fragment(ctx); frag != "" {
			b.WriteString("\n\n")
			b.WriteString(frag)
			b.WriteString("\n\nUse the query_database tool for questions these tables can answer. Queries are read-only.")
		}
	}
	return b.String()
}
