// Package provider adapts remote completion backends behind a uniform
// complete/stream capability.
package provider

import (
	"context"
	"iter"
	"time"

	"github.com/conversai/conversai-api/internal/domain"
)

// ChatResponse is the result of a blocking completion.
type ChatResponse struct {
	Content   string    `json:"content"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletionRequest carries a completion call. Model selection happens
// inside the adapter from the last message's model tag; MaxTokens and
// Temperature are optional sampling overrides (zero means backend default).
type CompletionRequest struct {
	Messages    []domain.Message
	MaxTokens   int
	Temperature float32
}

// Completer is the capability surface over a completion backend.
//
// Stream yields content increments in arrival order. A backend failure
// surfaces as exactly one terminal yield with a non-nil error; the
// sequence never panics past its boundary, so consumers need no separate
// failure path. For models that do not support incremental delivery the
// sequence contains a single increment holding the full answer.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (ChatResponse, error)
	Stream(ctx context.Context, messages []domain.Message) iter.Seq2[string, error]
}

// Error is a completion-backend failure. Message carries the backend's own
// diagnostic verbatim so callers can surface it unchanged.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Capabilities describes what a model identifier supports. Branching on
// these flags replaces scattered model-name comparisons.
type Capabilities struct {
	SupportsStreaming bool
	AcceptsSystemRole bool
}

// Models known to reject both incremental delivery and the system role.
var restrictedModels = map[string]struct{}{
	"o1-preview": {},
	"o1-mini":    {},
}

// CapabilitiesFor resolves the capability descriptor for a model id.
func CapabilitiesFor(model string) Capabilities {
	if _, ok := restrictedModels[model]; ok {
		return Capabilities{}
	}
	return Capabilities{SupportsStreaming: true, AcceptsSystemRole: true}
}
