// Package llm defines the synchronous completion port used by every
// pipeline stage, plus its two backends: an OpenAI-style chat-completions
// API and a local Ollama server.
package llm

import (
	"context"
	"fmt"
)

// Usage counts tokens consumed by one or more completion calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates counts from another call.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Format describes the JSON payload a caller expects back from the model.
// Backends with a native JSON mode send Schema (or plain JSON mode when nil);
// backends without one swap in SystemPrompt and append Instructions to the
// user prompt.
type Format struct {
	// Name identifies the payload shape, e.g. "taxonomy" or "claims".
	Name string
	// Schema is a JSON schema document for structured-output backends.
	Schema map[string]any
	// Instructions is a literal-JSON instruction block for backends that
	// cannot enforce JSON output.
	Instructions string
	// SystemPrompt replaces the caller's system prompt on backends that
	// cannot enforce JSON output. Empty keeps the caller's prompt.
	SystemPrompt string
}

// Request is a single completion call.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	// APIKey overrides the configured credential for this call. Forwarded
	// from the request header; ignored by backends without auth.
	APIKey string
	Format Format
}

// Completion is the model's reply.
type Completion struct {
	Text  string
	Usage Usage
}

// Completer is the completion port. Implementations must be safe for
// concurrent use; calls are synchronous and best-effort, with no retries.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// TransportError wraps backend and network failures so callers can map them
// to gateway errors.
type TransportError struct {
	Backend string
	Status  int // HTTP status when the backend answered
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: HTTP %d: %s", e.Backend, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }
