package harnessports

import (
	"context"
	"time"
)

// Roles accepted by the completion endpoint.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // instructions sent alongside the dialogue
	Messages []PromptMessage   // ordered chat history (already windowed)
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls model selection and tool flags for one request.
type Options struct {
	Model     string
	WebSearch bool
	// Timeout applies to the provider call only (zero means no extra deadline).
	Timeout time.Duration
}

// Completion is the provider's non-streaming response.
type Completion struct {
	Text string
	// Streamed reports whether any text delta was observed, as opposed to the
	// text coming from a definitive (non-delta) payload.
	Streamed bool
}

// CompletionChunk is one element of a streaming response.
//
// Every delta chunk carries both the new fragment and the full text accumulated
// so far. The last chunk has Done set and carries the definitive text or Err.
type CompletionChunk struct {
	DeltaText string
	Text      string
	Done      bool
	Streamed  bool
	Err       error
}

// Provider is the abstraction for the completion backend.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
	Stream(ctx context.Context, in PromptInput, opts Options) (<-chan CompletionChunk, error)
}
