package harnessports

import (
	"context"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string // "system", "user", "assistant"
	Name    string // optional speaker name forwarded to the provider
	Content string
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // high-level system instructions
	Messages []PromptMessage   // ordered chat messages after the system prompt
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling and limits for a single completion.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float32
	Stop        []string
	// TimeoutMs applies to the provider call only
	TimeoutMs int
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's non-streaming response.
type Completion struct {
	Text         string
	FinishReason string
	Model        string
	Usage        *Usage // optional usage information
}

// Provider is the abstraction for chat completion backends.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
