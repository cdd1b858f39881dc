// Package llm provides LLM client implementations.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools carries the tool definitions the model may call; nil means
	// no tool access for this turn. opts may be nil for provider
	// defaults.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is
	// non-nil, token events are delivered to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options, callback StreamCallback) (*ChatResponse, error)

	// Generate sends a single-turn completion with no history or
	// tools. Used by the intent classifier and the search guard.
	Generate(ctx context.Context, model, prompt string, opts *Options) (string, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
