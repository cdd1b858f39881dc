// Package llm provides LLM client implementations.
package llm

import (
	"time"
)

// Role values for chat messages. ToolRole carries tool results back to
// the model; CorrectionRole carries system-correction turns injected by
// the orchestrator (rendered as user turns on the wire, since local
// models follow mid-conversation user instructions more reliably than
// extra system turns).
const (
	SystemRole     = "system"
	UserRole       = "user"
	AssistantRole  = "assistant"
	ToolRole       = "tool"
	CorrectionRole = "correction"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a structured tool call from the model.
type ToolCall struct {
	// ID correlates an invocation with its eventual tool result.
	// Ollama does not assign IDs, so the orchestrator synthesizes one
	// when the field is empty.
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// NewToolCall builds a ToolCall. The anonymous Function struct makes
// literal construction awkward, so the orchestrator and tests use this.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	var tc ToolCall
	tc.ID = id
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

// Options are model sampling parameters sent with a request. A nil
// *Options leaves the provider's defaults in place. Temperature has no
// omitempty tag: a pinned 0 must survive onto the wire, since
// deterministic sampling is what keeps tool-call output parseable.
type Options struct {
	Temperature float64 `json:"temperature"`
}

// ChatResponse is the unified response from a chat completion.
// Wire format conversion happens at the provider boundary (ollama.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage
	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// HasToolCalls reports whether the model used the structured
// tool-invocation channel. When true the orchestrator never runs the
// text-repair scan on this message.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}

// StreamEvent is a single event in a streaming response. Consumers
// switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// Thinking is set for KindThinking events (tool activity notices).
	Thinking string

	// Err is set for KindError events.
	Err string
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindThinking is a progress notice (tool started, tool result).
	KindThinking

	// KindError is a non-fatal error surfaced to the stream consumer.
	KindError

	// KindDone signals the stream is complete.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
