package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
)

// chatTurn records one Chat/ChatStream invocation for assertions.
type chatTurn struct {
	model    string
	messages []llm.Message
	tools    []map[string]any
	opts     *llm.Options
}

// mockLLM scripts chat responses in order and records every call.
type mockLLM struct {
	mu sync.Mutex

	chatResponses []*llm.ChatResponse
	chatErr       error
	chatTurns     []chatTurn

	generateOut   string
	generateErr   error
	generateCalls []string
	generateOpts  []*llm.Options

	pingErr error
}

func (m *mockLLM) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, opts *llm.Options) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, messages, tools, opts, nil)
}

func (m *mockLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, opts *llm.Options, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgCopy := make([]llm.Message, len(messages))
	copy(msgCopy, messages)
	m.chatTurns = append(m.chatTurns, chatTurn{model: model, messages: msgCopy, tools: tools, opts: opts})

	if m.chatErr != nil {
		return nil, m.chatErr
	}
	if len(m.chatResponses) == 0 {
		return nil, errors.New("mockLLM: no scripted responses left")
	}
	resp := m.chatResponses[0]
	m.chatResponses = m.chatResponses[1:]

	if cb != nil && resp.Message.Content != "" {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
	}
	return resp, nil
}

func (m *mockLLM) Generate(ctx context.Context, model, prompt string, opts *llm.Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls = append(m.generateCalls, prompt)
	m.generateOpts = append(m.generateOpts, opts)
	if m.generateErr != nil {
		return "", m.generateErr
	}
	return m.generateOut, nil
}

func (m *mockLLM) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockLLM) turns() []chatTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chatTurn, len(m.chatTurns))
	copy(out, m.chatTurns)
	return out
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: llm.AssistantRole, Content: content},
		Done:    true,
	}
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: llm.AssistantRole, ToolCalls: calls},
		Done:    true,
	}
}
