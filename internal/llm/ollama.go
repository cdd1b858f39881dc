package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonahgcarpenter/oswald-ai/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
//
// It performs no recovery on malformed tool-call output: when a model
// emits a tool call as prose instead of the native tool_calls field,
// the message is returned as-is and the orchestrator's repair unit
// owns the fix. Conflating transport and repair hid routing decisions
// from the loop's state machine.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			// Local models with tools need time; rely on ctx for cancellation.
			httpkit.WithTimeout(5 * time.Minute),
		),
	}
}

// chatRequest is the request format for the Ollama chat API.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []wireMessage    `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *Options         `json:"options,omitempty"`
}

// wireMessage is the Ollama on-wire message shape. Correction turns are
// converted to user role at this boundary.
type wireMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

func toWire(messages []Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		if role == CorrectionRole {
			role = UserRole
		}
		out[i] = wireMessage{
			Role:       role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

// chatResponse is the response from the Ollama chat API.
type chatResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

func (r *chatResponse) unify() *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return &ChatResponse{
		Model:         r.Model,
		CreatedAt:     created,
		Message:       r.Message,
		Done:          r.Done,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
	}
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, opts, nil)
}

// ChatStream sends a streaming chat request to Ollama.
// If callback is non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := chatRequest{
		Model:    model,
		Messages: toWire(messages),
		Stream:   stream,
		Tools:    tools,
		Options:  opts,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if !stream {
		// Non-streaming: single JSON response
		var cr chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return cr.unify(), nil
	}

	// Streaming: read newline-delimited JSON
	var final chatResponse
	var contentBuilder strings.Builder
	decoder := json.NewDecoder(resp.Body)

	for {
		var chunk chatResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}

		// Tool calls arrive in the final message
		if len(chunk.Message.ToolCalls) > 0 {
			final.Message.ToolCalls = chunk.Message.ToolCalls
		}

		if chunk.Done {
			calls := final.Message.ToolCalls
			final = chunk
			if len(final.Message.ToolCalls) == 0 {
				final.Message.ToolCalls = calls
			}
			final.Message.Content = contentBuilder.String()
			break
		}
	}

	return final.unify(), nil
}

// generateRequest is the Ollama /api/generate request.
type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
}

// generateResponse is the Ollama /api/generate response.
type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends a single-turn, tool-free completion.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string, opts *Options) (string, error) {
	jsonData, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Options: opts})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return gr.Response, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}
