package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		if len(req.Tools) != 1 {
			t.Errorf("tools = %d, want 1", len(req.Tools))
		}

		fmt.Fprint(w, `{
			"model": "qwen3:8b",
			"created_at": "2025-01-05T10:00:00Z",
			"message": {"role": "assistant", "content": "Paris."},
			"done": true,
			"prompt_eval_count": 42,
			"eval_count": 7
		}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	resp, err := c.Chat(context.Background(), "qwen3:8b",
		[]Message{{Role: UserRole, Content: "capital of France?"}},
		[]map[string]any{{"type": "function"}},
		nil,
	)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Message.Content != "Paris." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.HasToolCalls() {
		t.Error("unexpected tool calls")
	}
}

func TestChatPreservesProseToolCallText(t *testing.T) {
	// A model that leaks a tool call as prose must come back verbatim;
	// the repair unit upstream owns recovery, not the client.
	leaked := `{"name": "web_search", "arguments": {"query": "go release date"}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := chatResponse{
			Model:   "qwen3:8b",
			Message: Message{Role: AssistantRole, Content: leaked},
			Done:    true,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	resp, err := c.Chat(context.Background(), "qwen3:8b", nil, nil, nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.HasToolCalls() {
		t.Error("client must not synthesize tool calls from prose")
	}
	if resp.Message.Content != leaked {
		t.Errorf("content altered: %q", resp.Message.Content)
	}
}

func TestChatStreamAccumulatesTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunks := []string{
			`{"model":"m","message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"model":"m","message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"model":"m","message":{"role":"assistant","content":""},"done":true,"eval_count":2}`,
		}
		for _, c := range chunks {
			fmt.Fprintln(w, c)
		}
	}))
	defer srv.Close()

	var tokens []string
	c := NewOllamaClient(srv.URL)
	resp, err := c.ChatStream(context.Background(), "m", nil, nil, nil, func(ev StreamEvent) {
		if ev.Kind == KindToken {
			tokens = append(tokens, ev.Token)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	if resp.Message.Content != "Hello" {
		t.Errorf("content = %q, want Hello", resp.Message.Content)
	}
	if len(tokens) != 2 {
		t.Errorf("tokens streamed = %d, want 2", len(tokens))
	}
}

func TestChatStreamCarriesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"web_search","arguments":{"query":"x"}}}]},"done":false}`)
		fmt.Fprintln(w, `{"model":"m","message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	resp, err := c.ChatStream(context.Background(), "m", nil, nil, nil, func(StreamEvent) {})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if !resp.HasToolCalls() {
		t.Fatal("tool calls from interim chunk were dropped")
	}
	if got := resp.Message.ToolCalls[0].Function.Name; got != "web_search" {
		t.Errorf("tool name = %q", got)
	}
}

func TestRequestsCarrySamplingOptions(t *testing.T) {
	// A pinned temperature of 0 must survive onto the wire: dropping it
	// would leave the model at its default and destabilize tool-call
	// output. Raw bodies are inspected because decoding into the
	// request struct can't tell "temperature":0 from an absent key.
	var chatBody, genBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/api/chat":
			chatBody = string(body)
			fmt.Fprint(w, `{"model":"m","message":{"role":"assistant","content":"ok"},"done":true}`)
		case "/api/generate":
			genBody = string(body)
			fmt.Fprint(w, `{"response":"ok"}`)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	if _, err := c.Chat(context.Background(), "m", nil, nil, &Options{Temperature: 0}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if !strings.Contains(chatBody, `"options":{"temperature":0}`) {
		t.Errorf("chat body lacks pinned temperature: %s", chatBody)
	}

	if _, err := c.Generate(context.Background(), "m", "p", &Options{Temperature: 0.7}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.Contains(genBody, `"options":{"temperature":0.7}`) {
		t.Errorf("generate body lacks temperature: %s", genBody)
	}

	if _, err := c.Chat(context.Background(), "m", nil, nil, nil); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if strings.Contains(chatBody, `"options"`) {
		t.Errorf("nil opts must omit the options key: %s", chatBody)
	}
}

func TestGenerateAndPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			var req generateRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Model != "phi:2.7b" {
				t.Errorf("model = %q", req.Model)
			}
			fmt.Fprint(w, `{"response": "SIMPLE"}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models": []}`)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	out, err := c.Generate(context.Background(), "phi:2.7b", "classify this", nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "SIMPLE" {
		t.Errorf("response = %q", out)
	}

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestPingUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately: connection refused

	c := NewOllamaClient(srv.URL)
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error for unreachable backend")
	}
}

func TestCorrectionRoleRewrittenOnWire(t *testing.T) {
	msgs := []Message{
		{Role: SystemRole, Content: "s"},
		{Role: CorrectionRole, Content: "SYSTEM ERROR: ..."},
	}
	wire := toWire(msgs)
	if wire[0].Role != SystemRole {
		t.Errorf("system role changed: %q", wire[0].Role)
	}
	if wire[1].Role != UserRole {
		t.Errorf("correction role = %q, want user", wire[1].Role)
	}
}
