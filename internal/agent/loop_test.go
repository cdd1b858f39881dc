package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
	"github.com/jonahgcarpenter/oswald-ai/internal/memory"
	"github.com/jonahgcarpenter/oswald-ai/internal/search"
	"github.com/jonahgcarpenter/oswald-ai/internal/tools"
)

var testModels = Models{Agent: "agent-model", Classifier: "classifier-model", Direct: "direct-model"}

// fakeChatLog records appended exchanges and serves scripted history.
type fakeChatLog struct {
	mu        sync.Mutex
	history   []memory.Exchange
	appended  []memory.Exchange
	appendErr error
}

func (f *fakeChatLog) AppendExchange(ctx context.Context, ex memory.Exchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, ex)
	return nil
}

func (f *fakeChatLog) RecentExchanges(ctx context.Context, userID string, limit int) ([]memory.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func newOrchestrator(mock *mockLLM, registry *tools.Registry, chatLog ChatLog) *Orchestrator {
	return New(mock, registry, chatLog, Config{Models: testModels}, discardLogger())
}

func TestDirectPathForSimpleRequests(t *testing.T) {
	mock := &mockLLM{
		generateOut:   "SIMPLE",
		chatResponses: []*llm.ChatResponse{textResponse("Hello back!")},
	}
	log := &fakeChatLog{}
	o := newOrchestrator(mock, newRegistry("web_search"), log)

	answer, err := o.Ask(context.Background(), "hi", "u1")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer != "Hello back!" {
		t.Errorf("answer = %q", answer)
	}

	turns := mock.turns()
	if len(turns) != 1 {
		t.Fatalf("chat turns = %d, want 1", len(turns))
	}
	if turns[0].model != "direct-model" {
		t.Errorf("model = %q, want direct model", turns[0].model)
	}
	if turns[0].tools != nil {
		t.Error("direct path must not expose tools")
	}
	if len(log.appended) != 1 || log.appended[0].Response != "Hello back!" {
		t.Errorf("appended = %+v, want exchange persisted", log.appended)
	}
}

func TestStageTemperatures(t *testing.T) {
	// Direct replies keep sampling variety; everything whose output is
	// parsed by machinery runs deterministic.
	mock := &mockLLM{
		generateOut:   "SIMPLE",
		chatResponses: []*llm.ChatResponse{textResponse("Hello back!")},
	}
	o := newOrchestrator(mock, newRegistry("web_search"), nil)
	if _, err := o.Ask(context.Background(), "hi", "u1"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	if len(mock.generateOpts) != 1 || mock.generateOpts[0] == nil || mock.generateOpts[0].Temperature != 0 {
		t.Errorf("classifier opts = %+v, want temperature 0", mock.generateOpts)
	}
	turns := mock.turns()
	if len(turns) != 1 || turns[0].opts == nil || turns[0].opts.Temperature != 0.7 {
		t.Errorf("direct turn opts = %+v, want temperature 0.7", turns)
	}

	mock = &mockLLM{
		generateOut:   "COMPLEX",
		chatResponses: []*llm.ChatResponse{textResponse("done, no tools needed")},
	}
	o = newOrchestrator(mock, newRegistry("web_search"), nil)
	if _, err := o.Ask(context.Background(), "do something", "u1"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	turns = mock.turns()
	if len(turns) != 1 || turns[0].opts == nil || turns[0].opts.Temperature != 0 {
		t.Errorf("agent turn opts = %+v, want temperature 0", turns)
	}
}

func TestClassifierFailureSurfaces(t *testing.T) {
	mock := &mockLLM{generateErr: errors.New("dial tcp: connection refused")}
	o := newOrchestrator(mock, newRegistry(), nil)

	_, err := o.Ask(context.Background(), "hi", "u1")
	if !errors.Is(err, ErrClassifierUnavailable) {
		t.Fatalf("error = %v, want ErrClassifierUnavailable", err)
	}
	if len(mock.turns()) != 0 {
		t.Error("no chat call may happen when classification fails")
	}
}

func TestAgentSystemPromptContents(t *testing.T) {
	mock := &mockLLM{
		generateOut:   "COMPLEX",
		chatResponses: []*llm.ChatResponse{textResponse("all done")},
	}
	o := newOrchestrator(mock, newRegistry("web_search", "save_user_memory"), nil)

	if _, err := o.Ask(context.Background(), "do things", "user-42"); err != nil {
		t.Fatal(err)
	}

	turns := mock.turns()
	sys := turns[0].messages[0]
	if sys.Role != llm.SystemRole {
		t.Fatalf("first message role = %q, want system", sys.Role)
	}
	for _, want := range []string{
		"Current Time:",
		"CURRENT USER ID: user-42",
		"AVAILABLE TOOLS:",
		"'web_search'",
		"'save_user_memory'",
		"THOUGHT PROTOCOL:",
		"Constraint Check",
		"DISCOVERY FIRST",
	} {
		if !strings.Contains(sys.Content, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(turns[0].tools) != 2 {
		t.Errorf("tools on wire = %d, want 2", len(turns[0].tools))
	}
}

func TestStructuredCallsTakePriorityOverProse(t *testing.T) {
	var executions int
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name: "web_search",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			executions++
			return "search results", nil
		},
	})

	// The model emits a structured call AND hallucinated JSON prose in
	// the same turn. Only the structured channel may execute.
	mixed := toolCallResponse(llm.NewToolCall("", "web_search", map[string]any{"query": "go"}))
	mixed.Message.Content = `I will search now: {"name": "web_search", "arguments": {"query": "go"}}`

	mock := &mockLLM{
		generateOut:   "COMPLEX",
		chatResponses: []*llm.ChatResponse{mixed, textResponse("final answer")},
	}
	o := newOrchestrator(mock, r, nil)

	answer, err := o.Ask(context.Background(), "search go", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "final answer" {
		t.Errorf("answer = %q", answer)
	}
	if executions != 1 {
		t.Errorf("executions = %d, repair must not duplicate the structured call", executions)
	}
}

func TestRepairedProseCallExecutes(t *testing.T) {
	var gotQuery string
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name: "web_search",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			gotQuery, _ = args["query"].(string)
			return "search results", nil
		},
	})

	mock := &mockLLM{
		generateOut: "COMPLEX",
		chatResponses: []*llm.ChatResponse{
			textResponse(`Sure! {"name": "web_search", "arguments": {"query": "capital of France"}} done.`),
			textResponse("Paris is the capital of France."),
		},
	}
	o := newOrchestrator(mock, r, nil)

	answer, err := o.Ask(context.Background(), "capital of France?", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != "capital of France" {
		t.Errorf("query = %q, want repaired arguments passed through", gotQuery)
	}
	if answer != "Paris is the capital of France." {
		t.Errorf("answer = %q", answer)
	}
}

func TestRepairFailureInjectsCorrection(t *testing.T) {
	mock := &mockLLM{
		generateOut: "COMPLEX",
		chatResponses: []*llm.ChatResponse{
			textResponse(`I'll run the tool: "arguments": oops this is not JSON`),
			textResponse("recovered answer"),
		},
	}
	o := newOrchestrator(mock, newRegistry("web_search"), nil)

	answer, err := o.Ask(context.Background(), "do it", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "recovered answer" {
		t.Errorf("answer = %q", answer)
	}

	turns := mock.turns()
	if len(turns) != 2 {
		t.Fatalf("chat turns = %d, want 2", len(turns))
	}
	var sawCorrection bool
	for _, m := range turns[1].messages {
		if strings.Contains(m.Content, "SYSTEM ERROR: You wrote text instead of running the tool") {
			sawCorrection = true
		}
	}
	if !sawCorrection {
		t.Error("second turn must carry the corrective system-error text")
	}
}

func TestRepairFailureCeiling(t *testing.T) {
	bad := `still prose with "arguments": and no valid JSON`
	mock := &mockLLM{
		generateOut: "COMPLEX",
		chatResponses: []*llm.ChatResponse{
			textResponse(bad), textResponse(bad), textResponse(bad), textResponse(bad),
		},
	}
	o := newOrchestrator(mock, newRegistry("web_search"), nil)

	answer, err := o.Ask(context.Background(), "do it", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if answer != failureMessage {
		t.Errorf("answer = %q, want the failure message", answer)
	}
	if got := len(mock.turns()); got != 3 {
		t.Errorf("chat turns = %d, want 3 (ceiling reached)", got)
	}
}

func TestRetryCeilingThreeErrorRounds(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("downstream unavailable")
		},
	})

	call := func() *llm.ChatResponse {
		return toolCallResponse(llm.NewToolCall("", "flaky", nil))
	}
	mock := &mockLLM{
		generateOut:   "COMPLEX",
		chatResponses: []*llm.ChatResponse{call(), call(), call(), call()},
	}
	o := newOrchestrator(mock, r, nil)

	answer, err := o.Ask(context.Background(), "do it", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if answer != failureMessage {
		t.Errorf("answer = %q, want the failure message", answer)
	}
	// Three error rounds, then give up: never a fourth agent call.
	if got := len(mock.turns()); got != 3 {
		t.Errorf("chat turns = %d, want 3", got)
	}
}

func TestErrorFeedbackCarriesSystemOverride(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("ID not found")
		},
	})

	mock := &mockLLM{
		generateOut: "COMPLEX",
		chatResponses: []*llm.ChatResponse{
			toolCallResponse(llm.NewToolCall("", "flaky", nil)),
			textResponse("giving a plain answer instead"),
		},
	}
	o := newOrchestrator(mock, r, nil)

	if _, err := o.Ask(context.Background(), "do it", "u1"); err != nil {
		t.Fatal(err)
	}

	turns := mock.turns()
	if len(turns) != 2 {
		t.Fatalf("chat turns = %d, want 2", len(turns))
	}
	last := turns[1].messages[len(turns[1].messages)-1]
	if !strings.Contains(last.Content, "SYSTEM_OVERRIDE") {
		t.Errorf("last message = %q, want SYSTEM_OVERRIDE prefix", last.Content)
	}
	if !strings.Contains(last.Content, "ID not found") {
		t.Errorf("last message = %q, want the most recent error embedded", last.Content)
	}
}

func TestTerminalSendEndsLoop(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name: "discord_send_message",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "Message sent successfully! (ID: 777)", nil
		},
	})

	mock := &mockLLM{
		generateOut: "COMPLEX",
		chatResponses: []*llm.ChatResponse{
			toolCallResponse(llm.NewToolCall("", "discord_send_message",
				map[string]any{"channel_id": "99887766", "content": "hi"})),
		},
	}
	o := newOrchestrator(mock, r, nil)

	answer, err := o.Ask(context.Background(), "send hi", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(answer, "Message sent successfully") {
		t.Errorf("answer = %q", answer)
	}
	if got := len(mock.turns()); got != 1 {
		t.Errorf("chat turns = %d, want 1 (send success is terminal)", got)
	}
}

func TestFailedSendIsNotTerminal(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name: "discord_send_message",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("Missing Permissions")
		},
	})

	mock := &mockLLM{
		generateOut: "COMPLEX",
		chatResponses: []*llm.ChatResponse{
			toolCallResponse(llm.NewToolCall("", "discord_send_message", map[string]any{"channel_id": "1"})),
			textResponse("I could not send the message."),
		},
	}
	o := newOrchestrator(mock, r, nil)

	answer, err := o.Ask(context.Background(), "send hi", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "I could not send the message." {
		t.Errorf("answer = %q, failed send must loop back to the agent", answer)
	}
}

func TestHistorySeedsConversation(t *testing.T) {
	log := &fakeChatLog{history: []memory.Exchange{
		{Prompt: "first question", Response: "first answer"},
		{Prompt: "second question", Response: "second answer"},
	}}
	mock := &mockLLM{
		generateOut:   "COMPLEX",
		chatResponses: []*llm.ChatResponse{textResponse("done")},
	}
	o := newOrchestrator(mock, newRegistry(), log)

	if _, err := o.Ask(context.Background(), "third question", "u1"); err != nil {
		t.Fatal(err)
	}

	msgs := mock.turns()[0].messages
	// system, u1, a1, u2, a2, current prompt
	if len(msgs) != 6 {
		t.Fatalf("messages = %d, want 6", len(msgs))
	}
	if msgs[1].Content != "first question" || msgs[2].Content != "first answer" {
		t.Errorf("history not seeded oldest-first: %+v", msgs[1:3])
	}
	if msgs[5].Content != "third question" || msgs[5].Role != llm.UserRole {
		t.Errorf("current prompt must come last: %+v", msgs[5])
	}
}

func TestSearchQueriesPartitionedInChatLog(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name: "web_search",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if args["query"] == "blocked topic" {
				return search.BlockedSentinel, nil
			}
			return "useful results", nil
		},
	})

	log := &fakeChatLog{}
	mock := &mockLLM{
		generateOut: "COMPLEX",
		chatResponses: []*llm.ChatResponse{
			toolCallResponse(
				llm.NewToolCall("", "web_search", map[string]any{"query": "safe topic"}),
				llm.NewToolCall("", "web_search", map[string]any{"query": "blocked topic"}),
			),
			textResponse("here is what I found"),
		},
	}
	o := newOrchestrator(mock, r, log)

	if _, err := o.Ask(context.Background(), "research", "u1"); err != nil {
		t.Fatal(err)
	}

	if len(log.appended) != 1 {
		t.Fatalf("appended = %d exchanges, want 1", len(log.appended))
	}
	ex := log.appended[0]
	if len(ex.SafeQueries) != 1 || ex.SafeQueries[0] != "safe topic" {
		t.Errorf("safe queries = %v", ex.SafeQueries)
	}
	if len(ex.UnsafeQueries) != 1 || ex.UnsafeQueries[0] != "blocked topic" {
		t.Errorf("unsafe queries = %v", ex.UnsafeQueries)
	}
}

func TestPersistenceFailureSwallowed(t *testing.T) {
	log := &fakeChatLog{appendErr: errors.New("disk full")}
	mock := &mockLLM{
		generateOut:   "SIMPLE",
		chatResponses: []*llm.ChatResponse{textResponse("still fine")},
	}
	o := newOrchestrator(mock, newRegistry(), log)

	answer, err := o.Ask(context.Background(), "hi", "u1")
	if err != nil {
		t.Fatalf("Ask() error = %v, persistence failure must not fail the request", err)
	}
	if answer != "still fine" {
		t.Errorf("answer = %q", answer)
	}
}

func TestAskStreamEmitsToolActivityAndDone(t *testing.T) {
	r := newRegistry("web_search")
	mock := &mockLLM{
		generateOut: "COMPLEX",
		chatResponses: []*llm.ChatResponse{
			toolCallResponse(llm.NewToolCall("", "web_search", map[string]any{"query": "go"})),
			textResponse("streamed answer"),
		},
	}
	o := newOrchestrator(mock, r, nil)

	var events []llm.StreamEvent
	answer, err := o.AskStream(context.Background(), "search", "u1", func(ev llm.StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	if answer != "streamed answer" {
		t.Errorf("answer = %q", answer)
	}

	var sawAccess, sawResult, sawToken, sawDone bool
	for _, ev := range events {
		switch ev.Kind {
		case llm.KindThinking:
			if strings.HasPrefix(ev.Thinking, "Accessing Tool: web_search") {
				sawAccess = true
			}
			if strings.HasPrefix(ev.Thinking, "Tool Result:") {
				sawResult = true
			}
		case llm.KindToken:
			sawToken = true
		case llm.KindDone:
			sawDone = true
		}
	}
	if !sawAccess || !sawResult || !sawToken || !sawDone {
		t.Errorf("events missing: access=%v result=%v token=%v done=%v",
			sawAccess, sawResult, sawToken, sawDone)
	}
	if events[len(events)-1].Kind != llm.KindDone {
		t.Error("done must be the final event")
	}
}

func TestUserIDThreadedToTools(t *testing.T) {
	var gotUser string
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name: "whoami",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			gotUser = tools.UserIDFromContext(ctx)
			return "ok", nil
		},
	})

	mock := &mockLLM{
		generateOut: "COMPLEX",
		chatResponses: []*llm.ChatResponse{
			toolCallResponse(llm.NewToolCall("", "whoami", nil)),
			textResponse("done"),
		},
	}
	o := newOrchestrator(mock, r, nil)

	if _, err := o.Ask(context.Background(), "who am I", "user-42"); err != nil {
		t.Fatal(err)
	}
	if gotUser != "user-42" {
		t.Errorf("user ID in tool context = %q, want user-42", gotUser)
	}
}
