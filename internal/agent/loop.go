package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
	"github.com/jonahgcarpenter/oswald-ai/internal/memory"
	"github.com/jonahgcarpenter/oswald-ai/internal/search"
	"github.com/jonahgcarpenter/oswald-ai/internal/tools"
)

// failureMessage is the user-visible reply when the loop exhausts its
// retry ceiling.
const failureMessage = "Sorry, I encountered an error while processing your request."

const directSystemPrompt = "You are Oswald, a sharp-witted conversational assistant. " +
	"Answer from your own knowledge, be direct, and keep it brief."

// thoughtProtocol is injected verbatim into every agent turn. It is a
// prompting discipline, not a parser requirement: the model is told to
// self-check before acting to reduce repeated failed calls.
const thoughtProtocol = "THOUGHT PROTOCOL:\n" +
	"You MUST start every response with a <think> block. Inside, you must answer:\n" +
	"1. Observation: What did the last tool return? (e.g. 'Error: ID not found', 'Search results received')\n" +
	"2. Analysis: Does this answer the user's request, or is information missing?\n" +
	"3. Plan: What is the exact next step? (e.g. 'I need to find the ID first', 'I can now execute the final action')\n" +
	"4. Constraint Check: Am I repeating myself? If so, STOP.\n" +
	"Example: <think>The last tool failed because I used a name instead of an ID. I need to use a 'list' tool to find the correct numeric ID first.</think>\n\n" +
	"RULES:\n" +
	"1. DISCOVERY FIRST: Never guess IDs. If a tool requires an ID (e.g., guild_id, channel_id) and you don't have it, use a listing/search tool to find it first.\n" +
	"2. KNOWLEDGE GAP: If the user asks for current news or documentation, use 'web_search'.\n" +
	"3. CHECK ARGUMENTS: Do not output placeholders (e.g. '<channel_id>'). You must find the actual data.\n" +
	"4. STOP CONDITION: If you have completed the request or cannot proceed, stop. Do not loop.\n"

// terminalTool is the action whose unerrored result ends the loop: once
// the message is sent, there is nothing left to do.
const terminalTool = "discord_send_message"

// Sampling temperatures per stage. Tool-calling and classification run
// deterministic so their output stays machine-parseable; the direct
// path keeps some variety for conversational replies.
const (
	agentTemperature      = 0.0
	classifierTemperature = 0.0
	directTemperature     = 0.7
)

// Models names the model used at each stage of the graph.
type Models struct {
	Agent      string
	Classifier string
	Direct     string
}

// ChatLog persists completed exchanges and serves recent history.
// *memory.Store satisfies it; a nil ChatLog disables persistence.
type ChatLog interface {
	AppendExchange(ctx context.Context, ex memory.Exchange) error
	RecentExchanges(ctx context.Context, userID string, limit int) ([]memory.Exchange, error)
}

// Config carries the orchestrator's tunables.
type Config struct {
	Models Models

	// MaxRetries is the ceiling on error-containing tool rounds before
	// the request is abandoned.
	MaxRetries int

	// HistoryLimit is how many prior exchanges seed the conversation.
	HistoryLimit int
}

// Orchestrator runs the agent graph for one request at a time per call.
// It holds only shared, read-mostly collaborators; all per-request
// state lives in a State owned by that request.
type Orchestrator struct {
	llm        llm.Client
	registry   *tools.Registry
	classifier *Classifier
	executor   *Executor
	chatLog    ChatLog

	models       Models
	maxRetries   int
	historyLimit int

	logger *slog.Logger
}

// New creates an orchestrator. chatLog may be nil to disable history
// seeding and exchange persistence.
func New(client llm.Client, registry *tools.Registry, chatLog ChatLog, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 5
	}
	return &Orchestrator{
		llm:          client,
		registry:     registry,
		classifier:   NewClassifier(client, cfg.Models.Classifier, logger),
		executor:     NewExecutor(registry, logger),
		chatLog:      chatLog,
		models:       cfg.Models,
		maxRetries:   cfg.MaxRetries,
		historyLimit: cfg.HistoryLimit,
		logger:       logger,
	}
}

// Ask answers a prompt synchronously.
func (o *Orchestrator) Ask(ctx context.Context, prompt, userID string) (string, error) {
	return o.run(ctx, prompt, userID, nil)
}

// AskStream answers a prompt, delivering token and tool-activity events
// to cb as they happen. The final answer is also returned.
func (o *Orchestrator) AskStream(ctx context.Context, prompt, userID string, cb llm.StreamCallback) (string, error) {
	return o.run(ctx, prompt, userID, cb)
}

func (o *Orchestrator) run(ctx context.Context, prompt, userID string, cb llm.StreamCallback) (string, error) {
	verdict, err := o.classifier.Classify(ctx, prompt)
	if err != nil {
		return "", err
	}

	state := NewState(userID, o.loadHistory(ctx, userID), prompt)
	state.SetClassification(verdict)

	o.logger.Info("request classified",
		"user_id", userID,
		"classification", verdict,
		"history", len(state.Messages())-1)

	var (
		answer       string
		safe, unsafe []string
	)
	if verdict == Simple {
		answer, err = o.direct(ctx, state, cb)
	} else {
		answer, safe, unsafe, err = o.agentLoop(ctx, state, cb)
	}
	if err != nil {
		return "", err
	}

	o.saveExchange(ctx, userID, prompt, answer, safe, unsafe)

	if cb != nil {
		cb(llm.StreamEvent{Kind: llm.KindDone})
	}
	return answer, nil
}

// direct is the no-tool response path for SIMPLE requests.
func (o *Orchestrator) direct(ctx context.Context, state *State, cb llm.StreamCallback) (string, error) {
	msgs := make([]llm.Message, 0, len(state.Messages())+1)
	msgs = append(msgs, llm.Message{Role: llm.SystemRole, Content: directSystemPrompt})
	msgs = append(msgs, state.Messages()...)

	resp, err := o.llm.ChatStream(ctx, o.models.Direct, msgs, nil, &llm.Options{Temperature: directTemperature}, cb)
	if err != nil {
		return "", fmt.Errorf("direct model call: %w", err)
	}
	state.Append(resp.Message)
	return resp.Message.Content, nil
}

// agentLoop is the tool-augmented state machine. Each iteration is one
// agent turn; routing inspects the model output and either executes
// tools, repairs hallucinated tool-call text, or terminates with the
// text as the final answer.
func (o *Orchestrator) agentLoop(ctx context.Context, state *State, cb llm.StreamCallback) (answer string, safe, unsafe []string, err error) {
	ctx = tools.WithUserID(ctx, state.UserID())

	// Query text keyed by call ID, partitioned once results come back.
	pendingSearches := map[string]string{}
	repairFailures := 0

	for {
		resp, err := o.llm.ChatStream(ctx, o.models.Agent, o.buildAgentMessages(state), o.registry.List(), &llm.Options{Temperature: agentTemperature}, cb)
		if err != nil {
			return "", safe, unsafe, fmt.Errorf("agent model call: %w", err)
		}

		var calls []llm.ToolCall
		switch {
		case resp.HasToolCalls():
			// Structured channel takes priority; repair never runs here.
			calls = normalizeCallIDs(resp.Message.ToolCalls)
			resp.Message.ToolCalls = calls
			state.Append(resp.Message)

		case needsRepair(resp.Message.Content):
			state.Append(resp.Message)
			res := Repair(resp.Message.Content, o.registry)
			if len(res.Calls) == 0 {
				state.RecordErrors(res.Errors...)
				state.Append(llm.Message{Role: llm.CorrectionRole, Content: correctionFor(res.Errors)})
				o.logger.Warn("repair produced no invocations", "errors", res.Errors)

				// Malformed output shares the retry ceiling so a model
				// stuck emitting prose can't loop forever.
				repairFailures++
				if repairFailures >= o.maxRetries {
					return failureMessage, safe, unsafe, nil
				}
				continue
			}
			o.logger.Info("repaired hallucinated tool call", "count", len(res.Calls))
			state.Append(llm.Message{Role: llm.AssistantRole, ToolCalls: res.Calls})
			calls = res.Calls

		default:
			// Plain text is the final answer.
			state.Append(resp.Message)
			return resp.Message.Content, safe, unsafe, nil
		}

		for _, call := range calls {
			if cb != nil {
				cb(llm.StreamEvent{Kind: llm.KindThinking,
					Thinking: fmt.Sprintf("Accessing Tool: %s...", call.Function.Name)})
			}
			if call.Function.Name == "web_search" {
				if q, ok := call.Function.Arguments["query"].(string); ok {
					pendingSearches[call.ID] = q
				}
			}
		}

		results := o.executor.Execute(ctx, state, calls)

		hadError := false
		for _, r := range results {
			if r.IsError {
				hadError = true
			}
			o.emitToolEvent(cb, r)

			if q, ok := pendingSearches[r.CallID]; ok {
				delete(pendingSearches, r.CallID)
				if strings.Contains(r.Content, search.BlockedSentinel) {
					unsafe = append(unsafe, q)
				} else {
					safe = append(safe, q)
				}
			}
		}

		// Terminal success: the send went through, nothing left to do.
		if last := results[len(results)-1]; last.Name == terminalTool && !last.IsError &&
			!strings.Contains(last.Content, "Error") {
			return last.Content, safe, unsafe, nil
		}

		if hadError && state.RetryCount() >= o.maxRetries {
			o.logger.Warn("retry ceiling reached, abandoning request",
				"user_id", state.UserID(), "retries", state.RetryCount())
			return failureMessage, safe, unsafe, nil
		}
	}
}

// buildAgentMessages assembles the model input for one agent turn: the
// system context, the full conversation so far, and, when a prior round
// failed, a corrective override carrying the most recent error.
func (o *Orchestrator) buildAgentMessages(state *State) []llm.Message {
	msgs := make([]llm.Message, 0, len(state.Messages())+2)
	msgs = append(msgs, llm.Message{Role: llm.SystemRole, Content: o.agentSystemPrompt(state.UserID())})
	msgs = append(msgs, state.Messages()...)

	if lastErr := state.LastError(); lastErr != "" {
		msgs = append(msgs, llm.Message{
			Role: llm.CorrectionRole,
			Content: "SYSTEM_OVERRIDE: Your previous attempt failed.\n" +
				"Error: " + lastErr + "\n" +
				"INSTRUCTION: Review the error. If you need an ID, look at the existing Tool Results in the chat history instead of guessing.",
		})
	}
	return msgs
}

// agentSystemPrompt builds the per-turn system context. The tool list
// is fetched from the registry at call time, not hardcoded, so turns
// see changes in tool availability.
func (o *Orchestrator) agentSystemPrompt(userID string) string {
	now := time.Now().Format("Monday, January 02, 2006 at 03:04 PM")
	return fmt.Sprintf(
		"You are an autonomous agent. Current Time: %s\n"+
			"CURRENT USER ID: %s\n"+
			"AVAILABLE TOOLS:\n%s\n\n%s",
		now, userID, o.registry.Describe(), thoughtProtocol)
}

func (o *Orchestrator) emitToolEvent(cb llm.StreamCallback, r ToolResult) {
	if cb == nil {
		return
	}
	if r.IsError {
		cb(llm.StreamEvent{Kind: llm.KindError,
			Err: fmt.Sprintf("Tool Failed: %s", truncate(r.Content, 150))})
		return
	}
	cb(llm.StreamEvent{Kind: llm.KindThinking,
		Thinking: fmt.Sprintf("Tool Result: %s", truncate(r.Content, 150))})
}

// correctionFor picks the corrective text for a failed repair pass.
func correctionFor(errs []string) string {
	if len(errs) == 1 && errs[0] == "Failed to parse JSON" {
		return repairParseFailure
	}
	return "SYSTEM ERROR: " + strings.Join(errs, "; ")
}

// normalizeCallIDs fills in correlation IDs the provider left empty so
// every result can be tied back to its invocation.
func normalizeCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}
	return out
}

// loadHistory seeds conversation context from the chat log. Failures
// are logged and swallowed: history is a nicety, not a precondition.
func (o *Orchestrator) loadHistory(ctx context.Context, userID string) []llm.Message {
	if o.chatLog == nil {
		return nil
	}
	exchanges, err := o.chatLog.RecentExchanges(ctx, userID, o.historyLimit)
	if err != nil {
		o.logger.Error("failed to load chat history", "user_id", userID, "error", err)
		return nil
	}
	var msgs []llm.Message
	for _, ex := range exchanges {
		msgs = append(msgs,
			llm.Message{Role: llm.UserRole, Content: ex.Prompt},
			llm.Message{Role: llm.AssistantRole, Content: ex.Response},
		)
	}
	return msgs
}

// saveExchange records the completed exchange. The answer has already
// been produced, so persistence failures are logged and swallowed.
func (o *Orchestrator) saveExchange(ctx context.Context, userID, prompt, answer string, safe, unsafe []string) {
	if o.chatLog == nil {
		return
	}
	ex := memory.Exchange{
		UserID:        userID,
		Prompt:        prompt,
		Response:      answer,
		SafeQueries:   safe,
		UnsafeQueries: unsafe,
	}
	if err := o.chatLog.AppendExchange(ctx, ex); err != nil {
		o.logger.Error("failed to save chat log", "user_id", userID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
