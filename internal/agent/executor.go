package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
	"github.com/jonahgcarpenter/oswald-ai/internal/tools"
)

// ToolResult ties one invocation's outcome back to the call that
// produced it.
type ToolResult struct {
	CallID  string
	Name    string
	Args    map[string]any
	Content string
	IsError bool
}

// Executor dispatches validated tool invocations against the registry.
type Executor struct {
	registry *tools.Registry
	logger   *slog.Logger
}

// NewExecutor creates a tool executor.
func NewExecutor(registry *tools.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger}
}

// Execute runs every invocation in the round. Invocations are
// dispatched concurrently (they are independent by construction) and
// the results are reassembled in invocation order, so the next agent
// turn sees a deterministic sequence. A failing invocation never aborts
// its siblings; its error becomes an error-tagged result. An unknown
// tool name is recorded as an error result without calling anything.
func (e *Executor) Execute(ctx context.Context, state *State, calls []llm.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = uuid.NewString()
		}
		results[i] = ToolResult{
			CallID: id,
			Name:   call.Function.Name,
			Args:   call.Function.Arguments,
		}

		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()

			e.logger.Info("executing tool",
				"tool", call.Function.Name,
				"call_id", results[i].CallID,
				"user_id", state.UserID())

			out, err := e.registry.Execute(ctx, call.Function.Name, call.Function.Arguments)
			if err != nil {
				results[i].Content = fmt.Sprintf("Error executing %s: %v", call.Function.Name, err)
				results[i].IsError = true
				e.logger.Warn("tool execution failed", "tool", call.Function.Name, "error", err)
				return
			}
			results[i].Content = out
		}(i, call)
	}
	wg.Wait()

	hadError := false
	for _, r := range results {
		if r.IsError {
			hadError = true
			state.RecordErrors(r.Content)
		}
		state.Append(llm.Message{
			Role:       llm.ToolRole,
			Content:    r.Content,
			ToolCallID: r.CallID,
		})
	}

	// One increment per error-containing round, never per failed call.
	if hadError {
		state.IncrementRetry()
	}

	return results
}
