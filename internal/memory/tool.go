package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonahgcarpenter/oswald-ai/internal/tools"
)

// RegisterTools adds the four memory tools to the registry. The user
// scope is taken from the request context at call time, never from the
// model's arguments, so one user cannot read another's memories by
// fabricating an ID.
func RegisterTools(r *tools.Registry, store *Store, logger *slog.Logger) {
	textParam := func(name, desc string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				name: map[string]any{
					"type":        "string",
					"description": desc,
				},
			},
			"required": []string{name},
		}
	}

	r.Register(&tools.Tool{
		Name: "save_user_memory",
		Description: "Saves a persistent fact about the USER (e.g., name, hobbies, preferences). " +
			"ONLY use this when the user explicitly shares a new fact about themselves. " +
			"Reword the content as a clear, third-person statement. " +
			"Never save general knowledge or your own answers here.",
		Parameters: textParam("text", "The fact to remember, in third person."),
		Handler:    saveHandler(store, logger, userScope, "text"),
	})

	r.Register(&tools.Tool{
		Name: "search_user_memory",
		Description: "Searches long-term memory for facts about the user. " +
			"Use this when the user asks about themselves, their preferences, or past conversations. " +
			"Do NOT use for general questions.",
		Parameters: textParam("query", "What to look up about the user."),
		Handler:    searchHandler(store, logger, userScope),
	})

	r.Register(&tools.Tool{
		Name: "save_global_memory",
		Description: "Saves a fact about YOUR core identity or universal system rules, visible to ALL users. " +
			"NEVER save user-specific data (names, likes) here.",
		Parameters: textParam("text", "The shared fact to remember."),
		Handler:    saveHandler(store, logger, globalScope, "text"),
	})

	r.Register(&tools.Tool{
		Name: "search_global_memory",
		Description: "Searches shared memory for facts about your own identity or system rules. " +
			"Use only when the user asks about YOU or the system, not for world knowledge.",
		Parameters: textParam("query", "What to look up about the assistant or system."),
		Handler:    searchHandler(store, logger, globalScope),
	})
}

// scopeFunc resolves the memory scope for a tool invocation.
type scopeFunc func(ctx context.Context) (string, error)

func userScope(ctx context.Context) (string, error) {
	id := tools.UserIDFromContext(ctx)
	if id == "" {
		return "", fmt.Errorf("memory tool called without a user in context")
	}
	return id, nil
}

func globalScope(context.Context) (string, error) {
	return GlobalScope, nil
}

func saveHandler(store *Store, logger *slog.Logger, scope scopeFunc, param string) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		text, _ := args[param].(string)
		if strings.TrimSpace(text) == "" {
			return "", fmt.Errorf("%s is required", param)
		}

		sc, err := scope(ctx)
		if err != nil {
			return "Memory tool is not configured.", nil
		}

		if err := store.Add(ctx, sc, text); err != nil {
			logger.Error("memory save failed", "scope", sc, "error", err)
			return "", fmt.Errorf("save memory: %w", err)
		}
		return fmt.Sprintf("Successfully saved: '%s' to memory.", text), nil
	}
}

func searchHandler(store *Store, logger *slog.Logger, scope scopeFunc) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return "", fmt.Errorf("query is required")
		}

		sc, err := scope(ctx)
		if err != nil {
			return "Memory tool is not configured.", nil
		}

		k := 5
		if v, ok := args["k"].(float64); ok && v > 0 {
			k = int(v)
		}

		entries, err := store.Search(ctx, sc, query, k)
		if err != nil {
			logger.Error("memory search failed", "scope", sc, "error", err)
			return "", fmt.Errorf("search memory: %w", err)
		}

		if len(entries) == 0 {
			return "No relevant information found in memory.", nil
		}

		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = e.Content
		}
		return "Found the following relevant information:\n" + strings.Join(lines, "\n"), nil
	}
}
