package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonahgcarpenter/oswald-ai/internal/tools"
)

// RegisterTool adds the web_search tool to the registry. guard may be
// nil, in which case queries run unchecked.
func RegisterTool(r *tools.Registry, mgr *Manager, guard *Guard, logger *slog.Logger) {
	r.Register(&tools.Tool{
		Name: "web_search",
		Description: "Queries the web for real-time information, recent events, or specific facts " +
			"not contained in your internal knowledge base.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query string.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return (1-10). Default: 4.",
				},
			},
			"required": []string{"query"},
		},
		Handler: toolHandler(mgr, guard, logger),
	})
}

func toolHandler(mgr *Manager, guard *Guard, logger *slog.Logger) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("web_search: query is required")
		}

		if guard != nil && !guard.Allow(ctx, query) {
			// Advisory content for the model, not an execution error.
			return BlockedSentinel, nil
		}

		opts := Options{}
		if count, ok := args["count"].(float64); ok && count > 0 {
			opts.Count = int(count)
		}

		logger.Info("performing web search", "query", query)

		results, err := mgr.Search(ctx, query, opts)
		if err != nil {
			return "", fmt.Errorf("web_search: %w", err)
		}

		return FormatResults(results), nil
	}
}
