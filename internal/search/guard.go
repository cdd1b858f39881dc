package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
)

// BlockedSentinel is the advisory string returned to the model when a
// query is refused. It is conversation content, not an execution error:
// the model is told to stop retrying and fall back to internal
// knowledge. The orchestrator also matches on it to partition search
// queries for the chat log.
const BlockedSentinel = "SYSTEM ADVICE: The search query was BLOCKED by safety guardrails. " +
	"Do NOT attempt to search for this topic again. " +
	"You must now rely on internal knowledge only."

// guardPrompt is the reflective classification instruction. The
// deny-list is deliberately narrow and explicit; everything outside it
// is SAFE.
const guardPrompt = "Analyze the following search query: '%s'.\n" +
	"Your ONLY job is a narrow safety audit before the query is sent to an external search engine.\n" +
	"Ignore politeness, toxicity, or gross humor. Those are irrelevant.\n\n" +
	"STRICTLY BLOCK ONLY THESE CATEGORIES (UNSAFE):\n" +
	"1. TERRORISM & WEAPONS: Instructions to build bombs, biological weapons, chemical toxins, or nuclear devices.\n" +
	"2. CSAM: ANY search intent related to child sexual abuse material.\n" +
	"EVERYTHING ELSE IS SAFE:\n" +
	"- Fiction/media (even violent) -> SAFE\n" +
	"- News/politics/war/controversy -> SAFE\n" +
	"- Drugs (consumption/culture) -> SAFE\n" +
	"- Edgy humor/insults -> SAFE\n\n" +
	"Verdict:\nRespond ONLY with 'SAFE' or 'UNSAFE'."

// Guard is the pre-execution safety reflection in front of the web
// search tool. A second, independent model call judges each query
// against the deny-list before the search runs.
type Guard struct {
	client llm.Client
	model  string

	// failOpen decides the verdict when the reflection call itself
	// fails: true allows the query, false blocks it. This is an
	// explicit configuration choice; the default wiring is fail-closed.
	failOpen bool

	logger *slog.Logger
}

// NewGuard creates a safety guard using the given classifier model.
func NewGuard(client llm.Client, model string, failOpen bool, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{client: client, model: model, failOpen: failOpen, logger: logger}
}

// Allow reports whether the query may be sent to the search backend.
// It never returns an error: guard-call failures resolve to the
// configured fail mode.
func (g *Guard) Allow(ctx context.Context, query string) bool {
	// Deterministic sampling: the verdict must not vary between runs.
	verdict, err := g.client.Generate(ctx, g.model, fmt.Sprintf(guardPrompt, query), &llm.Options{Temperature: 0})
	if err != nil {
		g.logger.Warn("safety reflection failed",
			"query", query,
			"fail_open", g.failOpen,
			"error", err,
		)
		return g.failOpen
	}

	v := strings.ToUpper(strings.TrimSpace(verdict))
	safe := strings.Contains(v, "SAFE") && !strings.Contains(v, "UNSAFE")

	if !safe {
		g.logger.Warn("safety reflection blocked query", "query", query)
	}
	return safe
}
