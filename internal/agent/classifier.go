package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
)

// ErrClassifierUnavailable indicates the classifier's model backend
// could not be reached. It is surfaced to the caller rather than
// silently defaulting, since guessing wrong risks either unnecessary
// tool exposure or unwarranted tool denial.
var ErrClassifierUnavailable = errors.New("intent classifier backend unavailable")

const classifierPrompt = "TASK: Classify user input for an AI routing system.\n" +
	"ALLOWED CATEGORIES: 'COMPLEX' or 'SIMPLE'.\n" +
	"RULES:\n" +
	"- SIMPLE: Casual chat, greetings, or any inappropriate/harmful/offensive content.\n" +
	"- COMPLEX: Requests requiring tools (Discord, Search, etc.) or technical tasks.\n" +
	"Output ONLY the word 'SIMPLE' or 'COMPLEX'. Do not explain or refuse."

// Classifier labels an incoming message as SIMPLE or COMPLEX with a
// constrained single-turn model call.
type Classifier struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewClassifier creates an intent classifier.
func NewClassifier(client llm.Client, model string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, model: model, logger: logger}
}

// Classify returns the verdict for a single user message. A backend
// failure returns ErrClassifierUnavailable; any successful but
// ambiguous output (including refusal text) defaults to Simple, the
// no-tool-access posture.
func (c *Classifier) Classify(ctx context.Context, message string) (Classification, error) {
	prompt := classifierPrompt + "\n\nUSER INPUT: " + message

	out, err := c.client.Generate(ctx, c.model, prompt, &llm.Options{Temperature: classifierTemperature})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}

	verdict := Simple
	upper := strings.ToUpper(strings.TrimSpace(out))
	if strings.Contains(upper, "COMPLEX") && !strings.Contains(upper, "I CANNOT") {
		verdict = Complex
	}

	c.logger.Debug("classified intent", "verdict", verdict, "raw", out)
	return verdict, nil
}
