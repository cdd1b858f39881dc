// Package agent implements the orchestration graph: intent
// classification, the tool-augmented agent loop, hallucination repair,
// and tool execution. One State is created per request and owned
// exclusively by that request; nothing here is shared across requests.
package agent

import (
	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
)

// Classification is the intent classifier's verdict for a request.
type Classification string

const (
	// Simple routes to the direct response path with no tool access.
	Simple Classification = "SIMPLE"

	// Complex routes to the full tool-augmented agent loop.
	Complex Classification = "COMPLEX"
)

// State is the conversation state threaded through the orchestration
// graph. The message sequence is append-only: repair and tool steps
// extend it, never rewrite it. Classification is set once and retryCount
// only increases.
type State struct {
	messages       []llm.Message
	classification Classification
	retryCount     int
	errors         []string
	userID         string
}

// NewState creates request state seeded with prior conversation history
// (oldest first) followed by the current user prompt.
func NewState(userID string, history []llm.Message, prompt string) *State {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.UserRole, Content: prompt})
	return &State{
		messages: msgs,
		userID:   userID,
	}
}

// Append extends the message sequence.
func (s *State) Append(msgs ...llm.Message) {
	s.messages = append(s.messages, msgs...)
}

// Messages returns the current message sequence. Callers must not
// mutate the returned slice; use Append to extend it.
func (s *State) Messages() []llm.Message {
	return s.messages
}

// Last returns the most recent message, or a zero Message if empty.
func (s *State) Last() llm.Message {
	if len(s.messages) == 0 {
		return llm.Message{}
	}
	return s.messages[len(s.messages)-1]
}

// SetClassification records the classifier verdict. It is a no-op if a
// classification has already been set.
func (s *State) SetClassification(c Classification) {
	if s.classification == "" {
		s.classification = c
	}
}

// Classification returns the recorded verdict.
func (s *State) Classification() Classification {
	return s.classification
}

// RecordErrors appends error descriptions from a repair or tool round.
func (s *State) RecordErrors(errs ...string) {
	s.errors = append(s.errors, errs...)
}

// LastError returns the most recent error description, or "" if none.
// This is the one fed back to the model as corrective context.
func (s *State) LastError() string {
	if len(s.errors) == 0 {
		return ""
	}
	return s.errors[len(s.errors)-1]
}

// IncrementRetry bumps the retry counter by one. Called once per tool
// round that contained at least one error, never per failed call.
func (s *State) IncrementRetry() {
	s.retryCount++
}

// RetryCount returns the current retry counter.
func (s *State) RetryCount() int {
	return s.retryCount
}

// UserID returns the requesting actor's identifier.
func (s *State) UserID() string {
	return s.userID
}
