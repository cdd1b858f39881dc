// Package api implements the HTTP API: the chat endpoint with optional
// SSE streaming, plus liveness and readiness probes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonahgcarpenter/oswald-ai/internal/buildinfo"
	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
)

// Asker answers chat prompts. *agent.Orchestrator satisfies it.
type Asker interface {
	Ask(ctx context.Context, prompt, userID string) (string, error)
	AskStream(ctx context.Context, prompt, userID string, cb llm.StreamCallback) (string, error)
}

// Pinger reports model-backend reachability for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here usually mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen string
	asker  Asker
	pinger Pinger
	logger *slog.Logger
	server *http.Server
}

// NewServer creates an API server.
func NewServer(listen string, asker Asker, pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen: listen,
		asker:  asker,
		pinger: pinger,
		logger: logger,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v2/chat/send", s.handleChatSend)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE responses stay open for the full
		// request lifetime.
	}

	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Oswald",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// handleReady reports degraded when the model backend is unreachable,
// independent of whether the orchestrator itself is healthy.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{
			"status":  "degraded",
			"service": "ollama",
			"detail":  err.Error(),
		}, s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"}, s.logger)
}

// ChatRequest is the inbound chat payload.
type ChatRequest struct {
	Prompt string `json:"prompt"`
	UserID string `json:"user_id"`
	Stream bool   `json:"stream,omitempty"`
}

// ChatResponse is the synchronous reply shape.
type ChatResponse struct {
	Response string `json:"response"`
	UserID   string `json:"user_id"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamChat(w, r, req)
		return
	}

	answer, err := s.asker.Ask(r.Context(), req.Prompt, req.UserID)
	if err != nil {
		s.logger.Error("chat request failed", "user_id", req.UserID, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{Response: answer, UserID: req.UserID}, s.logger)
}

// streamEvent is one SSE data frame.
type streamEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// streamChat delivers the answer as server-sent events: thinking, token
// and error frames while the agent works, then the [DONE] sentinel.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(ev streamEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Debug("failed to marshal stream event", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	_, err := s.asker.AskStream(r.Context(), req.Prompt, req.UserID, func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			send(streamEvent{Type: "token", Content: ev.Token})
		case llm.KindThinking:
			send(streamEvent{Type: "thinking", Content: ev.Thinking})
		case llm.KindError:
			send(streamEvent{Type: "error", Content: ev.Err})
		}
	})
	if err != nil {
		send(streamEvent{Type: "error", Content: err.Error()})
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
