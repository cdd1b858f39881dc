// Oswald is a conversational agent that routes requests through a
// graph of LLM calls and external tools: web search behind a safety
// guard, long-term vector memory, and Discord actions.
//
// It exposes an HTTP chat API with optional SSE streaming and an
// optional Discord gateway listener that answers mentions.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	oswald serve              Start the API server (and gateway listener)
//	oswald ask <question>     Ask a single question (for testing)
//	oswald version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonahgcarpenter/oswald-ai/internal/agent"
	"github.com/jonahgcarpenter/oswald-ai/internal/api"
	"github.com/jonahgcarpenter/oswald-ai/internal/buildinfo"
	"github.com/jonahgcarpenter/oswald-ai/internal/config"
	"github.com/jonahgcarpenter/oswald-ai/internal/discord"
	"github.com/jonahgcarpenter/oswald-ai/internal/embeddings"
	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
	"github.com/jonahgcarpenter/oswald-ai/internal/memory"
	"github.com/jonahgcarpenter/oswald-ai/internal/search"
	"github.com/jonahgcarpenter/oswald-ai/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the oswald command. Arguments are
// parsed by hand: the flag package relies on package-level globals
// (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and our argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: oswald ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Oswald - Conversational Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: oswald [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/oswald/config.yaml, /etc/oswald/config.yaml")
	return nil
}

// runAsk handles "oswald ask <question>". It boots the orchestrator
// without the API server or gateway listener and answers one question.
// Useful for quick smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	deps, err := buildAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	question := strings.Join(args, " ")
	answer, err := deps.Orchestrator.Ask(ctx, question, "cli")
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, answer)
	return nil
}

// runServe handles "oswald serve": loads config, opens the memory
// database, registers all tools, starts the HTTP API (and the Discord
// gateway listener when configured), and blocks until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Oswald",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known. The initial
	// Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"listen", listenAddr(cfg),
		"agent_model", cfg.Ollama.AgentModel,
		"ollama_url", cfg.Ollama.URL)

	deps, err := buildAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Discord gateway listener: answers mentions in guild channels.
	if cfg.Discord.Enabled && cfg.Discord.Token != "" {
		gw := newMentionGateway(cfg, deps, logger)
		go func() {
			if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("discord gateway stopped", "error", err)
			}
		}()
	}

	server := api.NewServer(listenAddr(cfg), deps.Orchestrator, deps.LLM, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// agentDeps bundles everything buildAgent constructs so callers can
// close the stores on exit.
type agentDeps struct {
	Orchestrator *agent.Orchestrator
	LLM          *llm.OllamaClient
	Registry     *tools.Registry
	Memory       *memory.Store
	Discord      *discord.Client
}

func (d *agentDeps) Close() {
	if d.Memory != nil {
		d.Memory.Close()
	}
}

// buildAgent wires the full dependency graph: LLM client, memory store
// with its tools, guarded web search, Discord tools, and the
// orchestrator on top. Everything is constructed once here and passed
// by reference; nothing is re-initialized per request.
func buildAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agentDeps, error) {
	client := llm.NewOllamaClient(cfg.Ollama.URL)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	embedder := embeddings.New(embeddings.Config{
		BaseURL: cfg.Ollama.URL,
		Model:   cfg.Ollama.EmbeddingModel,
	})

	dbPath := filepath.Join(cfg.DataDir, "oswald.db")
	store, err := memory.Open(dbPath, embedder)
	if err != nil {
		return nil, fmt.Errorf("open memory database %s: %w", dbPath, err)
	}
	logger.Info("memory database opened", "path", dbPath)

	registry := tools.NewRegistry()
	memory.RegisterTools(registry, store, logger)

	if cfg.Search.SearXNGURL != "" {
		mgr := search.NewManager("searxng")
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNGURL))

		var guard *search.Guard
		if cfg.Search.Guard.Enabled {
			guardModel := cfg.Search.Guard.Model
			if guardModel == "" {
				guardModel = cfg.Ollama.ClassifierModel
			}
			guard = search.NewGuard(client, guardModel, cfg.Search.Guard.FailOpen(), logger)
		}
		search.RegisterTool(registry, mgr, guard, logger)
	} else {
		logger.Warn("search not configured, web_search tool unavailable")
	}

	var discordClient *discord.Client
	if cfg.Discord.Enabled && cfg.Discord.Token != "" {
		discordClient = discord.NewClient(cfg.Discord.Token)
		discord.RegisterTools(registry, discordClient, logger)
	} else {
		logger.Warn("discord not configured, discord_* tools unavailable")
	}

	orc := agent.New(client, registry, store, agent.Config{
		Models: agent.Models{
			Agent:      cfg.Ollama.AgentModel,
			Classifier: cfg.Ollama.ClassifierModel,
			Direct:     cfg.Ollama.DirectModel,
		},
		MaxRetries:   cfg.Agent.MaxRetries,
		HistoryLimit: cfg.Agent.HistoryLimit,
	}, logger)

	logger.Info("agent ready", "tools", registry.Len())

	return &agentDeps{
		Orchestrator: orc,
		LLM:          client,
		Registry:     registry,
		Memory:       store,
		Discord:      discordClient,
	}, nil
}

// newMentionGateway builds the gateway listener that feeds Discord
// mentions into the agent and posts the answer back to the channel.
func newMentionGateway(cfg *config.Config, deps *agentDeps, logger *slog.Logger) *discord.Gateway {
	var gw *discord.Gateway
	gw = discord.NewGateway(cfg.Discord.Token, func(ctx context.Context, msg discord.Message) {
		if cfg.Discord.RespondChannel != "" && msg.ChannelID != cfg.Discord.RespondChannel {
			return
		}
		selfID := gw.SelfID()
		if !msg.MentionsUser(selfID) {
			return
		}

		prompt := discord.StripMention(msg.Content, selfID)
		if prompt == "" {
			return
		}

		logger.Info("gateway mention",
			"channel_id", msg.ChannelID,
			"author", msg.Author.Username)

		answer, err := deps.Orchestrator.Ask(ctx, prompt, msg.Author.ID)
		if err != nil {
			logger.Error("gateway request failed", "error", err)
			answer = "Sorry, I encountered an error while processing your request."
		}
		// When the agent's terminal action was already a channel send,
		// the answer is the send confirmation. Don't echo it.
		if strings.Contains(answer, "Message sent successfully!") {
			return
		}
		if _, err := deps.Discord.SendMessage(ctx, msg.ChannelID, answer); err != nil {
			logger.Error("failed to reply on discord", "error", err)
		}
	}, logger)
	return gw
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func listenAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
}
