// Package config handles Oswald configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/oswald/config.yaml, /etc/oswald/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "oswald", "config.yaml"))
	}

	paths = append(paths, "/etc/oswald/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Oswald configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	Ollama   OllamaConfig  `yaml:"ollama"`
	Agent    AgentConfig   `yaml:"agent"`
	Search   SearchConfig  `yaml:"search"`
	Discord  DiscordConfig `yaml:"discord"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines the LLM backend and the models used for each role.
type OllamaConfig struct {
	URL string `yaml:"url"`

	// AgentModel is the tool-calling model driving the orchestrator loop.
	AgentModel string `yaml:"agent_model"`
	// ClassifierModel labels requests SIMPLE or COMPLEX. Small and cheap.
	ClassifierModel string `yaml:"classifier_model"`
	// DirectModel answers SIMPLE requests with no tool access.
	DirectModel string `yaml:"direct_model"`
	// EmbeddingModel converts memory text to vectors.
	EmbeddingModel string `yaml:"embedding_model"`
}

// AgentConfig tunes the orchestrator loop.
type AgentConfig struct {
	// MaxRetries is the ceiling on error-containing tool rounds before
	// the request is abandoned. Zero means the default of 3.
	MaxRetries int `yaml:"max_retries"`
	// HistoryLimit is how many prior exchanges seed the conversation
	// context. Zero means the default of 5.
	HistoryLimit int `yaml:"history_limit"`
}

// SearchConfig defines the web search backend and its safety guard.
type SearchConfig struct {
	SearXNGURL string      `yaml:"searxng_url"`
	Guard      GuardConfig `yaml:"guard"`
}

// GuardConfig controls the pre-execution safety reflection on search
// queries.
type GuardConfig struct {
	// Enabled turns the guard on. When off, queries run unchecked.
	Enabled bool `yaml:"enabled"`
	// Model is the classifier model for the reflection call. Empty
	// falls back to ollama.classifier_model.
	Model string `yaml:"model"`
	// FailMode decides what happens when the guard call itself fails:
	// "closed" blocks the query (default), "open" lets it through.
	// This must be an explicit choice; unrecognized values are errors.
	FailMode string `yaml:"fail_mode"`
}

// FailOpen reports whether guard failures should allow the query.
func (g GuardConfig) FailOpen() bool {
	return g.FailMode == "open"
}

// Validate rejects fail modes other than "open", "closed", or empty
// (empty means closed).
func (g GuardConfig) Validate() error {
	switch g.FailMode {
	case "", "open", "closed":
		return nil
	}
	return fmt.Errorf("search.guard.fail_mode must be %q or %q, got %q", "open", "closed", g.FailMode)
}

// DiscordConfig defines the Discord bot connection.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// RespondChannel limits gateway-driven replies to one channel ID.
	// Empty means respond anywhere the bot is mentioned.
	RespondChannel string `yaml:"respond_channel"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Search.Guard.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Ollama: OllamaConfig{
			URL:             "http://localhost:11434",
			AgentModel:      "qwen3:8b",
			ClassifierModel: "phi:2.7b",
			DirectModel:     "llama2-uncensored:7b",
			EmbeddingModel:  "nomic-embed-text",
		},
		Agent: AgentConfig{
			MaxRetries:   3,
			HistoryLimit: 5,
		},
		Search: SearchConfig{
			Guard: GuardConfig{
				Enabled:  true,
				FailMode: "closed",
			},
		},
		DataDir: ".",
	}
}
