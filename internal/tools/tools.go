// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                          `json:"name"`
	Description string                                                          `json:"description"`
	Parameters  map[string]any                                                  `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error)  `json:"-"`
}

// Registry holds available tools.
//
// Registration happens during process startup; once requests are in
// flight the registry is read-mostly and safe for concurrent lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Re-registering a name replaces
// the previous tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Unregister removes a tool by name. Used by safety gating to disable
// capabilities between turns.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get retrieves a tool by name, or nil if not registered.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tool definitions in the wire shape the LLM expects.
// The order is stable (sorted by name) so prompts are deterministic.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Describe renders a "- 'name': description" line per tool for
// injection into the agent system prompt. Fetched fresh each turn so
// the model always sees the live tool set.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		desc := r.tools[name].Description
		if desc == "" {
			desc = "No description provided."
		}
		fmt.Fprintf(&b, "- '%s': %s", name, desc)
	}
	return b.String()
}

// Execute runs a tool by name with the given arguments.
// An unregistered name returns *ErrToolUnavailable, never a panic.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	return tool.Handler(ctx, args)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
