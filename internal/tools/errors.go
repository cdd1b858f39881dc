// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a name that
// is not present in the registry. This is a capability mismatch, not a
// transient failure; the orchestrator reports it back to the model as
// corrective context rather than crashing the request.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q does not exist", e.ToolName)
}
