package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonahgcarpenter/oswald-ai/internal/llm"
	"github.com/jonahgcarpenter/oswald-ai/internal/tools"
)

// Corrective text injected when the model wrote prose where a tool call
// should have been and nothing recoverable could be extracted.
const repairParseFailure = "SYSTEM ERROR: You wrote text instead of running the tool. Use the Tool Interface (JSON)."

// needsRepair reports whether free-text model output looks like it
// contains a tool call emitted as prose. This is a heuristic substring
// check; the balanced-brace scan in extractCandidates does the real
// parsing. It runs only when the structured tool-call channel is empty.
func needsRepair(content string) bool {
	return strings.Contains(content, `"name":`) || strings.Contains(content, `"arguments":`)
}

// extractCandidates scans text for brace-balanced JSON objects that
// carry a "name" key. Braces inside quoted strings or preceded by a
// backslash do not affect the nesting count. Malformed candidates are
// skipped and the scan continues past them. An "arguments" key is
// renamed to "parameters", the container key the rest of the pipeline
// expects.
func extractCandidates(text string) []map[string]any {
	var results []map[string]any
	cursor := 0

	for cursor < len(text) {
		start := strings.IndexByte(text[cursor:], '{')
		if start == -1 {
			break
		}
		start += cursor

		count := 1
		end := start + 1
		inString := false
		escape := false

		for end < len(text) && count > 0 {
			ch := text[end]
			switch {
			case ch == '"' && !escape:
				inString = !inString
			case ch == '\\' && !escape:
				escape = true
				end++
				continue
			case !inString && ch == '{':
				count++
			case !inString && ch == '}':
				count--
			}
			escape = false
			end++
		}

		if count != 0 {
			// Unbalanced from this opening brace; scan past it.
			cursor = start + 1
			continue
		}

		candidate := text[start:end]
		if strings.Contains(candidate, `"name"`) {
			var data map[string]any
			if err := json.Unmarshal([]byte(candidate), &data); err == nil {
				if _, ok := data["name"]; ok {
					if args, ok := data["arguments"]; ok {
						data["parameters"] = args
						delete(data, "arguments")
					}
					results = append(results, data)
				}
			}
		}
		cursor = end
	}

	return results
}

// RepairResult is the outcome of a repair pass: either one or more
// valid invocations (route to tool execution) or one or more corrective
// errors (route back to the agent turn). Never both empty unless the
// input had no recoverable content, in which case Errors carries the
// parse failure.
type RepairResult struct {
	Calls  []llm.ToolCall
	Errors []string
}

// Repair recovers tool calls a model emitted as raw text instead of
// through the structured channel. Candidates with unknown tool names or
// placeholder arguments become corrective errors; they are never
// converted to invocations. Repair itself never fails — every failure
// path is a structured error string for the next agent turn to act on.
func Repair(content string, registry *tools.Registry) RepairResult {
	candidates := extractCandidates(content)
	if len(candidates) == 0 {
		return RepairResult{Errors: []string{"Failed to parse JSON"}}
	}

	var res RepairResult
	for i, data := range candidates {
		name, _ := data["name"].(string)
		args, _ := data["parameters"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}

		if !registry.Has(name) {
			res.Errors = append(res.Errors,
				fmt.Sprintf("Tool '%s' does not exist. Check the AVAILABLE TOOLS list and use an exact tool name.", name))
			continue
		}

		if ph := findPlaceholder(args); ph != "" {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"Argument contains a placeholder ('%s'). STOP. "+
					"Check the output of 'discord_list_channels' in the chat history. "+
					"Find the NUMERIC ID (e.g., 99887766) corresponding to the channel name and use that.", ph))
			continue
		}

		id := fmt.Sprintf("repair_%d_%s", i, uuid.NewString())
		res.Calls = append(res.Calls, llm.NewToolCall(id, name, args))
	}

	return res
}

// findPlaceholder returns the first argument value that looks like an
// unresolved placeholder rather than a concrete identifier, or "" if
// all values are concrete. The check only engages when the arguments
// mention a channel target, to avoid flagging ordinary prose values.
func findPlaceholder(args map[string]any) string {
	flat := strings.ToLower(fmt.Sprintf("%v", args))
	if !strings.Contains(flat, "channel_id") && !strings.Contains(flat, "general") {
		return ""
	}
	for _, v := range args {
		s, ok := v.(string)
		if !ok || isNumeric(s) {
			continue
		}
		lower := strings.ToLower(s)
		if strings.Contains(s, "<") || strings.Contains(lower, "id") || strings.Contains(lower, "general") {
			return s
		}
	}
	return ""
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
