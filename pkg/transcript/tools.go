package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool names with dedicated projections. Anything else falls through to the
// generic shape.
const (
	ToolBash      = "Bash"
	ToolEdit      = "Edit"
	ToolRead      = "Read"
	ToolWrite     = "Write"
	ToolGrep      = "Grep"
	ToolGlob      = "Glob"
	ToolTask      = "Task"
	ToolTodoWrite = "TodoWrite"
)

// Stored payload caps, in bytes. Oversized values are cut and flagged.
const (
	maxOutputLength  = 50000 // command and search output
	maxDiffLength    = 50000 // edit diffs
	maxContentLength = 50000 // file content
)

// ToolUse is a tool invocation collected from an assistant entry.
type ToolUse struct {
	ToolUseID string
	Timestamp string
	Name      string
	Input     map[string]any
}

// ToolResult is the matching result collected from a user entry. Content
// holds the decoded result content; Answers holds AskUserQuestion answers
// from the entry's toolUseResult, when present.
type ToolResult struct {
	Content any
	IsError bool
	Answers any
}

// ProjectTool builds the stored summary for one tool invocation and its
// result. It returns nil for invocations without a tool name. A projection
// failure yields an error-status summary instead of propagating.
func ProjectTool(use ToolUse, result ToolResult) (summary map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			name := use.Name
			if name == "" {
				name = "Unknown"
			}
			summary = map[string]any{
				"tool_use_id":      use.ToolUseID,
				"name":             name,
				"status":           "error",
				"input":            map[string]any{},
				"output":           fmt.Sprintf("[Error processing tool: %v]", r),
				"output_truncated": false,
			}
		}
	}()

	if use.Name == "" {
		return nil
	}

	input := use.Input
	if input == nil {
		input = map[string]any{}
	}

	outputText := extractResultText(result.Content)

	status := "success"
	if result.IsError {
		status = "error"
	}
	summary = map[string]any{
		"tool_use_id": use.ToolUseID,
		"name":        use.Name,
		"status":      status,
	}

	switch use.Name {
	case ToolBash:
		output, truncated := truncateOutput(outputText, maxOutputLength)
		summary["input"] = map[string]any{
			"command":     valueOr(input, "command", ""),
			"description": input["description"],
		}
		summary["output"] = output
		summary["output_truncated"] = truncated

	case ToolEdit:
		oldString := stringValue(input["old_string"])
		newString := stringValue(input["new_string"])
		filePath := stringValue(input["file_path"])

		diffText, linesAdded, linesRemoved := generateDiff(oldString, newString, filePath)

		diffTruncated := false
		if len(diffText) > maxDiffLength {
			diffText = "[Diff too large to display]"
			diffTruncated = true
		}

		summary["input"] = map[string]any{
			"file_path":   filePath,
			"replace_all": valueOr(input, "replace_all", false),
		}
		summary["diff"] = diffText
		summary["lines_added"] = linesAdded
		summary["lines_removed"] = linesRemoved
		summary["diff_truncated"] = diffTruncated

	case ToolRead:
		// The content itself is not stored, only whether it was oversized.
		summary["input"] = map[string]any{
			"file_path": stringValue(input["file_path"]),
			"offset":    input["offset"],
			"limit":     input["limit"],
		}
		summary["output_truncated"] = len(outputText) > maxContentLength

	case ToolWrite:
		content, truncated := truncateOutput(stringValue(input["content"]), maxContentLength)
		summary["input"] = map[string]any{
			"file_path": stringValue(input["file_path"]),
		}
		summary["content"] = content
		summary["content_truncated"] = truncated

	case ToolGrep, ToolGlob:
		pattern := stringValue(input["pattern"])
		if pattern == "" {
			pattern = stringValue(input["glob"])
		}
		output, truncated := truncateOutput(outputText, maxOutputLength)
		summary["input"] = map[string]any{
			"pattern":     pattern,
			"path":        input["path"],
			"glob":        input["glob"],
			"output_mode": input["output_mode"],
		}
		summary["output"] = output
		summary["output_truncated"] = truncated

	case ToolTask:
		output, truncated := truncateOutput(outputText, maxOutputLength)
		summary["input"] = map[string]any{
			"description":   stringValue(input["description"]),
			"subagent_type": stringValue(input["subagent_type"]),
		}
		summary["output"] = output
		summary["output_truncated"] = truncated

	case ToolTodoWrite:
		rawTodos, ok := input["todos"].([]any)
		if !ok {
			rawTodos = []any{}
		}
		summary["input"] = map[string]any{
			"todos": rawTodos,
		}
		summary["state_key"] = StateKey(TodosFromInput(input["todos"]))

	default:
		output, truncated := truncateOutput(outputText, maxOutputLength)
		summary["input"] = input
		summary["output"] = output
		summary["output_truncated"] = truncated
	}

	if truthy(result.Answers) {
		summary["answers"] = result.Answers
	}

	return summary
}

// truncateOutput cuts text over the limit and appends a truncation marker.
func truncateOutput(text string, maxLength int) (string, bool) {
	if text == "" {
		return "", false
	}
	if len(text) <= maxLength {
		return text, false
	}
	return text[:maxLength] + "\n... [truncated]", true
}

// extractResultText flattens a decoded tool result content value to text.
// List contents contribute the text of their text blocks; scalar contents
// are used directly.
func extractResultText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, item := range c {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if s, ok := m["text"].(string); ok {
					b.WriteString(s)
				}
			}
		}
		return b.String()
	default:
		if !truthy(c) {
			return ""
		}
		data, err := json.Marshal(c)
		if err != nil {
			return "[Error extracting output]"
		}
		return string(data)
	}
}

// valueOr returns the raw input value for key, or def when the key is absent.
func valueOr(m map[string]any, key string, def any) any {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

// stringValue returns v as a string, or "" for anything else.
func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// truthy mirrors loose JSON truthiness: nil, false, empty strings, zero
// numbers, and empty collections are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
