// Package hooks installs the monitor command into the assistant CLI's
// settings.json hook configuration. The settings document is edited as raw
// JSON maps so every unrelated key survives untouched.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Definition names one hook type and the matcher it registers with, if any.
type Definition struct {
	Name    string
	Matcher string
}

// Definitions lists every hook the monitor subscribes to. Tool and
// notification hooks match everything; lifecycle hooks take no matcher.
var Definitions = []Definition{
	{Name: "SessionStart"},
	{Name: "UserPromptSubmit"},
	{Name: "PreToolUse", Matcher: "*"},
	{Name: "PostToolUse", Matcher: "*"},
	{Name: "Notification", Matcher: "*"},
	{Name: "Stop"},
	{Name: "SessionEnd"},
}

// Install appends the command to every hook definition missing it in the
// settings file at path, creating the file if needed. Returns the hook
// names added and skipped.
func Install(path, command string) (added, skipped []string, err error) {
	settings, err := loadSettings(path)
	if err != nil {
		return nil, nil, err
	}

	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		hooks = map[string]any{}
		settings["hooks"] = hooks
	}

	for _, def := range Definitions {
		entries, _ := hooks[def.Name].([]any)

		if hookExists(entries, command, def.Matcher) {
			skipped = append(skipped, def.Name)
			continue
		}
		hooks[def.Name] = append(entries, newEntry(command, def.Matcher))
		added = append(added, def.Name)
	}

	if err := saveSettings(path, settings); err != nil {
		return nil, nil, err
	}
	return added, skipped, nil
}

// hookExists reports whether an entry with the same matcher already runs
// the command.
func hookExists(entries []any, command, matcher string) bool {
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if matcher != "" {
			if m, _ := entry["matcher"].(string); m != matcher {
				continue
			}
		}
		cmds, _ := entry["hooks"].([]any)
		for _, rawCmd := range cmds {
			cmd, ok := rawCmd.(map[string]any)
			if !ok {
				continue
			}
			if cmd["type"] == "command" && cmd["command"] == command {
				return true
			}
		}
	}
	return false
}

func newEntry(command, matcher string) map[string]any {
	entry := map[string]any{
		"hooks": []any{
			map[string]any{
				"type":    "command",
				"command": command,
			},
		},
	}
	if matcher != "" {
		entry["matcher"] = matcher
	}
	return entry
}

func loadSettings(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return settings, nil
}

func saveSettings(path string, settings map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}
