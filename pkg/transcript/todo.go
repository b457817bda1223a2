package transcript

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

// Todo is one item of a TodoWrite invocation, reduced to the fields that
// participate in identity and state tracking.
type Todo struct {
	Content string
	Status  string
}

// TodosFromInput normalizes the raw todos value of a TodoWrite input.
// Anything other than a list yields an empty slice; items default to an
// empty content and a pending status.
func TodosFromInput(v any) []Todo {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	todos := make([]Todo, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			todos = append(todos, Todo{Status: "pending"})
			continue
		}
		todo := Todo{Status: "pending"}
		if content, ok := m["content"].(string); ok {
			todo.Content = content
		}
		if status, ok := m["status"].(string); ok && status != "" {
			todo.Status = status
		}
		todos = append(todos, todo)
	}
	return todos
}

// TodoHash computes the stable identity of a todo list within a session:
// the MD5 of the session id and the sorted todo contents. The hash is
// independent of statuses, ordering, and the emitting tool invocation, so
// the same list always maps to the same stored message.
func TodoHash(sessionID string, todos []Todo) string {
	contents := make([]string, len(todos))
	for i, todo := range todos {
		contents[i] = todo.Content
	}
	sort.Strings(contents)

	sum := md5.Sum([]byte(sessionID + "|" + strings.Join(contents, "|")))
	return hex.EncodeToString(sum[:])
}

// StateKey computes the MD5 of the todo statuses in list order. It changes
// whenever any status changes, which is what marks an upserted todo message
// as updated.
func StateKey(todos []Todo) string {
	statuses := make([]string, len(todos))
	for i, todo := range todos {
		statuses[i] = todo.Status
	}

	sum := md5.Sum([]byte(strings.Join(statuses, "|")))
	return hex.EncodeToString(sum[:])
}
