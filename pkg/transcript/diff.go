package transcript

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// generateDiff builds a unified diff for an Edit invocation and counts the
// added and removed lines. Headers use a/<basename> and b/<basename>.
func generateDiff(oldString, newString, filePath string) (string, int, int) {
	if oldString == "" && newString == "" {
		return "", 0, 0
	}

	name := "file"
	if filePath != "" {
		name = filepath.Base(filePath)
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(oldString),
		B:        splitLines(newString),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  3,
	})
	if err != nil {
		return fmt.Sprintf("[Error generating diff: %v]", err), 0, 0
	}

	var added, removed int
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			added++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			removed++
		}
	}

	return text, added, removed
}

// splitLines splits diff input keeping line endings. An empty string is no
// lines at all, not one empty line, so one-sided edits count cleanly.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return difflib.SplitLines(s)
}
