// Package sessionindex reads the assistant CLI's on-disk session index and
// handles its project-path directory encoding.
package sessionindex

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Entry is one session record in sessions-index.json.
type Entry struct {
	SessionID    string `json:"sessionId"`
	CustomTitle  string `json:"customTitle,omitempty"`
	FirstPrompt  string `json:"firstPrompt,omitempty"`
	MessageCount *int   `json:"messageCount,omitempty"`
}

// index is the sessions-index.json document shape.
type index struct {
	Entries []Entry `json:"entries"`
}

// Name returns the display name an index entry implies: the custom title
// when set, otherwise the first prompt. Empty when the entry has neither.
func (e *Entry) Name() string {
	if e.CustomTitle != "" {
		return e.CustomTitle
	}
	return e.FirstPrompt
}

// EncodePath converts a project path to the directory name the assistant
// CLI uses under <claudeDir>/projects: every slash becomes a dash, so
// /Users/foo/bar encodes to -Users-foo-bar.
func EncodePath(path string) string {
	return strings.ReplaceAll(filepath.Clean(path), "/", "-")
}

// DecodeDirName reverses EncodePath. Dashes inside original path segments
// are indistinguishable from separators, so paths containing dashes decode
// lossily; callers fall back to the hook envelope's cwd in that case.
func DecodeDirName(name string) string {
	return strings.ReplaceAll(name, "-", "/")
}

// ProjectPathFromTranscript derives the project path from a transcript
// path, whose parent directory carries the encoded project path. Returns ""
// when the transcript path is empty.
func ProjectPathFromTranscript(transcriptPath string) string {
	if transcriptPath == "" {
		return ""
	}
	name := filepath.Base(filepath.Dir(transcriptPath))
	if name == "/" || name == "." {
		return ""
	}
	return DecodeDirName(name)
}

// Lookup finds the index entry for a session under the project's encoded
// directory. Returns nil when the index is missing, unreadable, or has no
// entry for the session.
func Lookup(claudeDir, projectPath, sessionID string) *Entry {
	indexPath := filepath.Join(claudeDir, "projects", EncodePath(projectPath), "sessions-index.json")

	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil
	}
	for i := range idx.Entries {
		if idx.Entries[i].SessionID == sessionID {
			return &idx.Entries[i]
		}
	}
	return nil
}
