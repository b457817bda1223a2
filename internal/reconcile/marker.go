// Package reconcile implements the debounced per-session transcript worker.
// Coordination across workers and across daemon restarts rides two files per
// session: a marker coalescing reconciliation triggers and a lock asserting
// mutual exclusion.
package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// timeLayout is the timestamp format written to marker and lock files.
const timeLayout = time.RFC3339Nano

// Marker is the debounce state for one session: the time the current burst
// started and the time of its newest event.
type Marker struct {
	Start  string `json:"start"`
	Latest string `json:"latest"`
}

// StartTime parses the burst start. Returns false for malformed values.
func (m Marker) StartTime() (time.Time, bool) {
	t, err := time.Parse(timeLayout, m.Start)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// markerPath returns the marker file for a session.
func markerPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".marker")
}

// lockPath returns the lock file for a session.
func lockPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".lock")
}

// readMarker loads a session's marker. The bool reports whether the file
// exists; a file that exists but fails to decode returns an error.
func readMarker(dir, sessionID string) (Marker, bool, error) {
	data, err := os.ReadFile(markerPath(dir, sessionID))
	if os.IsNotExist(err) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, fmt.Errorf("reading marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, true, fmt.Errorf("decoding marker: %w", err)
	}
	return m, true, nil
}

// writeMarker stores a session's marker, creating the directory if needed.
func writeMarker(dir, sessionID string, m Marker) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating debounce dir: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding marker: %w", err)
	}
	if err := os.WriteFile(markerPath(dir, sessionID), data, 0o644); err != nil {
		return fmt.Errorf("writing marker: %w", err)
	}
	return nil
}

// removeMarker deletes a session's marker, ignoring a missing file.
func removeMarker(dir, sessionID string) error {
	err := os.Remove(markerPath(dir, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing marker: %w", err)
	}
	return nil
}

// readLockTime loads the acquisition timestamp of a session's lock. The
// bool reports whether a readable, well-formed lock exists; a vanished or
// corrupt lock counts as absent.
func readLockTime(dir, sessionID string) (time.Time, bool) {
	data, err := os.ReadFile(lockPath(dir, sessionID))
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(timeLayout, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// writeLock stamps a session's lock with the acquisition time.
func writeLock(dir, sessionID string, t time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating debounce dir: %w", err)
	}
	if err := os.WriteFile(lockPath(dir, sessionID), []byte(t.Format(timeLayout)), 0o644); err != nil {
		return fmt.Errorf("writing lock: %w", err)
	}
	return nil
}

// removeLock releases a session's lock, ignoring a missing file.
func removeLock(dir, sessionID string) error {
	err := os.Remove(lockPath(dir, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock: %w", err)
	}
	return nil
}

// lockExists reports whether the session's lock file is present.
func lockExists(dir, sessionID string) bool {
	_, err := os.Stat(lockPath(dir, sessionID))
	return err == nil
}
