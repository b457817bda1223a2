// Package protocol defines the wire contract between the hook client and the
// intake daemon, plus the notification payloads published through the store.
package protocol

import (
	"encoding/json"
)

// Hook event names emitted by the assistant CLI.
const (
	EventSessionStart     = "SessionStart"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventPreToolUse       = "PreToolUse"
	EventPostToolUse      = "PostToolUse"
	EventStop             = "Stop"
	EventSessionEnd       = "SessionEnd"
	EventNotification     = "Notification"
)

// Session status values.
const (
	StatusStarted          = "started"
	StatusActive           = "active"
	StatusDone             = "done"
	StatusEnded            = "ended"
	StatusPermissionNeeded = "permission_needed"
	StatusIdle             = "idle"
)

// Notification subtypes carried in the Notification hook envelope.
const (
	NotificationPermissionPrompt = "permission_prompt"
	NotificationIdlePrompt       = "idle_prompt"
)

// Store notification channels.
const (
	ChannelHook            = "hook"
	ChannelSessionUpdate   = "session_update"
	ChannelSessionsDeleted = "sessions_deleted"
)

// HookEvent is the envelope the assistant CLI writes to hook commands.
// Unknown fields are preserved by keeping the raw payload alongside.
type HookEvent struct {
	SessionID        string `json:"session_id"`
	TranscriptPath   string `json:"transcript_path"`
	Cwd              string `json:"cwd"`
	HookEventName    string `json:"hook_event_name"`
	NotificationType string `json:"notification_type,omitempty"`
	Prompt           string `json:"prompt,omitempty"`
	ToolName         string `json:"tool_name,omitempty"`
}

// Request is one line-delimited JSON message from the hook client to the
// daemon. Event carries the raw hook envelope so it can be persisted
// verbatim; Env carries client-side identity the envelope lacks.
type Request struct {
	Event json.RawMessage `json:"event"`
	Env   Env             `json:"env"`
}

// Env identifies the terminal and shell the hook fired from.
type Env struct {
	TerminalID *int64 `json:"terminal_id,omitempty"`
	ShellID    *int64 `json:"shell_id,omitempty"`
}

// Response is the daemon's reply. The daemon never blocks the assistant:
// Continue is always true.
type Response struct {
	Continue bool `json:"continue"`
}

// ParseEvent decodes a hook envelope. A missing session id is normalized to
// "unknown" so malformed emitters still land somewhere visible.
func ParseEvent(raw []byte) (HookEvent, error) {
	var ev HookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return HookEvent{}, err
	}
	if ev.SessionID == "" {
		ev.SessionID = "unknown"
	}
	return ev, nil
}

// StatusForEvent maps a hook event to the session status it implies.
// The second return is false for events with no status mapping, such as
// Notification envelopes without a recognized notification type.
func StatusForEvent(ev HookEvent) (string, bool) {
	switch ev.HookEventName {
	case EventSessionStart:
		return StatusStarted, true
	case EventUserPromptSubmit, EventPreToolUse, EventPostToolUse:
		return StatusActive, true
	case EventStop:
		return StatusDone, true
	case EventSessionEnd:
		return StatusEnded, true
	case EventNotification:
		switch ev.NotificationType {
		case NotificationPermissionPrompt:
			return StatusPermissionNeeded, true
		case NotificationIdlePrompt:
			return StatusIdle, true
		}
	}
	return "", false
}

// EncodeRequest wraps a raw hook envelope and client identity into one wire
// request line (without the trailing newline).
func EncodeRequest(event []byte, env Env) ([]byte, error) {
	return json.Marshal(Request{Event: event, Env: env})
}

// DecodeResponse parses a daemon reply line.
func DecodeResponse(line []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// HookPayload is published on the hook channel after each persisted event.
type HookPayload struct {
	SessionID   string  `json:"session_id"`
	HookType    string  `json:"hook_type"`
	Status      *string `json:"status"`
	ProjectPath string  `json:"project_path"`
	TerminalID  *int64  `json:"terminal_id"`
}

// SessionUpdatePayload is published on the session_update channel when the
// reconciler ingests new or changed messages.
type SessionUpdatePayload struct {
	SessionID  string  `json:"session_id"`
	MessageIDs []int64 `json:"message_ids"`
}

// SessionsDeletedPayload is published on the sessions_deleted channel when
// sessions are removed by the daemon or the sweeper.
type SessionsDeletedPayload struct {
	SessionIDs []string `json:"session_ids"`
}
