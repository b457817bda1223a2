// Package store defines the relational persistence surface of the pipeline.
// Implementations provide per-operation autocommit plus transactional
// grouping through WithTx; notifications published inside a transaction are
// delivered only when it commits.
package store

import (
	"context"
	"time"

	"github.com/workio/workio/pkg/transcript"
)

// Session is the stored state of one assistant CLI session.
type Session struct {
	SessionID      string
	ProjectID      int64
	TerminalID     *int64
	ShellID        *int64
	Name           *string
	Status         string
	TranscriptPath string
	MessageCount   *int
	UpdatedAt      time.Time
}

// Prompt is one user-visible prompt row. Prompt is nil for the placeholder
// created at session start before the user has typed anything.
type Prompt struct {
	ID        int64
	SessionID string
	Prompt    *string
}

// UpsertSessionParams carries the session fields written on every status
// bearing hook event. ProjectID only applies on insert; nil TerminalID and
// ShellID preserve existing values.
type UpsertSessionParams struct {
	SessionID      string
	ProjectID      int64
	TerminalID     *int64
	ShellID        *int64
	Status         string
	TranscriptPath string
}

// CreateMessageParams carries one ingested transcript message. Tools and
// Images hold pre-marshaled JSON; nil means NULL.
type CreateMessageParams struct {
	PromptID  int64
	UUID      string
	CreatedAt *time.Time
	Body      *string
	Thinking  bool
	IsUser    bool
	Tools     []byte
	TodoID    *string
	Images    []byte
}

// UpsertTodoMessageParams carries one todo-list tool invocation. The stable
// identity is derived from SessionID and Todos; StateKey marks status
// progress.
type UpsertTodoMessageParams struct {
	SessionID string
	PromptID  int64
	UUID      string
	CreatedAt *time.Time
	Tools     []byte
	Todos     []transcript.Todo
	StateKey  string
}

// TodoUpsert reports the outcome of UpsertTodoMessage.
type TodoUpsert struct {
	MessageID    int64
	TodoID       string
	IsNew        bool
	StateChanged bool
}

// MessageForSummary is one message selected for summarizer backfill.
type MessageForSummary struct {
	ID       int64
	Body     string
	IsUser   bool
	Thinking bool
}

// Store is the persistence interface shared by the daemon, the reconciler,
// the sweeper, and the summarizer backfill.
type Store interface {
	// UpsertProject returns the id of the project at path, creating it if
	// needed.
	UpsertProject(ctx context.Context, path string) (int64, error)

	// DeleteOrphanProjects removes projects with no sessions.
	DeleteOrphanProjects(ctx context.Context) (int64, error)

	// UpsertSession inserts or updates a session. project_id is written only
	// on insert; terminal and shell ids coalesce with stored values; status
	// and transcript_path always overwrite.
	UpsertSession(ctx context.Context, params UpsertSessionParams) error

	// UpdateSessionMetadata sets name and message_count, preserving stored
	// values where the new ones are nil. Names are truncated to 200 runes.
	UpdateSessionMetadata(ctx context.Context, sessionID string, name *string, messageCount *int) error

	// UpdateSessionName sets the session name unconditionally.
	UpdateSessionName(ctx context.Context, sessionID, name string) error

	// UpdateSessionNameIfEmpty sets the name only when none is stored,
	// truncated to 200 runes.
	UpdateSessionNameIfEmpty(ctx context.Context, sessionID, name string) error

	// GetSession returns the session, or nil when unknown.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetSessionProjectPath returns the stored project path for a session,
	// or "" when the session is unknown.
	GetSessionProjectPath(ctx context.Context, sessionID string) (string, error)

	// GetStaleSessionIDs returns sessions of the project still in status
	// started, excluding the current one.
	GetStaleSessionIDs(ctx context.Context, projectID int64, currentSessionID string) ([]string, error)

	// GetEmptySessionIDs returns sessions with no messages and at most one
	// prompt with no text.
	GetEmptySessionIDs(ctx context.Context) ([]string, error)

	// EndStaleSessions transitions sessions in started, active, or
	// permission_needed with no activity within inactiveFor to ended.
	EndStaleSessions(ctx context.Context, inactiveFor time.Duration) (int64, error)

	// DeleteSessionsCascade removes sessions with their prompts, messages,
	// and hook records.
	DeleteSessionsCascade(ctx context.Context, sessionIDs []string) error

	// CreatePrompt inserts a prompt, nil for the placeholder, and returns
	// its id.
	CreatePrompt(ctx context.Context, sessionID string, prompt *string) (int64, error)

	// GetLatestPrompt returns the newest prompt of the session, or nil.
	GetLatestPrompt(ctx context.Context, sessionID string) (*Prompt, error)

	// UpdatePromptText replaces the prompt text.
	UpdatePromptText(ctx context.Context, promptID int64, prompt *string) error

	// DeleteOrphanPrompts removes prompts whose session no longer exists.
	DeleteOrphanPrompts(ctx context.Context) (int64, error)

	// MessageExists reports whether a message with the uuid is stored.
	MessageExists(ctx context.Context, uuid string) (bool, error)

	// CreateMessage inserts a message and returns its id.
	CreateMessage(ctx context.Context, params CreateMessageParams) (int64, error)

	// UpsertTodoMessage inserts or updates the message identified by the
	// todo list's stable hash. The stored payload is replaced only when the
	// state key advanced.
	UpsertTodoMessage(ctx context.Context, params UpsertTodoMessageParams) (TodoUpsert, error)

	// GetLatestUserMessage returns the body of the newest user message of a
	// prompt. The bool reports whether one exists; the body itself may be
	// nil for image-only messages.
	GetLatestUserMessage(ctx context.Context, promptID int64) (*string, bool, error)

	// MessagesWithoutSummary returns up to limit assistant messages with
	// bodies over 60 characters and no summary yet.
	MessagesWithoutSummary(ctx context.Context, limit int) ([]MessageForSummary, error)

	// UpdateMessageSummary stores the summarizer result JSON for a message.
	UpdateMessageSummary(ctx context.Context, messageID int64, summary []byte) error

	// SaveHook records a raw hook event payload.
	SaveHook(ctx context.Context, sessionID, hookType string, payload []byte) error

	// Log appends a structured record to the logs table.
	Log(ctx context.Context, message string, fields map[string]any) error

	// Notify publishes a JSON payload on a channel. Inside a transaction,
	// delivery rides the commit.
	Notify(ctx context.Context, channel string, payload any) error

	// HasRecentClean reports whether a clean of the type ran within the
	// window.
	HasRecentClean(ctx context.Context, cleanType string, within time.Duration) (bool, error)

	// RecordClean inserts a clean record of the type.
	RecordClean(ctx context.Context, cleanType string) error

	// DeleteOldLogsAndHooks removes log and hook rows older than the cutoff
	// and returns the total removed.
	DeleteOldLogsAndHooks(ctx context.Context, olderThan time.Duration) (int64, error)

	// GetFavoriteSessionIDs returns the favorite_sessions list from the
	// settings config.
	GetFavoriteSessionIDs(ctx context.Context) ([]string, error)

	// WithTx runs fn against a transactional view of the store, committing
	// when fn returns nil and rolling back otherwise. Calls on a store that
	// is already transactional join the open transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Clean types recorded in the cleans table.
const (
	CleanTypeData  = "data"
	CleanTypeLocks = "locks"
)
