// Package postgres implements the store interface over a pgx connection
// pool. Notifications use pg_notify, so delivery inside WithTx rides the
// transaction commit.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/workio/workio/internal/common/database"
	"github.com/workio/workio/internal/store"
	"github.com/workio/workio/pkg/transcript"
)

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store over PostgreSQL. The zero value is not
// usable; construct with New.
type Store struct {
	queries
	db *database.DB
}

// txStore is the transactional view handed to WithTx callbacks.
type txStore struct {
	queries
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Store = (*txStore)(nil)
)

// New returns a store backed by the pool. Each operation runs in its own
// implicit transaction; use WithTx to group operations.
func New(db *database.DB) *Store {
	return &Store{queries: queries{q: db.Pool()}, db: db}
}

// requiredTables is the externally managed schema the pipeline depends on.
var requiredTables = []string{
	"projects", "sessions", "prompts", "messages",
	"hooks", "logs", "cleans", "settings",
}

// CheckSchema verifies the required tables exist so binaries can fail fast
// at startup instead of erroring on the first hook.
func (s *Store) CheckSchema(ctx context.Context) error {
	var missing []string
	for _, table := range requiredTables {
		var regclass *string
		err := s.db.QueryRow(ctx, `SELECT to_regclass($1)::text`, table).Scan(&regclass)
		if err != nil {
			return fmt.Errorf("checking table %s: %w", table, err)
		}
		if regclass == nil {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema not initialized, missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// WithTx runs fn against a transactional store. Notifications published by
// fn are delivered only if the transaction commits.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&txStore{queries{q: tx}})
	})
}

// WithTx on an already transactional store joins the open transaction.
func (t *txStore) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(t)
}

// queries implements every store operation against a pool or transaction.
type queries struct {
	q querier
}

func (s queries) UpsertProject(ctx context.Context, path string) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO projects (path) VALUES ($1)
		ON CONFLICT (path) DO UPDATE SET path = EXCLUDED.path
		RETURNING id
	`, path).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting project: %w", err)
	}
	return id, nil
}

func (s queries) DeleteOrphanProjects(ctx context.Context) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM projects
		WHERE id NOT IN (SELECT DISTINCT project_id FROM sessions)
	`)
	if err != nil {
		return 0, fmt.Errorf("deleting orphan projects: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s queries) UpsertSession(ctx context.Context, params store.UpsertSessionParams) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO sessions (session_id, project_id, terminal_id, shell_id, status, transcript_path)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			terminal_id = COALESCE(EXCLUDED.terminal_id, sessions.terminal_id),
			shell_id = COALESCE(EXCLUDED.shell_id, sessions.shell_id),
			status = EXCLUDED.status,
			transcript_path = EXCLUDED.transcript_path
	`, params.SessionID, params.ProjectID, params.TerminalID, params.ShellID,
		params.Status, params.TranscriptPath)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

func (s queries) UpdateSessionMetadata(ctx context.Context, sessionID string, name *string, messageCount *int) error {
	if name != nil {
		truncated := truncateName(*name)
		name = &truncated
	}
	_, err := s.q.Exec(ctx, `
		UPDATE sessions SET
			name = COALESCE($1, sessions.name),
			message_count = COALESCE($2, sessions.message_count)
		WHERE session_id = $3
	`, name, messageCount, sessionID)
	if err != nil {
		return fmt.Errorf("updating session metadata: %w", err)
	}
	return nil
}

func (s queries) UpdateSessionName(ctx context.Context, sessionID, name string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE sessions SET name = $1 WHERE session_id = $2
	`, truncateName(name), sessionID)
	if err != nil {
		return fmt.Errorf("updating session name: %w", err)
	}
	return nil
}

func (s queries) UpdateSessionNameIfEmpty(ctx context.Context, sessionID, name string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE sessions SET name = $1
		WHERE session_id = $2 AND (name IS NULL OR name = '')
	`, truncateName(name), sessionID)
	if err != nil {
		return fmt.Errorf("updating empty session name: %w", err)
	}
	return nil
}

func (s queries) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	var sess store.Session
	err := s.q.QueryRow(ctx, `
		SELECT session_id, project_id, terminal_id, shell_id, name, status,
		       COALESCE(transcript_path, ''), message_count, updated_at
		FROM sessions WHERE session_id = $1
	`, sessionID).Scan(&sess.SessionID, &sess.ProjectID, &sess.TerminalID,
		&sess.ShellID, &sess.Name, &sess.Status, &sess.TranscriptPath,
		&sess.MessageCount, &sess.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &sess, nil
}

func (s queries) GetSessionProjectPath(ctx context.Context, sessionID string) (string, error) {
	var path string
	err := s.q.QueryRow(ctx, `
		SELECT p.path FROM sessions s
		JOIN projects p ON s.project_id = p.id
		WHERE s.session_id = $1
	`, sessionID).Scan(&path)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting session project path: %w", err)
	}
	return path, nil
}

func (s queries) GetStaleSessionIDs(ctx context.Context, projectID int64, currentSessionID string) ([]string, error) {
	rows, err := s.q.Query(ctx, `
		SELECT session_id FROM sessions
		WHERE project_id = $1
		  AND session_id != $2
		  AND status = 'started'
	`, projectID, currentSessionID)
	if err != nil {
		return nil, fmt.Errorf("getting stale sessions: %w", err)
	}
	return scanStrings(rows)
}

func (s queries) GetEmptySessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.Query(ctx, `
		SELECT s.session_id
		FROM sessions s
		LEFT JOIN prompts p ON p.session_id = s.session_id
		LEFT JOIN messages m ON m.prompt_id = p.id
		GROUP BY s.session_id
		HAVING COUNT(DISTINCT p.id) <= 1
		   AND MAX(p.prompt) IS NULL
		   AND COUNT(m.id) = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("getting empty sessions: %w", err)
	}
	return scanStrings(rows)
}

func (s queries) EndStaleSessions(ctx context.Context, inactiveFor time.Duration) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE sessions SET status = 'ended'
		WHERE status IN ('started', 'active', 'permission_needed')
		  AND updated_at < NOW() - make_interval(secs => $1)
	`, inactiveFor.Seconds())
	if err != nil {
		return 0, fmt.Errorf("ending stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s queries) DeleteSessionsCascade(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	statements := []string{
		`DELETE FROM messages WHERE prompt_id IN (
			SELECT id FROM prompts WHERE session_id = ANY($1)
		)`,
		`DELETE FROM prompts WHERE session_id = ANY($1)`,
		`DELETE FROM hooks WHERE session_id = ANY($1)`,
		`DELETE FROM sessions WHERE session_id = ANY($1)`,
	}
	for _, stmt := range statements {
		if _, err := s.q.Exec(ctx, stmt, sessionIDs); err != nil {
			return fmt.Errorf("cascade deleting sessions: %w", err)
		}
	}
	return nil
}

func (s queries) CreatePrompt(ctx context.Context, sessionID string, prompt *string) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO prompts (session_id, prompt) VALUES ($1, $2) RETURNING id
	`, sessionID, prompt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating prompt: %w", err)
	}
	return id, nil
}

func (s queries) GetLatestPrompt(ctx context.Context, sessionID string) (*store.Prompt, error) {
	var p store.Prompt
	err := s.q.QueryRow(ctx, `
		SELECT id, session_id, prompt FROM prompts
		WHERE session_id = $1 ORDER BY id DESC LIMIT 1
	`, sessionID).Scan(&p.ID, &p.SessionID, &p.Prompt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest prompt: %w", err)
	}
	return &p, nil
}

func (s queries) UpdatePromptText(ctx context.Context, promptID int64, prompt *string) error {
	_, err := s.q.Exec(ctx, `UPDATE prompts SET prompt = $1 WHERE id = $2`, prompt, promptID)
	if err != nil {
		return fmt.Errorf("updating prompt text: %w", err)
	}
	return nil
}

func (s queries) DeleteOrphanPrompts(ctx context.Context) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM prompts WHERE session_id NOT IN (SELECT session_id FROM sessions)
	`)
	if err != nil {
		return 0, fmt.Errorf("deleting orphan prompts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s queries) MessageExists(ctx context.Context, uuid string) (bool, error) {
	var id int64
	err := s.q.QueryRow(ctx, `SELECT id FROM messages WHERE uuid = $1`, uuid).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking message existence: %w", err)
	}
	return true, nil
}

func (s queries) CreateMessage(ctx context.Context, params store.CreateMessageParams) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO messages (prompt_id, uuid, created_at, body, thinking, is_user, tools, todo_id, images)
		VALUES ($1, $2, COALESCE($3, NOW()), $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, params.PromptID, params.UUID, params.CreatedAt, params.Body,
		params.Thinking, params.IsUser, nullableJSON(params.Tools),
		params.TodoID, nullableJSON(params.Images)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating message: %w", err)
	}
	return id, nil
}

func (s queries) UpsertTodoMessage(ctx context.Context, params store.UpsertTodoMessageParams) (store.TodoUpsert, error) {
	todoHash := transcript.TodoHash(params.SessionID, params.Todos)

	var existingID int64
	var existingTools []byte
	err := s.q.QueryRow(ctx, `
		SELECT id, tools FROM messages WHERE todo_id = $1
	`, todoHash).Scan(&existingID, &existingTools)
	switch err {
	case nil:
		stateChanged := storedStateKeyDiffers(existingTools, params.StateKey)
		if stateChanged {
			_, err = s.q.Exec(ctx, `
				UPDATE messages SET tools = $1, updated_at = NOW() WHERE id = $2
			`, nullableJSON(params.Tools), existingID)
			if err != nil {
				return store.TodoUpsert{}, fmt.Errorf("updating todo message: %w", err)
			}
		}
		return store.TodoUpsert{
			MessageID:    existingID,
			TodoID:       todoHash,
			StateChanged: stateChanged,
		}, nil

	case pgx.ErrNoRows:
		var id int64
		err = s.q.QueryRow(ctx, `
			INSERT INTO messages (prompt_id, uuid, created_at, body, thinking, is_user, tools, todo_id)
			VALUES ($1, $2, COALESCE($3, NOW()), NULL, FALSE, FALSE, $4, $5)
			RETURNING id
		`, params.PromptID, params.UUID, params.CreatedAt,
			nullableJSON(params.Tools), todoHash).Scan(&id)
		if err != nil {
			return store.TodoUpsert{}, fmt.Errorf("creating todo message: %w", err)
		}
		return store.TodoUpsert{MessageID: id, TodoID: todoHash, IsNew: true}, nil

	default:
		return store.TodoUpsert{}, fmt.Errorf("looking up todo message: %w", err)
	}
}

func (s queries) GetLatestUserMessage(ctx context.Context, promptID int64) (*string, bool, error) {
	var body *string
	err := s.q.QueryRow(ctx, `
		SELECT body FROM messages
		WHERE prompt_id = $1 AND is_user = TRUE
		ORDER BY id DESC LIMIT 1
	`, promptID).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting latest user message: %w", err)
	}
	return body, true, nil
}

func (s queries) MessagesWithoutSummary(ctx context.Context, limit int) ([]store.MessageForSummary, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, body, is_user, thinking
		FROM messages
		WHERE is_user = FALSE AND body IS NOT NULL AND length(body) > 60
		  AND summary IS NULL
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting messages without summary: %w", err)
	}
	defer rows.Close()

	var messages []store.MessageForSummary
	for rows.Next() {
		var m store.MessageForSummary
		if err := rows.Scan(&m.ID, &m.Body, &m.IsUser, &m.Thinking); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s queries) UpdateMessageSummary(ctx context.Context, messageID int64, summary []byte) error {
	_, err := s.q.Exec(ctx, `
		UPDATE messages SET summary = $1 WHERE id = $2
	`, nullableJSON(summary), messageID)
	if err != nil {
		return fmt.Errorf("updating message summary: %w", err)
	}
	return nil
}

func (s queries) SaveHook(ctx context.Context, sessionID, hookType string, payload []byte) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO hooks (session_id, hook_type, payload) VALUES ($1, $2, $3)
	`, sessionID, hookType, nullableJSON(payload))
	if err != nil {
		return fmt.Errorf("saving hook: %w", err)
	}
	return nil
}

func (s queries) Log(ctx context.Context, message string, fields map[string]any) error {
	data := map[string]any{"message": message}
	for k, v := range fields {
		data[k] = v
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling log record: %w", err)
	}
	if _, err := s.q.Exec(ctx, `INSERT INTO logs (data) VALUES ($1)`, payload); err != nil {
		return fmt.Errorf("writing log record: %w", err)
	}
	return nil
}

func (s queries) Notify(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling notify payload: %w", err)
	}
	if _, err := s.q.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(data)); err != nil {
		return fmt.Errorf("notifying %s: %w", channel, err)
	}
	return nil
}

func (s queries) HasRecentClean(ctx context.Context, cleanType string, within time.Duration) (bool, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		SELECT id FROM cleans
		WHERE type = $1 AND created_at > NOW() - make_interval(secs => $2)
		LIMIT 1
	`, cleanType, within.Seconds()).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking recent clean: %w", err)
	}
	return true, nil
}

func (s queries) RecordClean(ctx context.Context, cleanType string) error {
	if _, err := s.q.Exec(ctx, `INSERT INTO cleans (type) VALUES ($1)`, cleanType); err != nil {
		return fmt.Errorf("recording clean: %w", err)
	}
	return nil
}

func (s queries) DeleteOldLogsAndHooks(ctx context.Context, olderThan time.Duration) (int64, error) {
	var total int64
	for _, table := range []string{"logs", "hooks"} {
		tag, err := s.q.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE created_at < NOW() - make_interval(secs => $1)
		`, table), olderThan.Seconds())
		if err != nil {
			return total, fmt.Errorf("deleting old %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func (s queries) GetFavoriteSessionIDs(ctx context.Context) ([]string, error) {
	var config []byte
	err := s.q.QueryRow(ctx, `SELECT config FROM settings LIMIT 1`).Scan(&config)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	return ParseFavorites(config), nil
}

// ParseFavorites extracts favorite_sessions from a settings config document.
// Malformed configs yield no favorites.
func ParseFavorites(config []byte) []string {
	if len(config) == 0 {
		return nil
	}
	var parsed struct {
		FavoriteSessions []string `json:"favorite_sessions"`
	}
	if err := json.Unmarshal(config, &parsed); err != nil {
		return nil
	}
	return parsed.FavoriteSessions
}

// storedStateKeyDiffers reports whether the stored tools JSON carries a
// non-empty state_key different from the new one. A missing or unreadable
// stored key means no change: only a status-vector move triggers an update.
func storedStateKeyDiffers(storedTools []byte, stateKey string) bool {
	if len(storedTools) == 0 {
		return false
	}
	var parsed struct {
		StateKey string `json:"state_key"`
	}
	if err := json.Unmarshal(storedTools, &parsed); err != nil {
		return false
	}
	return parsed.StateKey != "" && parsed.StateKey != stateKey
}

// truncateName caps display names at 200 runes.
func truncateName(name string) string {
	runes := []rune(name)
	if len(runes) <= 200 {
		return name
	}
	return string(runes[:200])
}

// nullableJSON maps empty JSON buffers to NULL.
func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
