// Package storetest provides an in-memory store.Store for tests. It mirrors
// the relational semantics the pipeline depends on: uuid uniqueness,
// write-once project ids, todo-identity upserts, and recorded notifications.
// It does not roll back on WithTx failure.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/workio/workio/internal/store"
	"github.com/workio/workio/pkg/transcript"
)

// Project is one stored project row.
type Project struct {
	ID   int64
	Path string
}

// Message is one stored message row.
type Message struct {
	ID        int64
	PromptID  int64
	UUID      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Body      *string
	Thinking  bool
	IsUser    bool
	Tools     []byte
	TodoID    *string
	Images    []byte
	Summary   []byte
}

// Notification is one recorded Notify call.
type Notification struct {
	Channel string
	Payload []byte
}

// LogRecord is one recorded Log call.
type LogRecord struct {
	Message string
	Fields  map[string]any
}

// Hook is one recorded SaveHook call.
type Hook struct {
	SessionID string
	HookType  string
	Payload   []byte
	CreatedAt time.Time
}

// Fake is a thread-safe in-memory store.
type Fake struct {
	mu sync.Mutex

	Projects      map[string]*Project
	Sessions      map[string]*store.Session
	Prompts       []*store.Prompt
	Messages      []*Message
	Hooks         []Hook
	Logs          []LogRecord
	Notifications []Notification
	Cleans        map[string][]time.Time
	Favorites     []string

	nextProjectID int64
	nextPromptID  int64
	nextMessageID int64

	// Err, when set, is returned by every state-changing operation. Tests
	// use it to exercise failure paths.
	Err error
}

var _ store.Store = (*Fake)(nil)

// New returns an empty fake store.
func New() *Fake {
	return &Fake{
		Projects: make(map[string]*Project),
		Sessions: make(map[string]*store.Session),
		Cleans:   make(map[string][]time.Time),
	}
}

func (f *Fake) UpsertProject(_ context.Context, path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	if p, ok := f.Projects[path]; ok {
		return p.ID, nil
	}
	f.nextProjectID++
	f.Projects[path] = &Project{ID: f.nextProjectID, Path: path}
	return f.nextProjectID, nil
}

func (f *Fake) DeleteOrphanProjects(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	used := make(map[int64]bool)
	for _, s := range f.Sessions {
		used[s.ProjectID] = true
	}
	var deleted int64
	for path, p := range f.Projects {
		if !used[p.ID] {
			delete(f.Projects, path)
			deleted++
		}
	}
	return deleted, nil
}

func (f *Fake) UpsertSession(_ context.Context, params store.UpsertSessionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if existing, ok := f.Sessions[params.SessionID]; ok {
		// project_id is write-once
		if params.TerminalID != nil {
			existing.TerminalID = params.TerminalID
		}
		if params.ShellID != nil {
			existing.ShellID = params.ShellID
		}
		existing.Status = params.Status
		existing.TranscriptPath = params.TranscriptPath
		existing.UpdatedAt = time.Now()
		return nil
	}
	f.Sessions[params.SessionID] = &store.Session{
		SessionID:      params.SessionID,
		ProjectID:      params.ProjectID,
		TerminalID:     params.TerminalID,
		ShellID:        params.ShellID,
		Status:         params.Status,
		TranscriptPath: params.TranscriptPath,
		UpdatedAt:      time.Now(),
	}
	return nil
}

func (f *Fake) UpdateSessionMetadata(_ context.Context, sessionID string, name *string, messageCount *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[sessionID]
	if !ok {
		return nil
	}
	if name != nil {
		truncated := truncate(*name)
		s.Name = &truncated
	}
	if messageCount != nil {
		s.MessageCount = messageCount
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (f *Fake) UpdateSessionName(_ context.Context, sessionID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.Sessions[sessionID]; ok {
		truncated := truncate(name)
		s.Name = &truncated
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (f *Fake) UpdateSessionNameIfEmpty(_ context.Context, sessionID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[sessionID]
	if !ok {
		return nil
	}
	if s.Name == nil || *s.Name == "" {
		truncated := truncate(name)
		s.Name = &truncated
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (f *Fake) GetSession(_ context.Context, sessionID string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (f *Fake) GetSessionProjectPath(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[sessionID]
	if !ok {
		return "", nil
	}
	for _, p := range f.Projects {
		if p.ID == s.ProjectID {
			return p.Path, nil
		}
	}
	return "", nil
}

func (f *Fake) GetStaleSessionIDs(_ context.Context, projectID int64, currentSessionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, s := range f.Sessions {
		if s.ProjectID == projectID && id != currentSessionID && s.Status == "started" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *Fake) GetEmptySessionIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.Sessions {
		prompts := f.promptsOf(id)
		if len(prompts) > 1 {
			continue
		}
		empty := true
		for _, p := range prompts {
			if p.Prompt != nil {
				empty = false
				break
			}
			for _, m := range f.Messages {
				if m.PromptID == p.ID {
					empty = false
					break
				}
			}
		}
		if empty {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *Fake) EndStaleSessions(_ context.Context, inactiveFor time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-inactiveFor)
	var updated int64
	for _, s := range f.Sessions {
		switch s.Status {
		case "started", "active", "permission_needed":
			if s.UpdatedAt.Before(cutoff) {
				s.Status = "ended"
				updated++
			}
		}
	}
	return updated, nil
}

func (f *Fake) DeleteSessionsCascade(_ context.Context, sessionIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range sessionIDs {
		for _, p := range f.promptsOf(id) {
			f.Messages = filterMessages(f.Messages, func(m *Message) bool {
				return m.PromptID != p.ID
			})
		}
		f.Prompts = filterPrompts(f.Prompts, func(p *store.Prompt) bool {
			return p.SessionID != id
		})
		kept := f.Hooks[:0]
		for _, h := range f.Hooks {
			if h.SessionID != id {
				kept = append(kept, h)
			}
		}
		f.Hooks = kept
		delete(f.Sessions, id)
	}
	return nil
}

func (f *Fake) CreatePrompt(_ context.Context, sessionID string, prompt *string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	f.nextPromptID++
	f.Prompts = append(f.Prompts, &store.Prompt{ID: f.nextPromptID, SessionID: sessionID, Prompt: prompt})
	return f.nextPromptID, nil
}

func (f *Fake) GetLatestPrompt(_ context.Context, sessionID string) (*store.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prompts := f.promptsOf(sessionID)
	if len(prompts) == 0 {
		return nil, nil
	}
	copied := *prompts[len(prompts)-1]
	return &copied, nil
}

func (f *Fake) UpdatePromptText(_ context.Context, promptID int64, prompt *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.Prompts {
		if p.ID == promptID {
			p.Prompt = prompt
		}
	}
	return nil
}

func (f *Fake) DeleteOrphanPrompts(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	before := len(f.Prompts)
	f.Prompts = filterPrompts(f.Prompts, func(p *store.Prompt) bool {
		_, ok := f.Sessions[p.SessionID]
		return ok
	})
	return int64(before - len(f.Prompts)), nil
}

func (f *Fake) MessageExists(_ context.Context, uuid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.Messages {
		if m.UUID == uuid {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) CreateMessage(_ context.Context, params store.CreateMessageParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	for _, m := range f.Messages {
		if m.UUID == params.UUID {
			return 0, fmt.Errorf("duplicate message uuid %q", params.UUID)
		}
	}
	f.nextMessageID++
	createdAt := time.Now()
	if params.CreatedAt != nil {
		createdAt = *params.CreatedAt
	}
	f.Messages = append(f.Messages, &Message{
		ID:        f.nextMessageID,
		PromptID:  params.PromptID,
		UUID:      params.UUID,
		CreatedAt: createdAt,
		Body:      params.Body,
		Thinking:  params.Thinking,
		IsUser:    params.IsUser,
		Tools:     params.Tools,
		TodoID:    params.TodoID,
		Images:    params.Images,
	})
	return f.nextMessageID, nil
}

func (f *Fake) UpsertTodoMessage(_ context.Context, params store.UpsertTodoMessageParams) (store.TodoUpsert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return store.TodoUpsert{}, f.Err
	}
	todoHash := transcript.TodoHash(params.SessionID, params.Todos)

	for _, m := range f.Messages {
		if m.TodoID == nil || *m.TodoID != todoHash {
			continue
		}
		stateChanged := false
		var stored struct {
			StateKey string `json:"state_key"`
		}
		if len(m.Tools) > 0 && json.Unmarshal(m.Tools, &stored) == nil {
			stateChanged = stored.StateKey != "" && stored.StateKey != params.StateKey
		}
		if stateChanged {
			m.Tools = params.Tools
			m.UpdatedAt = time.Now()
		}
		return store.TodoUpsert{MessageID: m.ID, TodoID: todoHash, StateChanged: stateChanged}, nil
	}

	f.nextMessageID++
	createdAt := time.Now()
	if params.CreatedAt != nil {
		createdAt = *params.CreatedAt
	}
	f.Messages = append(f.Messages, &Message{
		ID:        f.nextMessageID,
		PromptID:  params.PromptID,
		UUID:      params.UUID,
		CreatedAt: createdAt,
		Tools:     params.Tools,
		TodoID:    &todoHash,
	})
	return store.TodoUpsert{MessageID: f.nextMessageID, TodoID: todoHash, IsNew: true}, nil
}

func (f *Fake) GetLatestUserMessage(_ context.Context, promptID int64) (*string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Messages) - 1; i >= 0; i-- {
		m := f.Messages[i]
		if m.PromptID == promptID && m.IsUser {
			return m.Body, true, nil
		}
	}
	return nil, false, nil
}

func (f *Fake) MessagesWithoutSummary(_ context.Context, limit int) ([]store.MessageForSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.MessageForSummary
	for _, m := range f.Messages {
		if len(out) >= limit {
			break
		}
		if m.IsUser || m.Body == nil || len(*m.Body) <= 60 || len(m.Summary) > 0 {
			continue
		}
		out = append(out, store.MessageForSummary{ID: m.ID, Body: *m.Body, IsUser: m.IsUser, Thinking: m.Thinking})
	}
	return out, nil
}

func (f *Fake) UpdateMessageSummary(_ context.Context, messageID int64, summary []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.Messages {
		if m.ID == messageID {
			m.Summary = summary
		}
	}
	return nil
}

func (f *Fake) SaveHook(_ context.Context, sessionID, hookType string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Hooks = append(f.Hooks, Hook{SessionID: sessionID, HookType: hookType, Payload: payload, CreatedAt: time.Now()})
	return nil
}

func (f *Fake) Log(_ context.Context, message string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Logs = append(f.Logs, LogRecord{Message: message, Fields: fields})
	return nil
}

func (f *Fake) Notify(_ context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notifications = append(f.Notifications, Notification{Channel: channel, Payload: data})
	return nil
}

func (f *Fake) HasRecentClean(_ context.Context, cleanType string, within time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-within)
	for _, t := range f.Cleans[cleanType] {
		if t.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) RecordClean(_ context.Context, cleanType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cleans[cleanType] = append(f.Cleans[cleanType], time.Now())
	return nil
}

func (f *Fake) DeleteOldLogsAndHooks(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var deleted int64
	kept := f.Hooks[:0]
	for _, h := range f.Hooks {
		if h.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, h)
	}
	f.Hooks = kept
	return deleted, nil
}

func (f *Fake) GetFavoriteSessionIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Favorites...), nil
}

// WithTx runs fn against the fake itself. There is no rollback; failed
// groups leave their partial writes behind.
func (f *Fake) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(f)
}

// NotificationsOn returns the recorded notifications for one channel.
func (f *Fake) NotificationsOn(channel string) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notification
	for _, n := range f.Notifications {
		if n.Channel == channel {
			out = append(out, n)
		}
	}
	return out
}

// LogMessages returns the recorded log messages in order.
func (f *Fake) LogMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Logs))
	for i, l := range f.Logs {
		out[i] = l.Message
	}
	return out
}

// MessageUUIDs returns the stored message uuids in insertion order.
func (f *Fake) MessageUUIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Messages))
	for i, m := range f.Messages {
		out[i] = m.UUID
	}
	return out
}

func (f *Fake) promptsOf(sessionID string) []*store.Prompt {
	var out []*store.Prompt
	for _, p := range f.Prompts {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

func truncate(name string) string {
	runes := []rune(name)
	if len(runes) <= 200 {
		return name
	}
	return string(runes[:200])
}

func filterPrompts(in []*store.Prompt, keep func(*store.Prompt) bool) []*store.Prompt {
	out := in[:0]
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func filterMessages(in []*Message, keep func(*Message) bool) []*Message {
	out := in[:0]
	for _, m := range in {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
