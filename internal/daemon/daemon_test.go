package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workio/workio/internal/common/logger"
	"github.com/workio/workio/internal/reconcile"
	"github.com/workio/workio/internal/store"
	"github.com/workio/workio/internal/store/storetest"
	"github.com/workio/workio/internal/sweep"
	"github.com/workio/workio/pkg/protocol"
)

// newTestServer returns a server whose post-commit jobs are dropped, so
// tests observe the persisted event state in isolation.
func newTestServer(t *testing.T, fake *storetest.Fake) *Server {
	t.Helper()
	log := logger.Default()
	debounceDir := t.TempDir()
	worker := reconcile.New(fake, log, debounceDir, 10*time.Millisecond)
	sweeper := sweep.New(fake, log, debounceDir)
	s := New(fake, log, worker, sweeper, t.TempDir())
	s.spawn = func(func()) {}
	return s
}

func hookRequest(t *testing.T, ev protocol.HookEvent, env protocol.Env) protocol.Request {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return protocol.Request{Event: raw, Env: env}
}

func terminalID(id int64) *int64 { return &id }

func TestSessionLifecycle(t *testing.T) {
	fake := storetest.New()
	s := newTestServer(t, fake)
	ctx := context.Background()

	transcriptPath := "/home/u/.claude/projects/-p/s1.jsonl"

	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: transcriptPath,
		Cwd:            "/p",
		HookEventName:  protocol.EventSessionStart,
	}, protocol.Env{TerminalID: terminalID(7)}))

	require.Contains(t, fake.Sessions, "s1")
	assert.Equal(t, "started", fake.Sessions["s1"].Status)
	require.NotNil(t, fake.Sessions["s1"].TerminalID)
	assert.Equal(t, int64(7), *fake.Sessions["s1"].TerminalID)
	assert.Equal(t, "/p", fake.Projects["/p"].Path)
	require.Len(t, fake.Prompts, 1)
	assert.Nil(t, fake.Prompts[0].Prompt, "session start creates a placeholder prompt")

	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: transcriptPath,
		Cwd:            "/p",
		HookEventName:  protocol.EventUserPromptSubmit,
		Prompt:         "Hello",
	}, protocol.Env{TerminalID: terminalID(7)}))

	assert.Equal(t, "active", fake.Sessions["s1"].Status)
	require.Len(t, fake.Prompts, 2)
	require.NotNil(t, fake.Prompts[1].Prompt)
	assert.Equal(t, "Hello", *fake.Prompts[1].Prompt)
	require.NotNil(t, fake.Sessions["s1"].Name)
	assert.Equal(t, "Hello", *fake.Sessions["s1"].Name)

	assert.Len(t, fake.Hooks, 2, "every event is persisted raw")

	hooks := fake.NotificationsOn("hook")
	require.Len(t, hooks, 2)
	var payload protocol.HookPayload
	require.NoError(t, json.Unmarshal(hooks[1].Payload, &payload))
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, protocol.EventUserPromptSubmit, payload.HookType)
	require.NotNil(t, payload.Status)
	assert.Equal(t, "active", *payload.Status)
	assert.Equal(t, "/p", payload.ProjectPath)
}

func TestProjectPathImmutable(t *testing.T) {
	fake := storetest.New()
	s := newTestServer(t, fake)
	ctx := context.Background()

	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: "/home/u/.claude/projects/-p/s1.jsonl",
		Cwd:            "/p",
		HookEventName:  protocol.EventSessionStart,
	}, protocol.Env{}))

	// A later hook from a moved cwd must not re-home the session.
	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: "/home/u/.claude/projects/-p-sub/s1.jsonl",
		Cwd:            "/p/sub",
		HookEventName:  protocol.EventPreToolUse,
	}, protocol.Env{}))

	path, err := fake.GetSessionProjectPath(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "/p", path)
}

func TestCwdFallbackWhenTranscriptMissing(t *testing.T) {
	fake := storetest.New()
	s := newTestServer(t, fake)

	s.ProcessRequest(context.Background(), hookRequest(t, protocol.HookEvent{
		SessionID:     "s1",
		Cwd:           "/somewhere",
		HookEventName: protocol.EventSessionStart,
	}, protocol.Env{}))

	assert.Contains(t, fake.Projects, "/somewhere")
}

func TestSessionStartCleansStaleStartedSessions(t *testing.T) {
	fake := storetest.New()
	s := newTestServer(t, fake)
	ctx := context.Background()

	projectID, err := fake.UpsertProject(ctx, "/p")
	require.NoError(t, err)
	require.NoError(t, fake.UpsertSession(ctx, store.UpsertSessionParams{
		SessionID: "stuck", ProjectID: projectID, Status: "started",
	}))
	require.NoError(t, fake.UpsertSession(ctx, store.UpsertSessionParams{
		SessionID: "running", ProjectID: projectID, Status: "active",
	}))

	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: "/home/u/.claude/projects/-p/s1.jsonl",
		Cwd:            "/p",
		HookEventName:  protocol.EventSessionStart,
	}, protocol.Env{}))

	assert.NotContains(t, fake.Sessions, "stuck")
	assert.Contains(t, fake.Sessions, "running", "only sessions stuck in started are collected")
	assert.Contains(t, fake.Sessions, "s1")

	deleted := fake.NotificationsOn("sessions_deleted")
	require.Len(t, deleted, 1)
	var payload protocol.SessionsDeletedPayload
	require.NoError(t, json.Unmarshal(deleted[0].Payload, &payload))
	assert.Equal(t, []string{"stuck"}, payload.SessionIDs)
}

func TestEnrichFromSessionIndex(t *testing.T) {
	fake := storetest.New()
	s := newTestServer(t, fake)
	ctx := context.Background()

	indexDir := filepath.Join(s.claudeDir, "projects", "-p")
	require.NoError(t, os.MkdirAll(indexDir, 0o755))
	index := `{"entries":[{"sessionId":"s1","customTitle":"Billing refactor","messageCount":42}]}`
	require.NoError(t, os.WriteFile(filepath.Join(indexDir, "sessions-index.json"), []byte(index), 0o644))

	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: "/home/u/.claude/projects/-p/s1.jsonl",
		Cwd:            "/p",
		HookEventName:  protocol.EventSessionStart,
	}, protocol.Env{}))

	require.NotNil(t, fake.Sessions["s1"].Name)
	assert.Equal(t, "Billing refactor", *fake.Sessions["s1"].Name)
	require.NotNil(t, fake.Sessions["s1"].MessageCount)
	assert.Equal(t, 42, *fake.Sessions["s1"].MessageCount)
}

func TestIndexMissLogged(t *testing.T) {
	fake := storetest.New()
	s := newTestServer(t, fake)

	s.ProcessRequest(context.Background(), hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: "/home/u/.claude/projects/-p/s1.jsonl",
		Cwd:            "/p",
		HookEventName:  protocol.EventSessionStart,
	}, protocol.Env{}))

	assert.Contains(t, fake.LogMessages(), "No session entry found in index")
}

func TestNotificationEventStatuses(t *testing.T) {
	fake := storetest.New()
	s := newTestServer(t, fake)
	ctx := context.Background()

	start := protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: "/home/u/.claude/projects/-p/s1.jsonl",
		Cwd:            "/p",
		HookEventName:  protocol.EventSessionStart,
	}
	s.ProcessRequest(ctx, hookRequest(t, start, protocol.Env{}))

	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:        "s1",
		TranscriptPath:   start.TranscriptPath,
		Cwd:              "/p",
		HookEventName:    protocol.EventNotification,
		NotificationType: protocol.NotificationPermissionPrompt,
	}, protocol.Env{}))
	assert.Equal(t, "permission_needed", fake.Sessions["s1"].Status)

	// A notification without a recognized subtype carries no status.
	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: start.TranscriptPath,
		Cwd:            "/p",
		HookEventName:  protocol.EventNotification,
	}, protocol.Env{}))
	assert.Equal(t, "permission_needed", fake.Sessions["s1"].Status)

	hooks := fake.NotificationsOn("hook")
	require.Len(t, hooks, 3)
	var payload protocol.HookPayload
	require.NoError(t, json.Unmarshal(hooks[2].Payload, &payload))
	assert.Nil(t, payload.Status)
}

func TestSweepScheduledExceptOnSessionStart(t *testing.T) {
	fake := storetest.New()
	s := newTestServer(t, fake)
	var spawned int
	s.spawn = func(func()) { spawned++ }
	ctx := context.Background()

	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: "/home/u/.claude/projects/-p/s1.jsonl",
		Cwd:            "/p",
		HookEventName:  protocol.EventSessionStart,
	}, protocol.Env{}))
	assert.Equal(t, 1, spawned, "session start schedules only the reconciler")

	s.ProcessRequest(ctx, hookRequest(t, protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: "/home/u/.claude/projects/-p/s1.jsonl",
		Cwd:            "/p",
		HookEventName:  protocol.EventStop,
	}, protocol.Env{}))
	assert.Equal(t, 3, spawned, "other events schedule reconciler and sweeper")
}

func TestServeOverSocket(t *testing.T) {
	fake := storetest.New()
	s := newTestServer(t, fake)

	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.ListenAndServe(ctx, socketPath) }()

	waitForSocket(t, socketPath)

	ev, err := json.Marshal(protocol.HookEvent{
		SessionID:      "s1",
		TranscriptPath: "/home/u/.claude/projects/-p/s1.jsonl",
		Cwd:            "/p",
		HookEventName:  protocol.EventSessionStart,
	})
	require.NoError(t, err)
	line, err := protocol.EncodeRequest(ev, protocol.Env{TerminalID: terminalID(3)})
	require.NoError(t, err)

	reply := exchange(t, socketPath, string(line))
	resp, err := protocol.DecodeResponse([]byte(reply))
	require.NoError(t, err)
	assert.True(t, resp.Continue)

	// Garbage still gets the go-ahead.
	resp, err = protocol.DecodeResponse([]byte(exchange(t, socketPath, "{not json")))
	require.NoError(t, err)
	assert.True(t, resp.Continue)

	cancel()
	require.NoError(t, <-served)

	assert.Contains(t, fake.Sessions, "s1")
	_, statErr := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(statErr), "socket file is removed on shutdown")
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func exchange(t *testing.T, socketPath, line string) string {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "%s\n", line)
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return reply
}
