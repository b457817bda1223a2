package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workio/workio/internal/store"
	"github.com/workio/workio/internal/store/storetest"
	"github.com/workio/workio/pkg/transcript"
)

var fixtureLines = []string{
	`{"type":"user","uuid":"u1","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"Hello"}}`,
	`{"type":"assistant","uuid":"a1","timestamp":"2025-06-01T10:00:01Z","message":{"role":"assistant","type":"message","content":[{"type":"thinking","thinking":"Let me think"}]}}`,
	`{"type":"assistant","uuid":"a2","timestamp":"2025-06-01T10:00:02Z","message":{"role":"assistant","type":"message","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
	`{"type":"user","uuid":"r1","timestamp":"2025-06-01T10:00:03Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"file.txt"}]}}`,
	`{"type":"assistant","uuid":"a3","timestamp":"2025-06-01T10:00:04Z","message":{"role":"assistant","type":"message","content":[{"type":"tool_use","id":"td1","name":"TodoWrite","input":{"todos":[{"content":"task a","status":"pending"},{"content":"task b","status":"pending"}]}}]}}`,
	`{"type":"assistant","uuid":"a4","timestamp":"2025-06-01T10:00:05Z","message":{"role":"assistant","type":"message","content":[{"type":"tool_use","id":"td2","name":"TodoWrite","input":{"todos":[{"content":"task a","status":"completed"},{"content":"task b","status":"in_progress"}]}}]}}`,
	`{"type":"assistant","uuid":"a5","timestamp":"2025-06-01T10:00:06Z","message":{"role":"assistant","type":"message","content":[{"type":"text","text":"Done with the task"}]}}`,
	`{"type":"user","uuid":"u2","timestamp":"2025-06-01T10:00:07Z","message":{"role":"user","content":"<local-command-stdout>output</local-command-stdout>"}}`,
	`not valid json at all`,
}

func writeFixture(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func seedPrompt(t *testing.T, fake *storetest.Fake, sessionID string) int64 {
	t.Helper()
	ctx := context.Background()
	projectID, err := fake.UpsertProject(ctx, "/p")
	require.NoError(t, err)
	require.NoError(t, fake.UpsertSession(ctx, store.UpsertSessionParams{
		SessionID: sessionID,
		ProjectID: projectID,
		Status:    "active",
	}))
	id, err := fake.CreatePrompt(ctx, sessionID, nil)
	require.NoError(t, err)
	return id
}

func TestProcessTranscript(t *testing.T) {
	fake := storetest.New()
	seedPrompt(t, fake, "s1")
	path := writeFixture(t, fixtureLines)

	ids, err := processTranscript(context.Background(), fake, "s1", path)
	require.NoError(t, err)

	// One bash call, one deduplicated todo message, three text messages. The
	// synthetic command output and the malformed line are dropped.
	assert.Len(t, ids, 5)
	assert.ElementsMatch(t, []string{"t1", "td2", "u1", "a1", "a5"}, fake.MessageUUIDs())

	var todoMsg *storetest.Message
	for _, m := range fake.Messages {
		if m.TodoID != nil {
			require.Nil(t, todoMsg, "a todo list collapses to a single message")
			todoMsg = m
		}
	}
	require.NotNil(t, todoMsg)
	wantHash := transcript.TodoHash("s1", []transcript.Todo{
		{Content: "task a", Status: "completed"},
		{Content: "task b", Status: "in_progress"},
	})
	assert.Equal(t, wantHash, *todoMsg.TodoID)

	var tools map[string]any
	require.NoError(t, json.Unmarshal(todoMsg.Tools, &tools))
	assert.Equal(t, "completed", tools["input"].(map[string]any)["todos"].([]any)[0].(map[string]any)["status"],
		"the last write of a todo list wins within a pass")
}

func TestProcessTranscriptIsIdempotent(t *testing.T) {
	fake := storetest.New()
	seedPrompt(t, fake, "s1")
	path := writeFixture(t, fixtureLines)

	ids, err := processTranscript(context.Background(), fake, "s1", path)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	ids, err = processTranscript(context.Background(), fake, "s1", path)
	require.NoError(t, err)
	assert.Empty(t, ids, "an unchanged transcript yields no new messages")
	assert.Len(t, fake.MessageUUIDs(), 5)
}

func TestProcessTranscriptTodoStateChange(t *testing.T) {
	fake := storetest.New()
	seedPrompt(t, fake, "s1")

	pendingLine := `{"type":"assistant","uuid":"a1","timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","type":"message","content":[{"type":"tool_use","id":"td1","name":"TodoWrite","input":{"todos":[{"content":"task a","status":"pending"}]}}]}}`
	doneLine := `{"type":"assistant","uuid":"a2","timestamp":"2025-06-01T10:00:10Z","message":{"role":"assistant","type":"message","content":[{"type":"tool_use","id":"td2","name":"TodoWrite","input":{"todos":[{"content":"task a","status":"completed"}]}}]}}`

	ids, err := processTranscript(context.Background(), fake, "s1", writeFixture(t, []string{pendingLine}))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	ids, err = processTranscript(context.Background(), fake, "s1", writeFixture(t, []string{pendingLine, doneLine}))
	require.NoError(t, err)
	assert.Len(t, ids, 1, "a status change re-emits the existing todo message")

	require.Len(t, fake.Messages, 1)
	var tools map[string]any
	require.NoError(t, json.Unmarshal(fake.Messages[0].Tools, &tools))
	assert.Equal(t, transcript.StateKey([]transcript.Todo{{Content: "task a", Status: "completed"}}),
		tools["state_key"])
}

func TestProcessTranscriptSessionName(t *testing.T) {
	fake := storetest.New()
	seedPrompt(t, fake, "s1")

	path := writeFixture(t, []string{
		`{"type":"custom-title","customTitle":"Old Title"}`,
		`{"type":"user","uuid":"u1","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"Hello"}}`,
		`{"type":"custom-title","customTitle":"New Title"}`,
	})
	_, err := processTranscript(context.Background(), fake, "s1", path)
	require.NoError(t, err)

	require.NotNil(t, fake.Sessions["s1"].Name)
	assert.Equal(t, "New Title", *fake.Sessions["s1"].Name, "the last custom title wins")
}

func TestProcessTranscriptNameFromFirstUserMessage(t *testing.T) {
	fake := storetest.New()
	seedPrompt(t, fake, "s1")

	path := writeFixture(t, []string{
		`{"type":"user","uuid":"u1","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"Fix the login bug"}}`,
		`{"type":"user","uuid":"u2","timestamp":"2025-06-01T10:00:05Z","message":{"role":"user","content":"And the logout one"}}`,
	})
	_, err := processTranscript(context.Background(), fake, "s1", path)
	require.NoError(t, err)

	require.NotNil(t, fake.Sessions["s1"].Name)
	assert.Equal(t, "Fix the login bug", *fake.Sessions["s1"].Name)
}

func TestProcessTranscriptPromotesPlaceholderPrompt(t *testing.T) {
	fake := storetest.New()
	seedPrompt(t, fake, "s1")

	path := writeFixture(t, []string{
		`{"type":"user","uuid":"u1","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"Hello"}}`,
	})
	_, err := processTranscript(context.Background(), fake, "s1", path)
	require.NoError(t, err)

	require.Len(t, fake.Prompts, 1)
	require.NotNil(t, fake.Prompts[0].Prompt)
	assert.Equal(t, "Hello", *fake.Prompts[0].Prompt)
	assert.Contains(t, fake.LogMessages(), "Set prompt from user message")
}

func TestProcessTranscriptNoPrompt(t *testing.T) {
	fake := storetest.New()
	path := writeFixture(t, []string{
		`{"type":"user","uuid":"u1","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"Hello"}}`,
	})

	ids, err := processTranscript(context.Background(), fake, "s1", path)
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.Empty(t, fake.MessageUUIDs())
	assert.Contains(t, fake.LogMessages(), "No prompt found for session")
}

func TestProcessTranscriptMissingFile(t *testing.T) {
	fake := storetest.New()
	seedPrompt(t, fake, "s1")

	ids, err := processTranscript(context.Background(), fake, "s1", filepath.Join(t.TempDir(), "gone.jsonl"))
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.Contains(t, fake.LogMessages(), "Transcript file not found")
}
