package sweep

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workio/workio/internal/common/logger"
	"github.com/workio/workio/internal/store"
	"github.com/workio/workio/internal/store/storetest"
	"github.com/workio/workio/pkg/protocol"
)

func seedEmptySession(t *testing.T, fake *storetest.Fake, sessionID string) {
	t.Helper()
	ctx := context.Background()
	projectID, err := fake.UpsertProject(ctx, "/"+sessionID)
	require.NoError(t, err)
	require.NoError(t, fake.UpsertSession(ctx, store.UpsertSessionParams{
		SessionID: sessionID, ProjectID: projectID, Status: "ended",
	}))
	_, err = fake.CreatePrompt(ctx, sessionID, nil)
	require.NoError(t, err)
}

func TestRunDeletesEmptySessions(t *testing.T) {
	fake := storetest.New()
	seedEmptySession(t, fake, "empty")

	// A session whose single prompt has text is not empty.
	ctx := context.Background()
	projectID, err := fake.UpsertProject(ctx, "/kept")
	require.NoError(t, err)
	require.NoError(t, fake.UpsertSession(ctx, store.UpsertSessionParams{
		SessionID: "kept", ProjectID: projectID, Status: "ended",
	}))
	text := "do things"
	_, err = fake.CreatePrompt(ctx, "kept", &text)
	require.NoError(t, err)

	s := New(fake, logger.Default(), t.TempDir())
	require.NoError(t, s.Run(ctx))

	assert.NotContains(t, fake.Sessions, "empty")
	assert.Contains(t, fake.Sessions, "kept")
	assert.NotContains(t, fake.Projects, "/empty", "orphaned projects are collected")
	assert.Contains(t, fake.Projects, "/kept")

	deleted := fake.NotificationsOn("sessions_deleted")
	require.Len(t, deleted, 1)
	var payload protocol.SessionsDeletedPayload
	require.NoError(t, json.Unmarshal(deleted[0].Payload, &payload))
	assert.Equal(t, []string{"empty"}, payload.SessionIDs)
}

func TestRunSparesFavoriteEmptySessions(t *testing.T) {
	fake := storetest.New()
	seedEmptySession(t, fake, "fav")
	seedEmptySession(t, fake, "doomed")
	fake.Favorites = []string{"fav"}

	s := New(fake, logger.Default(), t.TempDir())
	require.NoError(t, s.Run(context.Background()))

	assert.Contains(t, fake.Sessions, "fav")
	assert.NotContains(t, fake.Sessions, "doomed")
}

func TestRunSparesSessionsWithMessages(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	projectID, err := fake.UpsertProject(ctx, "/p")
	require.NoError(t, err)
	require.NoError(t, fake.UpsertSession(ctx, store.UpsertSessionParams{
		SessionID: "s1", ProjectID: projectID, Status: "ended",
	}))
	promptID, err := fake.CreatePrompt(ctx, "s1", nil)
	require.NoError(t, err)
	body := "hello"
	_, err = fake.CreateMessage(ctx, store.CreateMessageParams{
		PromptID: promptID, UUID: "u1", Body: &body, IsUser: true,
	})
	require.NoError(t, err)

	s := New(fake, logger.Default(), t.TempDir())
	require.NoError(t, s.Run(ctx))

	assert.Contains(t, fake.Sessions, "s1")
}

func TestRunEndsStaleSessions(t *testing.T) {
	fake := storetest.New()
	ctx := context.Background()
	projectID, err := fake.UpsertProject(ctx, "/p")
	require.NoError(t, err)
	for id, status := range map[string]string{
		"a": "active", "p": "permission_needed", "d": "done",
	} {
		require.NoError(t, fake.UpsertSession(ctx, store.UpsertSessionParams{
			SessionID: id, ProjectID: projectID, Status: status,
		}))
		text := "keep " + id
		promptID, err := fake.CreatePrompt(ctx, id, &text)
		require.NoError(t, err)
		_, err = fake.CreateMessage(ctx, store.CreateMessageParams{
			PromptID: promptID, UUID: "m-" + id, Body: &text,
		})
		require.NoError(t, err)
		fake.Sessions[id].UpdatedAt = time.Now().Add(-10 * time.Minute)
	}

	s := New(fake, logger.Default(), t.TempDir())
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, "ended", fake.Sessions["a"].Status)
	assert.Equal(t, "ended", fake.Sessions["p"].Status)
	assert.Equal(t, "done", fake.Sessions["d"].Status, "done sessions are left alone")
}

func TestRunThrottlesAgedRowPurge(t *testing.T) {
	fake := storetest.New()
	s := New(fake, logger.Default(), t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Run(ctx))

	assert.Len(t, fake.Cleans[store.CleanTypeData], 1)
	logs := fake.LogMessages()
	assert.Contains(t, logs, "cleanup old")
	assert.Contains(t, logs, "skip old cleanup")
}

func TestRunPurgesStaleFiles(t *testing.T) {
	fake := storetest.New()
	debounceDir := t.TempDir()
	legacyDir := t.TempDir()

	old := filepath.Join(debounceDir, "s1.marker")
	require.NoError(t, os.WriteFile(old, []byte("{}"), 0o644))
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	legacyOld := filepath.Join(legacyDir, "s1.lock")
	require.NoError(t, os.WriteFile(legacyOld, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(legacyOld, stale, stale))

	fresh := filepath.Join(debounceDir, "s2.marker")
	require.NoError(t, os.WriteFile(fresh, []byte("{}"), 0o644))

	s := New(fake, logger.Default(), debounceDir, legacyDir)
	require.NoError(t, s.Run(context.Background()))

	assert.NoFileExists(t, old)
	assert.NoFileExists(t, legacyOld)
	assert.FileExists(t, fresh)

	// The second run is inside the throttle window and must not touch files.
	require.NoError(t, os.Chtimes(fresh, stale, stale))
	require.NoError(t, s.Run(context.Background()))
	assert.FileExists(t, fresh)
	assert.Len(t, fake.Cleans[store.CleanTypeLocks], 1)
}
