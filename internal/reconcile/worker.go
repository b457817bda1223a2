package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/workio/workio/internal/common/logger"
	"github.com/workio/workio/internal/store"
	"github.com/workio/workio/pkg/protocol"
)

// Worker runs debounced transcript reconciliations for sessions. One Worker
// serves the whole daemon; each Run call is an independent reconciliation
// attempt, typically a goroutine per hook event.
type Worker struct {
	store    store.Store
	log      *logger.Logger
	dir      string
	debounce time.Duration

	// lockPoll is the lock-wait retry interval. Shortened in tests.
	lockPoll time.Duration
}

// New returns a worker writing marker and lock files under dir.
func New(st store.Store, log *logger.Logger, dir string, debounce time.Duration) *Worker {
	return &Worker{
		store:    st,
		log:      log,
		dir:      dir,
		debounce: debounce,
		lockPoll: time.Second,
	}
}

// TouchMarker records a hook event for the session: a fresh marker starts a
// burst, an existing one keeps its start and moves latest forward. Returns
// the timestamp to hand to Run.
func (w *Worker) TouchMarker(sessionID string) (time.Time, error) {
	now := time.Now()
	nowStr := now.Format(timeLayout)

	start := nowStr
	if m, exists, err := readMarker(w.dir, sessionID); err == nil && exists && m.Start != "" {
		start = m.Start
	}

	if err := writeMarker(w.dir, sessionID, Marker{Start: start, Latest: nowStr}); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// Run executes one debounced reconciliation attempt for (sessionID,
// timestamp). It sleeps out the debounce window, yields to a younger worker
// when one is due, serializes against concurrent workers via the lock file,
// processes the transcript, and publishes a session_update when messages
// changed. Failures inside the locked region are logged to the store and
// returned; the marker stays behind so the next event retries.
func (w *Worker) Run(ctx context.Context, sessionID string, timestamp time.Time) error {
	w.dbLog(ctx, "Worker started", map[string]any{
		"session_id": sessionID,
		"timestamp":  timestamp.Format(timeLayout),
	})

	if !sleepCtx(ctx, w.debounce) {
		return ctx.Err()
	}

	marker, exists, err := readMarker(w.dir, sessionID)
	if !exists && err == nil {
		w.dbLog(ctx, "Marker file not found, skipping", map[string]any{"session_id": sessionID})
		return nil
	}
	if err != nil {
		w.dbLog(ctx, "Invalid marker file, skipping", map[string]any{"session_id": sessionID})
		return nil
	}

	observedLatest := marker.Latest
	isLatest := observedLatest == timestamp.Format(timeLayout)

	debounceExpired := false
	if start, ok := marker.StartTime(); ok {
		debounceExpired = time.Since(start) >= w.debounce
	}

	if !isLatest && !debounceExpired {
		// A younger worker owns this burst.
		w.dbLog(ctx, "Newer event detected, skipping", map[string]any{
			"session_id":       sessionID,
			"our_timestamp":    timestamp.Format(timeLayout),
			"latest_timestamp": observedLatest,
		})
		return nil
	}

	if err := w.acquireLock(ctx, sessionID); err != nil {
		return err
	}
	defer func() {
		if err := removeLock(w.dir, sessionID); err != nil {
			w.log.WithError(err).WithSession(sessionID).Warn("Failed to release lock")
		}
	}()

	// Another worker may have finished the burst while we waited.
	if _, exists, _ := readMarker(w.dir, sessionID); !exists {
		w.dbLog(ctx, "Marker file gone after lock acquired, skipping", map[string]any{"session_id": sessionID})
		return nil
	}

	w.dbLog(ctx, "Debounced job processing", map[string]any{
		"session_id":       sessionID,
		"is_latest":        isLatest,
		"debounce_expired": debounceExpired,
	})

	if err := w.processLocked(ctx, sessionID); err != nil {
		w.dbLog(ctx, "Worker error", map[string]any{
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
			"session_id": sessionID,
		})
		return fmt.Errorf("worker failed: %w", err)
	}

	w.dbLog(ctx, "Debounced job completed", map[string]any{"session_id": sessionID})

	// Delete the marker only when no hook arrived during processing.
	// A moved latest belongs to a younger worker; its marker must survive.
	if current, exists, err := readMarker(w.dir, sessionID); err == nil && exists {
		if current.Latest == observedLatest {
			if err := removeMarker(w.dir, sessionID); err != nil {
				w.log.WithError(err).WithSession(sessionID).Warn("Failed to remove marker")
			}
		}
	}

	return nil
}

// acquireLock waits for the session lock, stealing it when its holder has
// been gone longer than the stale timeout.
func (w *Worker) acquireLock(ctx context.Context, sessionID string) error {
	staleAfter := w.debounce * 30

	for lockExists(w.dir, sessionID) {
		lockTime, ok := readLockTime(w.dir, sessionID)
		if !ok {
			break
		}
		age := time.Since(lockTime)
		if age >= staleAfter {
			if err := removeLock(w.dir, sessionID); err != nil {
				return fmt.Errorf("stealing stale lock: %w", err)
			}
			break
		}
		w.dbLog(ctx, "Waiting for lock", map[string]any{
			"session_id": sessionID,
			"lock_age":   age.Seconds(),
		})
		if !sleepCtx(ctx, w.lockPoll) {
			return ctx.Err()
		}
	}

	return writeLock(w.dir, sessionID, time.Now())
}

// processLocked runs the transcript ingestion inside the held lock. The
// parse-project-upsert work and the session_update notification share one
// transaction so the notification rides the commit.
func (w *Worker) processLocked(ctx context.Context, sessionID string) error {
	session, err := w.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil || session.TranscriptPath == "" {
		w.dbLog(ctx, "No transcript path in session", map[string]any{"session_id": sessionID})
		return nil
	}

	return w.store.WithTx(ctx, func(tx store.Store) error {
		messageIDs, err := processTranscript(ctx, tx, sessionID, session.TranscriptPath)
		if err != nil {
			return err
		}
		if len(messageIDs) == 0 {
			return nil
		}
		return tx.Notify(ctx, protocol.ChannelSessionUpdate, protocol.SessionUpdatePayload{
			SessionID:  sessionID,
			MessageIDs: messageIDs,
		})
	})
}

// dbLog writes to the logs table, falling back to process logs on failure.
func (w *Worker) dbLog(ctx context.Context, message string, fields map[string]any) {
	if err := w.store.Log(ctx, message, fields); err != nil {
		w.log.WithError(err).Warn("Failed to write store log", zap.String("log_message", message))
	}
}

// sleepCtx sleeps for d unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
