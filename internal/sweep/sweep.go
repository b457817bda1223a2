// Package sweep implements the maintenance sweeper: closing inactive
// sessions, collecting empty sessions and orphan rows, aging out logs and
// hooks, and purging stale marker and lock files.
package sweep

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/workio/workio/internal/common/logger"
	"github.com/workio/workio/internal/store"
	"github.com/workio/workio/pkg/protocol"
)

// Sweep cadence and thresholds.
const (
	// SessionInactivity is how long a live session may sit untouched
	// before it is transitioned to ended.
	SessionInactivity = 5 * time.Minute

	// dataInterval throttles the aged-row purge.
	dataInterval = 7 * 24 * time.Hour

	// rowMaxAge is how long log and hook rows are kept.
	rowMaxAge = 7 * 24 * time.Hour

	// locksInterval throttles the stale-file purge.
	locksInterval = time.Hour

	// fileMaxAge is how old a marker or lock file must be to be purged.
	fileMaxAge = time.Hour
)

// Sweeper runs the periodic cleanup. It is spawned by the daemon after most
// hooks and runnable standalone; the cleans table throttles the expensive
// sub-tasks across processes.
type Sweeper struct {
	store store.Store
	log   *logger.Logger

	// dirs holds the file-purge targets: the debounce directory and the
	// legacy locks directory.
	dirs []string
}

// New returns a sweeper purging stale files under the given directories.
func New(st store.Store, log *logger.Logger, dirs ...string) *Sweeper {
	return &Sweeper{store: st, log: log, dirs: dirs}
}

// Run executes both sweep sub-tasks. Sub-task failures do not abort the
// rest of the run; the first error is returned for the caller's logs.
func (s *Sweeper) Run(ctx context.Context) error {
	_ = s.store.Log(ctx, "cleanup process start", nil)

	err := s.sweepData(ctx)
	if lerr := s.sweepLocks(ctx); err == nil {
		err = lerr
	}
	return err
}

// sweepData closes stale sessions and collects empty sessions and orphan
// rows on every run, and purges aged log and hook rows at most once per
// throttle interval. The session deletions and their notification share a
// transaction.
func (s *Sweeper) sweepData(ctx context.Context) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		_ = tx.Log(ctx, "cleanup empty", nil)

		if _, err := tx.EndStaleSessions(ctx, SessionInactivity); err != nil {
			return err
		}
		if err := s.deleteEmptySessions(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.DeleteOrphanProjects(ctx); err != nil {
			return err
		}
		_, err := tx.DeleteOrphanPrompts(ctx)
		return err
	})
	if err != nil {
		return err
	}

	recent, err := s.store.HasRecentClean(ctx, store.CleanTypeData, dataInterval)
	if err != nil {
		return err
	}
	if recent {
		_ = s.store.Log(ctx, "skip old cleanup", nil)
		return nil
	}

	_ = s.store.Log(ctx, "cleanup old", nil)
	if err := s.store.RecordClean(ctx, store.CleanTypeData); err != nil {
		return err
	}
	deleted, err := s.store.DeleteOldLogsAndHooks(ctx, rowMaxAge)
	if err != nil {
		return err
	}
	s.log.Debug("Purged aged rows", zap.Int64("deleted", deleted))
	return nil
}

// deleteEmptySessions removes sessions with no content, sparing favorites,
// and announces the deletions.
func (s *Sweeper) deleteEmptySessions(ctx context.Context, tx store.Store) error {
	empty, err := tx.GetEmptySessionIDs(ctx)
	if err != nil {
		return err
	}
	if len(empty) == 0 {
		return nil
	}

	// Favorites are read at sweep time, never cached.
	favorites, err := tx.GetFavoriteSessionIDs(ctx)
	if err != nil {
		return err
	}
	favored := make(map[string]bool, len(favorites))
	for _, id := range favorites {
		favored[id] = true
	}

	var doomed []string
	for _, id := range empty {
		if !favored[id] {
			doomed = append(doomed, id)
		}
	}
	if len(doomed) == 0 {
		return nil
	}

	if err := tx.DeleteSessionsCascade(ctx, doomed); err != nil {
		return err
	}
	return tx.Notify(ctx, protocol.ChannelSessionsDeleted, protocol.SessionsDeletedPayload{SessionIDs: doomed})
}

// sweepLocks purges aged marker and lock files at most once per throttle
// interval.
func (s *Sweeper) sweepLocks(ctx context.Context) error {
	recent, err := s.store.HasRecentClean(ctx, store.CleanTypeLocks, locksInterval)
	if err != nil {
		return err
	}
	if recent {
		return nil
	}
	if err := s.store.RecordClean(ctx, store.CleanTypeLocks); err != nil {
		return err
	}

	for _, dir := range s.dirs {
		purged := purgeStaleFiles(dir, fileMaxAge)
		if purged > 0 {
			s.log.Debug("Purged stale files", zap.String("dir", dir), zap.Int("purged", purged))
		}
	}
	return nil
}

// purgeStaleFiles removes regular files older than maxAge under dir. A
// missing directory or a losing race on an individual file is not an error.
func purgeStaleFiles(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	purged := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(dir, entry.Name())) == nil {
				purged++
			}
		}
	}
	return purged
}
