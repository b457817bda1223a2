// Package daemon implements the hook intake server: a Unix stream socket
// accepting one line-JSON request per connection from the thin client,
// advancing per-session state and scheduling transcript reconciliations.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/workio/workio/internal/common/logger"
	"github.com/workio/workio/internal/reconcile"
	"github.com/workio/workio/internal/sessionindex"
	"github.com/workio/workio/internal/store"
	"github.com/workio/workio/internal/sweep"
	"github.com/workio/workio/pkg/protocol"
)

// Requests are one line of JSON; anything larger than this is malformed.
const maxRequestBytes = 10 * 1024 * 1024

// Server is the intake daemon. One Server runs per host; concurrent
// connections are served by per-connection goroutines while event
// persistence is serialized by a single mutex, so hook order matches
// persistence order.
type Server struct {
	store     store.Store
	log       *logger.Logger
	worker    *reconcile.Worker
	sweeper   *sweep.Sweeper
	claudeDir string

	mu sync.Mutex // serializes event transactions

	listener net.Listener
	conns    sync.WaitGroup
	jobs     sync.WaitGroup

	// spawn runs post-commit jobs. Tests replace it to run inline.
	spawn func(func())
}

// New returns a server. claudeDir is the assistant CLI home used for
// session index enrichment.
func New(st store.Store, log *logger.Logger, worker *reconcile.Worker, sweeper *sweep.Sweeper, claudeDir string) *Server {
	s := &Server{
		store:     st,
		log:       log,
		worker:    worker,
		sweeper:   sweeper,
		claudeDir: claudeDir,
	}
	s.spawn = func(fn func()) {
		s.jobs.Add(1)
		go func() {
			defer s.jobs.Done()
			fn()
		}()
	}
	return s
}

// ListenAndServe binds the socket and serves until ctx is canceled, then
// drains open connections and background jobs and removes the socket file.
// A bind failure is fatal and returned immediately.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	// A previous daemon may have left its socket behind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("binding socket %s: %w", socketPath, err)
	}
	s.listener = listener

	s.log.Info("Monitor daemon listening", zap.String("socket", socketPath))

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		listener.Close()
		close(done)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-done:
				s.conns.Wait()
				s.jobs.Wait()
				if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
					s.log.WithError(err).Warn("Failed to remove socket file")
				}
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				s.jobs.Wait()
				return nil
			}
			s.log.WithError(err).Warn("Accept failed")
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn serves one request/response exchange. The reply is always
// {"continue": true}; the assistant CLI must never be blocked on our errors.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := readLine(reader)
	if err != nil || len(line) == 0 {
		if err != nil {
			s.log.WithError(err).Debug("Failed to read request")
		}
		s.respond(conn)
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.log.WithError(err).Warn("Malformed request")
		s.respond(conn)
		return
	}

	s.ProcessRequest(ctx, req)
	s.respond(conn)
}

// ProcessRequest persists one hook event and schedules the post-commit
// jobs. Processing errors are logged, never returned: the caller responds
// {"continue": true} regardless.
func (s *Server) ProcessRequest(ctx context.Context, req protocol.Request) {
	ev, err := protocol.ParseEvent(req.Event)
	if err != nil {
		s.log.WithError(err).Warn("Malformed hook envelope")
		return
	}

	s.mu.Lock()
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		return s.processEvent(ctx, tx, ev, req)
	})
	if err != nil {
		s.logProcessingError(ctx, err)
	}
	s.mu.Unlock()

	if err != nil {
		return
	}

	// Post-commit, outside the mutex: schedule the reconciler, and the
	// sweeper for everything but SessionStart. Sweeping right after start
	// would collect the session's fresh null-prompt placeholder.
	timestamp, terr := s.worker.TouchMarker(ev.SessionID)
	if terr != nil {
		s.log.WithError(terr).WithSession(ev.SessionID).Warn("Failed to touch marker")
	} else {
		s.spawn(func() {
			if err := s.worker.Run(context.WithoutCancel(ctx), ev.SessionID, timestamp); err != nil {
				s.log.WithError(err).WithSession(ev.SessionID).Warn("Reconciler failed")
			}
		})
	}

	if ev.HookEventName != protocol.EventSessionStart {
		s.spawn(func() {
			if err := s.sweeper.Run(context.WithoutCancel(ctx)); err != nil {
				s.log.WithError(err).Warn("Sweep failed")
			}
		})
	}
}

// processEvent persists one hook inside the transaction: raw capture,
// project and session upserts, prompt bookkeeping, index enrichment, and
// the hook notification.
func (s *Server) processEvent(ctx context.Context, tx store.Store, ev protocol.HookEvent, req protocol.Request) error {
	projectPath := sessionindex.ProjectPathFromTranscript(ev.TranscriptPath)
	if projectPath == "" {
		projectPath = ev.Cwd
	}

	_ = tx.Log(ctx, "Received hook event", map[string]any{
		"hook_type":   ev.HookEventName,
		"session_id":  ev.SessionID,
		"payload":     json.RawMessage(req.Event),
		"terminal_id": req.Env.TerminalID,
	})

	if err := tx.SaveHook(ctx, ev.SessionID, ev.HookEventName, req.Event); err != nil {
		return err
	}

	status, hasStatus := protocol.StatusForEvent(ev)

	projectID, err := tx.UpsertProject(ctx, projectPath)
	if err != nil {
		return err
	}

	if hasStatus {
		if err := tx.UpsertSession(ctx, store.UpsertSessionParams{
			SessionID:      ev.SessionID,
			ProjectID:      projectID,
			TerminalID:     req.Env.TerminalID,
			ShellID:        req.Env.ShellID,
			Status:         status,
			TranscriptPath: ev.TranscriptPath,
		}); err != nil {
			return err
		}
	}

	if ev.HookEventName == protocol.EventSessionStart {
		if err := s.cleanStaleSessions(ctx, tx, projectID, ev.SessionID); err != nil {
			return err
		}
		if _, err := tx.CreatePrompt(ctx, ev.SessionID, nil); err != nil {
			return err
		}
		_ = tx.Log(ctx, "Created prompt", map[string]any{"session_id": ev.SessionID})
	}

	if ev.HookEventName == protocol.EventSessionStart || ev.HookEventName == protocol.EventUserPromptSubmit {
		s.enrichFromIndex(ctx, tx, ev.SessionID, projectPath)
	}

	if ev.HookEventName == protocol.EventUserPromptSubmit {
		prompt := ev.Prompt
		if _, err := tx.CreatePrompt(ctx, ev.SessionID, &prompt); err != nil {
			return err
		}
		if prompt != "" {
			if err := tx.UpdateSessionNameIfEmpty(ctx, ev.SessionID, prompt); err != nil {
				return err
			}
		}
		_ = tx.Log(ctx, "Created prompt", map[string]any{
			"session_id":    ev.SessionID,
			"prompt_length": len(prompt),
		})
	}

	var statusPtr *string
	if hasStatus {
		statusPtr = &status
	}
	return tx.Notify(ctx, protocol.ChannelHook, protocol.HookPayload{
		SessionID:   ev.SessionID,
		HookType:    ev.HookEventName,
		Status:      statusPtr,
		ProjectPath: projectPath,
		TerminalID:  req.Env.TerminalID,
	})
}

// cleanStaleSessions removes sessions of the project stuck in started and
// announces the deletion.
func (s *Server) cleanStaleSessions(ctx context.Context, tx store.Store, projectID int64, currentSessionID string) error {
	stale, err := tx.GetStaleSessionIDs(ctx, projectID, currentSessionID)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	if err := tx.DeleteSessionsCascade(ctx, stale); err != nil {
		return err
	}
	return tx.Notify(ctx, protocol.ChannelSessionsDeleted, protocol.SessionsDeletedPayload{SessionIDs: stale})
}

// enrichFromIndex fills session metadata from the assistant's on-disk
// session index. The stored project path takes precedence over the derived
// one: the session's project is immutable even when cwd moved.
func (s *Server) enrichFromIndex(ctx context.Context, tx store.Store, sessionID, derivedPath string) {
	storedPath, err := tx.GetSessionProjectPath(ctx, sessionID)
	if err != nil || storedPath == "" {
		storedPath = derivedPath
	}

	entry := sessionindex.Lookup(s.claudeDir, storedPath, sessionID)
	if entry == nil {
		_ = tx.Log(ctx, "No session entry found in index", map[string]any{
			"session_id":   sessionID,
			"project_path": storedPath,
		})
		return
	}

	var name *string
	if n := entry.Name(); n != "" {
		name = &n
	}
	_ = tx.Log(ctx, "Updating session metadata from index", map[string]any{
		"session_id":    sessionID,
		"project_path":  storedPath,
		"name":          name,
		"message_count": entry.MessageCount,
	})
	if err := tx.UpdateSessionMetadata(ctx, sessionID, name, entry.MessageCount); err != nil {
		_ = tx.Log(ctx, "Error updating session metadata", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

// logProcessingError records a failed event transaction. The store log uses
// its own implicit transaction since the event's rolled back.
func (s *Server) logProcessingError(ctx context.Context, err error) {
	s.log.WithError(err).Error("Daemon processing error")
	_ = s.store.Log(ctx, "Daemon processing error", map[string]any{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

func (s *Server) respond(conn net.Conn) {
	data, _ := json.Marshal(protocol.Response{Continue: true})
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}
}

// readLine reads one newline-terminated request, tolerating a missing final
// newline on a closed connection.
func readLine(reader *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := reader.ReadLine()
		line = append(line, chunk...)
		if err != nil {
			if len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		if !isPrefix {
			return line, nil
		}
		if len(line) > maxRequestBytes {
			return nil, fmt.Errorf("request exceeds %d bytes", maxRequestBytes)
		}
	}
}
