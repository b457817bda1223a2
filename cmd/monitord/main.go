// Package main runs the hook intake daemon: the single long-lived process
// that owns the Unix socket, the session state machine, and the per-session
// transcript reconcilers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/workio/workio/internal/common/config"
	"github.com/workio/workio/internal/common/database"
	"github.com/workio/workio/internal/common/logger"
	"github.com/workio/workio/internal/daemon"
	"github.com/workio/workio/internal/reconcile"
	"github.com/workio/workio/internal/store/postgres"
	"github.com/workio/workio/internal/sweep"
	"github.com/workio/workio/pkg/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	st := postgres.New(db)
	if err := st.CheckSchema(ctx); err != nil {
		log.Fatal("Schema check failed", zap.Error(err))
	}

	worker := reconcile.New(st, log, cfg.Monitor.DebounceDir(), cfg.Monitor.Debounce())
	sweeper := sweep.New(st, log, cfg.Monitor.DebounceDir(), cfg.Monitor.LegacyLockDir())
	server := daemon.New(st, log, worker, sweeper, cfg.Monitor.ResolvedClaudeDir())

	// Bridge store notifications into debug logs for local observability.
	// The dashboard relay consumes the same channels out of process.
	if cfg.Logging.Level == "debug" {
		listener := postgres.NewListener(db.Pool(), log)
		go func() {
			channels := []string{
				protocol.ChannelHook,
				protocol.ChannelSessionUpdate,
				protocol.ChannelSessionsDeleted,
			}
			_ = listener.Listen(ctx, channels, func(n postgres.Notification) {
				log.Debug("Store notification",
					zap.String("id", n.ID),
					zap.String("channel", n.Channel),
					zap.ByteString("payload", n.Payload))
			})
		}()
	}

	if err := server.ListenAndServe(ctx, cfg.Monitor.ResolvedSocketPath()); err != nil {
		log.Fatal("Daemon failed", zap.Error(err))
	}
	log.Info("Daemon stopped")
}
