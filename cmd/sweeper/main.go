// Package main runs one standalone maintenance sweep. The daemon spawns
// sweeps itself after most hooks; this binary serves cron-style operation
// and recovery with the daemon down.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/workio/workio/internal/common/config"
	"github.com/workio/workio/internal/common/database"
	"github.com/workio/workio/internal/common/logger"
	"github.com/workio/workio/internal/store/postgres"
	"github.com/workio/workio/internal/sweep"
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

	ctx := context.Background()
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	st := postgres.New(db)
	sweeper := sweep.New(st, log, cfg.Monitor.DebounceDir(), cfg.Monitor.LegacyLockDir())
	if err := sweeper.Run(ctx); err != nil {
		log.Fatal("Sweep failed", zap.Error(err))
	}
}
