// Package main backfills summaries for stored messages via the local
// Ollama server, one batch per invocation.
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
	"github.com/workio/workio/internal/summary"
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
	client := summary.NewClient(cfg.Ollama.Host, cfg.Ollama.Model)

	processed, err := summary.Backfill(ctx, st, client, log)
	if err != nil {
		log.Fatal("Backfill failed", zap.Error(err))
	}
	log.Info("Backfill done", zap.Int("processed", processed))
}
