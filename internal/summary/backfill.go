package summary

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/workio/workio/internal/common/logger"
	"github.com/workio/workio/internal/store"
)

// Backfill batch shape: at most batchSize messages per run, summarized with
// at most concurrency in flight.
const (
	batchSize   = 30
	concurrency = 10
)

// summarizer is the client surface Backfill needs.
type summarizer interface {
	SummarizeUser(ctx context.Context, text string) Result
	SummarizeAssistant(ctx context.Context, text string, thinking bool) Result
}

// Backfill summarizes one batch of stored messages that have no summary
// yet. Per-message summarizer errors are stored inside the summary JSON;
// only store failures abort the run. Returns the number of messages
// processed.
func Backfill(ctx context.Context, st store.Store, client summarizer, log *logger.Logger) (int, error) {
	messages, err := st.MessagesWithoutSummary(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	log.Info("Backfilling summaries", zap.Int("messages", len(messages)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, msg := range messages {
		msg := msg
		g.Go(func() error {
			var result Result
			if msg.IsUser {
				result = client.SummarizeUser(gctx, msg.Body)
			} else {
				result = client.SummarizeAssistant(gctx, msg.Body, msg.Thinking)
			}

			summaryJSON, err := json.Marshal(result)
			if err != nil {
				return err
			}
			if err := st.UpdateMessageSummary(gctx, msg.ID, summaryJSON); err != nil {
				return err
			}

			if result.Error != nil {
				log.Warn("Summary stored with error",
					zap.Int64("message_id", msg.ID), zap.String("error", *result.Error))
			} else {
				log.Debug("Summary stored", zap.Int64("message_id", msg.ID))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(messages), nil
}
