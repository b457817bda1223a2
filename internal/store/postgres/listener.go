package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workio/workio/internal/common/logger"
)

// Notification is one pg_notify delivery observed by the listener.
type Notification struct {
	ID        string
	Channel   string
	Payload   []byte
	Timestamp time.Time
}

// Listener consumes pg_notify channels over a dedicated pooled connection.
// The external dashboard relay consumes the same channels; this listener
// exists for local observability and tests.
type Listener struct {
	pool *pgxpool.Pool
	log  *logger.Logger

	// reconnectDelay paces resubscription after a dropped connection.
	reconnectDelay time.Duration
}

// NewListener returns a listener over the pool.
func NewListener(pool *pgxpool.Pool, log *logger.Logger) *Listener {
	return &Listener{pool: pool, log: log, reconnectDelay: time.Second}
}

// Listen subscribes to the channels and delivers notifications until ctx is
// canceled. Connection loss triggers reconnect and resubscribe; consumers
// must tolerate at-least-once delivery.
func (l *Listener) Listen(ctx context.Context, channels []string, deliver func(Notification)) error {
	for {
		if err := l.listenOnce(ctx, channels, deliver); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.WithError(err).Warn("Notification listener disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, channels []string, deliver func(Notification)) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listener connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+sanitizeChannel(channel)); err != nil {
			return fmt.Errorf("listening on %s: %w", channel, err)
		}
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}
		deliver(Notification{
			ID:        uuid.New().String(),
			Channel:   n.Channel,
			Payload:   []byte(n.Payload),
			Timestamp: time.Now(),
		})
	}
}

// sanitizeChannel quotes a channel name for LISTEN, which takes an
// identifier rather than a bind parameter.
func sanitizeChannel(channel string) string {
	quoted := make([]byte, 0, len(channel)+2)
	quoted = append(quoted, '"')
	for i := 0; i < len(channel); i++ {
		if channel[i] == '"' {
			quoted = append(quoted, '"')
		}
		quoted = append(quoted, channel[i])
	}
	return string(append(quoted, '"'))
}
