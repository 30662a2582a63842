package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL. The chat
// handler publishes the session ID whenever the session's context or summary
// changes; SSE streams listen for them.
type Notifier struct {
	DB      *sql.DB
	DSN     string
	Channel string
	Logger  *zap.Logger
}

// NewNotifier constructs a new Notifier. dsn is used to open the dedicated
// listener connection.
func NewNotifier(db *sql.DB, dsn, channel string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{DB: db, DSN: dsn, Channel: channel, Logger: logger}
}

// Notify sends a notification to the channel with the session ID as payload.
func (n *Notifier) Notify(ctx context.Context, sessionID string) error {
	// pg_notify takes the channel as a value, so no identifier quoting is needed
	_, err := n.DB.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.Channel, sessionID)
	if err != nil {
		return fmt.Errorf("notify %s: %w", n.Channel, err)
	}
	return nil
}

// Listen subscribes to the channel and yields session IDs until ctx is
// cancelled, at which point the returned channel is closed.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	listener := pq.NewListener(n.DSN, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.Logger.Warn("notification listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", n.Channel, err)
	}

	ch := make(chan string)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		keepalive := time.NewTicker(90 * time.Second)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				// detects dead connections; pq reconnects on its own
				go func() { _ = listener.Ping() }()
			case note, ok := <-listener.Notify:
				if !ok {
					return
				}
				// nil after a reconnect; notifications may have been missed
				if note == nil {
					continue
				}
				select {
				case ch <- note.Extra:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
