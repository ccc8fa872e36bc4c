// Package retryqueue persists notification messages that failed delivery so
// they can be redelivered with exponential backoff instead of being dropped.
// It is a WAL-mode SQLite-backed durable queue holding each failed message,
// keyed by sink name, until it is redelivered or dead-lettered.
package retryqueue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/noidd/noidd/internal/notify"
)

// MaxAttempts bounds how many times a message is redelivered before it is
// dead-lettered (left in the database with attempts >= MaxAttempts, logged,
// and no longer retried).
const MaxAttempts = 8

// Queue is a WAL-mode SQLite-backed durable queue of messages pending
// redelivery.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

// Open opens (or creates) the SQLite database at path and applies the
// schema.
func Open(path string, logger *slog.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("retryqueue: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("retryqueue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("retryqueue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("retryqueue: apply schema: %w", err)
	}

	return &Queue{db: db, logger: logger, done: make(chan struct{})}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS retry_messages (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    sink_name      TEXT    NOT NULL,
    rendered_body  TEXT    NOT NULL,
    attempts       INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TEXT   NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_retry_messages_due
    ON retry_messages (sink_name, next_attempt_at);
`

// enqueue persists a failed message for later redelivery.
func (q *Queue) enqueue(ctx context.Context, sinkName, body string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO retry_messages (sink_name, rendered_body) VALUES (?, ?)`,
		sinkName, body)
	if err != nil {
		return fmt.Errorf("retryqueue: enqueue: %w", err)
	}
	return nil
}

type pendingMessage struct {
	id       int64
	body     string
	attempts int
}

// due returns the oldest due message for sinkName, if any.
func (q *Queue) due(ctx context.Context, sinkName string) (*pendingMessage, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, rendered_body, attempts FROM retry_messages
		 WHERE sink_name = ? AND next_attempt_at <= ? AND attempts < ?
		 ORDER BY id LIMIT 1`,
		sinkName, time.Now().UTC().Format(time.RFC3339Nano), MaxAttempts)

	var m pendingMessage
	if err := row.Scan(&m.id, &m.body, &m.attempts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("retryqueue: due query: %w", err)
	}
	return &m, nil
}

func (q *Queue) ack(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM retry_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("retryqueue: ack: %w", err)
	}
	return nil
}

func (q *Queue) reschedule(ctx context.Context, id int64, attempts int, next time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE retry_messages SET attempts = ?, next_attempt_at = ? WHERE id = ?`,
		attempts, next.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("retryqueue: reschedule: %w", err)
	}
	return nil
}

// Close stops every running redelivery loop and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.done)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return q.db.Close()
}

// sender wraps a notify.MessageSender so that a failed Send is persisted to
// the retry queue instead of propagating the error. Wrap starts, when it
// builds the sender, a background goroutine that redelivers due messages for
// this sink with exponential backoff.
type sender struct {
	queue    *Queue
	sinkName string
	inner    notify.MessageSender
	logger   *slog.Logger

	startOnce sync.Once
}

// Wrap returns a notify.MessageSender backed by inner, durably queuing any
// message inner fails to deliver and retrying it in the background.
func Wrap(q *Queue, sinkName string, inner notify.MessageSender, logger *slog.Logger) notify.MessageSender {
	s := &sender{queue: q, sinkName: sinkName, inner: inner, logger: logger}
	s.startOnce.Do(func() { q.startRedeliveryLoop(sinkName, inner, logger) })
	return s
}

func (s *sender) Send(ctx context.Context, body string) error {
	if err := s.inner.Send(ctx, body); err != nil {
		s.logger.Warn("notifier send failed, queuing for retry",
			slog.String("sink", s.sinkName), slog.Any("error", err))
		if qerr := s.queue.enqueue(ctx, s.sinkName, body); qerr != nil {
			return fmt.Errorf("retryqueue: queue after send failure: %w", qerr)
		}
		return nil
	}
	return nil
}

// startRedeliveryLoop runs a background goroutine that polls for due
// messages for sinkName and redelivers them through inner, backing off
// exponentially between failures and dead-lettering a message once it has
// exhausted MaxAttempts.
func (q *Queue) startRedeliveryLoop(sinkName string, inner notify.MessageSender, logger *slog.Logger) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 2 * time.Second
		b.MaxInterval = 5 * time.Minute
		b.MaxElapsedTime = 0

		ticker := time.NewTicker(b.InitialInterval)
		defer ticker.Stop()

		for {
			select {
			case <-q.done:
				return
			case <-ticker.C:
				ctx := context.Background()
				msg, err := q.due(ctx, sinkName)
				if err != nil {
					logger.Error("retryqueue: due query failed", slog.Any("error", err))
					continue
				}
				if msg == nil {
					continue
				}

				if err := inner.Send(ctx, msg.body); err != nil {
					attempts := msg.attempts + 1
					if attempts >= MaxAttempts {
						logger.Error("retryqueue: dead-lettering message after max attempts",
							slog.String("sink", sinkName), slog.Int64("id", msg.id))
						q.reschedule(ctx, msg.id, attempts, time.Now().Add(24*time.Hour))
						continue
					}
					wait := b.NextBackOff()
					q.reschedule(ctx, msg.id, attempts, time.Now().Add(wait))
					continue
				}

				b.Reset()
				q.ack(ctx, msg.id)
			}
		}
	}()
}
