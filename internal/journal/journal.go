// Package journal persists bus events to SQLite. The journal doubles as an
// outbox: rows start unpublished and the stream bridge marks them published
// once they reach the broker, so a crash between journaling and producing
// replays rather than loses events.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quantfold/execution-engine/internal/bus"
)

// Entry is one journaled event.
type Entry struct {
	ID                  int64
	EventID             string
	Topic               string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Store is the SQLite-backed event journal.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal database.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS journal_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_unpublished
			ON journal_events(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// Append journals one event. Appends are idempotent on event_id: redelivered
// events are ignored, and the returned bool reports whether a row was written.
func (s *Store) Append(ctx context.Context, ev bus.Event) (bool, error) {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO journal_events (event_id, topic, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		ev.EventID, ev.Topic, eventKey(ev), string(payloadJSON), ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListUnpublished returns journaled events not yet streamed out, oldest first.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis
		 FROM journal_events
		 WHERE published_unix_millis IS NULL
		 ORDER BY created_unix_millis ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.Topic, &e.Key,
			&e.PayloadJSON, &e.CreatedUnixMillis, &e.PublishedUnixMillis,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkPublished records the broker handoff time for an event.
func (s *Store) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE journal_events SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}
	return nil
}

// UnpublishedCount returns the outbox backlog size.
func (s *Store) UnpublishedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM journal_events WHERE published_unix_millis IS NULL",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unpublished events: %w", err)
	}
	return n, nil
}

// Count returns the total number of journaled events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM journal_events").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// AppendDeadLetter journals a dead-lettered event under a synthetic topic so
// failed deliveries stay inspectable after the in-memory queue is drained.
func (s *Store) AppendDeadLetter(ctx context.Context, dl bus.DeadLetter) (bool, error) {
	ev := dl.Event
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.Payload["dead_letter_topic"] = dl.Topic
	ev.Payload["dead_letter_error"] = dl.LastError
	ev.Payload["dead_letter_failed_at"] = dl.FailedAt.Format(time.RFC3339Nano)
	ev.Topic = "dead_letter." + dl.Topic
	return s.Append(ctx, ev)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// eventKey picks the partitioning key for an event: order ID when present,
// then symbol, falling back to the event ID.
func eventKey(ev bus.Event) string {
	if id, ok := ev.Payload["order_id"].(string); ok && id != "" {
		return id
	}
	if symbol, ok := ev.Payload["symbol"].(string); ok && symbol != "" {
		return symbol
	}
	return ev.EventID
}
