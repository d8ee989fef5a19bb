// Package sqlite provides the SQLite-backed outbox store. Every service
// creates one over the same database handle as its business tables so Append
// can participate in the step handler's transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jcmexdev/outbox-sagas/internal/outbox"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
    event_id         TEXT PRIMARY KEY,

    -- The saga/order identity the event concerns.
    aggregate_id     TEXT NOT NULL,

    event_type       TEXT NOT NULL,
    payload          TEXT NOT NULL,
    target_service   TEXT NOT NULL,
    target_endpoint  TEXT NOT NULL,

    published        INTEGER NOT NULL DEFAULT 0,
    published_at     TEXT,
    publish_attempts INTEGER NOT NULL DEFAULT 0,
    max_retries      INTEGER NOT NULL,
    last_error       TEXT,

    created_at       TEXT NOT NULL
);

-- The relay's poll: undelivered events with attempts to spare, oldest first.
CREATE INDEX IF NOT EXISTS idx_outbox_undelivered ON outbox_events(published, created_at);
CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox_events(aggregate_id);
`

// Store is the SQLite implementation of outbox.Store.
type Store struct {
	db *sql.DB
}

// New applies the outbox schema to db and returns a store over it.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("outbox sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append writes the event inside the caller's transaction.
func (s *Store) Append(ctx context.Context, tx outbox.Tx, event *outbox.Event) error {
	const q = `
		INSERT INTO outbox_events
			(event_id, aggregate_id, event_type, payload, target_service,
			 target_endpoint, published, published_at, publish_attempts,
			 max_retries, last_error, created_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, q,
		event.EventID,
		event.AggregateID,
		string(event.EventType),
		string(event.Payload),
		string(event.TargetService),
		event.TargetEndpoint,
		boolToInt(event.Published),
		sqlitex.NullableTime(event.PublishedAt),
		event.PublishAttempts,
		event.MaxRetries,
		sqlitex.NullableString(event.LastError),
		sqlitex.FormatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("outbox sqlite: append %q: %w", event.EventID, err)
	}
	return nil
}

// ListUndelivered returns up to batchSize undelivered events with remaining
// attempts, oldest first. Events whose attempts are exhausted are permanently
// failed and never returned again.
func (s *Store) ListUndelivered(ctx context.Context, batchSize int) ([]*outbox.Event, error) {
	const q = `
		SELECT event_id, aggregate_id, event_type, payload, target_service,
		       target_endpoint, published, published_at, publish_attempts,
		       max_retries, COALESCE(last_error, ''), created_at
		FROM   outbox_events
		WHERE  published = 0 AND publish_attempts < max_retries
		ORDER  BY created_at ASC
		LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, batchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox sqlite: list undelivered: %w", err)
	}
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox sqlite: list undelivered: %w", err)
	}
	return events, nil
}

// GetByID returns a single event, mainly for tests and operator inspection.
func (s *Store) GetByID(ctx context.Context, eventID string) (*outbox.Event, error) {
	const q = `
		SELECT event_id, aggregate_id, event_type, payload, target_service,
		       target_endpoint, published, published_at, publish_attempts,
		       max_retries, COALESCE(last_error, ''), created_at
		FROM   outbox_events
		WHERE  event_id = ?`

	rows, err := s.db.QueryContext(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("outbox sqlite: get %q: %w", eventID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("outbox sqlite: get %q: %w", eventID, err)
		}
		return nil, outbox.ErrEventNotFound
	}
	return scanEvent(rows)
}

// CountByTarget reports how many events exist for a target service,
// regardless of delivery state. Used by tests asserting that a failed step
// wrote no next-hop event.
func (s *Store) CountByTarget(ctx context.Context, target outbox.TargetService) (int, error) {
	const q = `SELECT COUNT(*) FROM outbox_events WHERE target_service = ?`

	var n int
	if err := s.db.QueryRowContext(ctx, q, string(target)).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox sqlite: count by target: %w", err)
	}
	return n, nil
}

// MarkDelivered records a successful delivery.
func (s *Store) MarkDelivered(ctx context.Context, eventID string, at time.Time) error {
	const q = `
		UPDATE outbox_events
		SET    published = 1, published_at = ?
		WHERE  event_id = ?`

	res, err := s.db.ExecContext(ctx, q, sqlitex.FormatTime(at), eventID)
	if err != nil {
		return fmt.Errorf("outbox sqlite: mark delivered %q: %w", eventID, err)
	}
	return requireRow(res, eventID)
}

// MarkAttemptFailed records one failed delivery attempt. The counter is
// monotonically increasing; once it reaches max_retries the event drops out
// of ListUndelivered for good.
func (s *Store) MarkAttemptFailed(ctx context.Context, eventID string, cause string) error {
	const q = `
		UPDATE outbox_events
		SET    publish_attempts = publish_attempts + 1, last_error = ?
		WHERE  event_id = ?`

	res, err := s.db.ExecContext(ctx, q, cause, eventID)
	if err != nil {
		return fmt.Errorf("outbox sqlite: mark attempt failed %q: %w", eventID, err)
	}
	return requireRow(res, eventID)
}

func requireRow(res sql.Result, eventID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrEventNotFound, eventID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*outbox.Event, error) {
	var (
		event       outbox.Event
		eventType   string
		payload     string
		target      string
		published   int
		publishedAt sql.NullString
		createdAt   string
	)
	err := row.Scan(
		&event.EventID,
		&event.AggregateID,
		&eventType,
		&payload,
		&target,
		&event.TargetEndpoint,
		&published,
		&publishedAt,
		&event.PublishAttempts,
		&event.MaxRetries,
		&event.LastError,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox sqlite: scan event: %w", err)
	}

	event.EventType = outbox.EventType(eventType)
	event.Payload = json.RawMessage(payload)
	event.TargetService = outbox.TargetService(target)
	event.Published = published != 0

	if publishedAt.Valid {
		t, err := sqlitex.ParseTime(publishedAt.String)
		if err != nil {
			return nil, err
		}
		event.PublishedAt = &t
	}
	if event.CreatedAt, err = sqlitex.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &event, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ outbox.Store = (*Store)(nil)
