// Package sqlite provides the SQLite-backed saga log store.
//
// The saga log lives in the order service's database file so saga creation
// commits in the same transaction as the first order and outbox writes. The
// other services open the same file by path; WAL mode keeps cross-process
// readers and writers from blocking each other.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_instances (
    -- Generated saga identity.
    saga_id         TEXT PRIMARY KEY,

    -- Caller-supplied key making saga initiation idempotent.
    idempotency_key TEXT NOT NULL UNIQUE,

    -- Empty until CREATE_ORDER commits.
    order_id        TEXT NOT NULL DEFAULT '',

    customer_id     TEXT NOT NULL,
    product_id      TEXT NOT NULL,
    quantity        INTEGER NOT NULL,
    total_price     REAL NOT NULL,

    -- Overall lifecycle state.
    status          TEXT NOT NULL,

    -- JSON array of step records, fixed order, appended once at creation.
    steps           TEXT NOT NULL,

    -- Optimistic concurrency token; every update checks and bumps it.
    version         INTEGER NOT NULL DEFAULT 0,

    -- RFC3339 stored as TEXT, SQLite idiom.
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
`

// maxUpdateRetries bounds the optimistic read-modify-write loop. Conflicts
// only occur when two handlers touch the same saga concurrently, so a small
// bound is plenty.
const maxUpdateRetries = 5

// Store is the SQLite implementation of saga.Store.
type Store struct {
	db *sql.DB
}

// New applies the saga schema to db and returns a store over it. The order
// service passes the same handle its business store uses; other services
// pass a handle opened on the shared saga database path.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("saga sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens the saga database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sqlitex.Open(path)
	if err != nil {
		return nil, err
	}

	store, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying connection. Only call it when the store owns
// the handle (i.e. it was built with Open, not New).
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts the instance, deduplicating on idempotency key: if an
// instance with the same key already exists, it is returned unchanged.
func (s *Store) Create(ctx context.Context, in *saga.Instance) (*saga.Instance, error) {
	err := s.insert(ctx, s.db, in)
	if sqlitex.IsUniqueViolation(err) {
		return s.GetByIdempotencyKey(ctx, in.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// CreateTx inserts the instance inside the caller's transaction. Unique
// violations are returned as-is; the caller rolls back and replays the
// existing instance.
func (s *Store) CreateTx(ctx context.Context, tx saga.Tx, in *saga.Instance) (*saga.Instance, error) {
	if err := s.insert(ctx, tx, in); err != nil {
		return nil, err
	}
	return in, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, ex execer, in *saga.Instance) error {
	stepsJSON, err := json.Marshal(in.Steps)
	if err != nil {
		return fmt.Errorf("saga sqlite: marshal steps: %w", err)
	}

	const q = `
		INSERT INTO saga_instances
			(saga_id, idempotency_key, order_id, customer_id, product_id,
			 quantity, total_price, status, steps, version, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = ex.ExecContext(ctx, q,
		in.SagaID,
		in.IdempotencyKey,
		in.OrderID,
		in.CustomerID,
		in.ProductID,
		in.Quantity,
		in.TotalPrice,
		string(in.Status),
		string(stepsJSON),
		in.Version,
		sqlitex.FormatTime(in.CreatedAt),
		sqlitex.FormatTime(in.UpdatedAt),
	)
	if err != nil {
		if sqlitex.IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("saga sqlite: insert %q: %w", in.SagaID, err)
	}
	return nil
}

// Get returns the instance for sagaID, or saga.ErrNotFound.
func (s *Store) Get(ctx context.Context, sagaID string) (*saga.Instance, error) {
	return s.getWhere(ctx, "saga_id = ?", sagaID)
}

// GetByIdempotencyKey returns the instance created with key, or saga.ErrNotFound.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*saga.Instance, error) {
	return s.getWhere(ctx, "idempotency_key = ?", key)
}

func (s *Store) getWhere(ctx context.Context, where string, arg any) (*saga.Instance, error) {
	q := `
		SELECT saga_id, idempotency_key, order_id, customer_id, product_id,
		       quantity, total_price, status, steps, version, created_at, updated_at
		FROM   saga_instances
		WHERE  ` + where

	row := s.db.QueryRowContext(ctx, q, arg)

	var (
		in        saga.Instance
		status    string
		stepsJSON string
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&in.SagaID,
		&in.IdempotencyKey,
		&in.OrderID,
		&in.CustomerID,
		&in.ProductID,
		&in.Quantity,
		&in.TotalPrice,
		&status,
		&stepsJSON,
		&in.Version,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("saga sqlite: get: %w", err)
	}

	in.Status = saga.Status(status)
	if err := json.Unmarshal([]byte(stepsJSON), &in.Steps); err != nil {
		return nil, fmt.Errorf("saga sqlite: unmarshal steps for %q: %w", in.SagaID, err)
	}
	if in.CreatedAt, err = sqlitex.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if in.UpdatedAt, err = sqlitex.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &in, nil
}

// UpdateStep moves one step to a new status, recording the timestamp and, for
// failures, the error. The write is read-modify-write against the stored
// version and retried on conflict so concurrent writers to different steps of
// the same saga never clobber each other. Re-applying the current status is a
// no-op, which makes redeliveries converge.
func (s *Store) UpdateStep(ctx context.Context, sagaID string, step saga.StepName, status saga.StepStatus, stepErr string) error {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		in, err := s.Get(ctx, sagaID)
		if err != nil {
			return err
		}

		st := in.StepByName(step)
		if st == nil {
			return fmt.Errorf("%w: %s", saga.ErrUnknownStep, step)
		}

		if st.Status == status {
			return nil
		}
		if !st.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s: %s -> %s", saga.ErrInvalidTransition, step, st.Status, status)
		}

		now := time.Now().UTC()
		st.Status = status
		st.Timestamp = &now
		st.Error = stepErr

		ok, err := s.writeSteps(ctx, in)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return saga.ErrConflict
}

func (s *Store) writeSteps(ctx context.Context, in *saga.Instance) (bool, error) {
	stepsJSON, err := json.Marshal(in.Steps)
	if err != nil {
		return false, fmt.Errorf("saga sqlite: marshal steps: %w", err)
	}

	const q = `
		UPDATE saga_instances
		SET    steps = ?, updated_at = ?, version = version + 1
		WHERE  saga_id = ? AND version = ?`

	res, err := s.db.ExecContext(ctx, q,
		string(stepsJSON),
		sqlitex.FormatTime(time.Now()),
		in.SagaID,
		in.Version,
	)
	if err != nil {
		return false, fmt.Errorf("saga sqlite: update steps for %q: %w", in.SagaID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("saga sqlite: rows affected: %w", err)
	}
	return n == 1, nil
}

// SetStatus sets the overall saga status, version-guarded like UpdateStep.
func (s *Store) SetStatus(ctx context.Context, sagaID string, status saga.Status) error {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		in, err := s.Get(ctx, sagaID)
		if err != nil {
			return err
		}

		if in.Status == status {
			return nil
		}

		const q = `
			UPDATE saga_instances
			SET    status = ?, updated_at = ?, version = version + 1
			WHERE  saga_id = ? AND version = ?`

		res, err := s.db.ExecContext(ctx, q,
			string(status),
			sqlitex.FormatTime(time.Now()),
			sagaID,
			in.Version,
		)
		if err != nil {
			return fmt.Errorf("saga sqlite: set status for %q: %w", sagaID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("saga sqlite: rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}
	}
	return saga.ErrConflict
}

var _ saga.Store = (*Store)(nil)
