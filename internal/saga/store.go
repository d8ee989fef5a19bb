package saga

import (
	"context"
	"database/sql"
	"errors"
)

// Tx aliases *sql.Tx so the initiating service can create the saga instance
// inside the same transaction as its order and outbox writes, without the
// store contract leaking a driver-specific type.
type Tx = *sql.Tx

var (
	// ErrNotFound is returned when no instance exists for a saga ID.
	ErrNotFound = errors.New("saga: instance not found")

	// ErrUnknownStep is returned for a step name outside the fixed sequence.
	ErrUnknownStep = errors.New("saga: unknown step")

	// ErrInvalidTransition is returned when a step update would move a step
	// backwards (e.g. COMPLETED back to PENDING).
	ErrInvalidTransition = errors.New("saga: invalid step transition")

	// ErrConflict is returned when optimistic retries are exhausted.
	ErrConflict = errors.New("saga: concurrent update conflict")
)

// Store persists saga instances.
//
// Create is idempotent on the instance's idempotency key: creating with a key
// that already exists returns the existing instance instead of erroring, so
// saga initiation can be retried safely.
//
// UpdateStep and SetStatus are read-modify-write against the latest stored
// version, retried on conflict. Last-writer-wins on the same row is not
// acceptable: two handlers updating different steps of the same saga must
// both land.
type Store interface {
	Create(ctx context.Context, in *Instance) (*Instance, error)
	CreateTx(ctx context.Context, tx Tx, in *Instance) (*Instance, error)
	Get(ctx context.Context, sagaID string) (*Instance, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Instance, error)
	UpdateStep(ctx context.Context, sagaID string, step StepName, status StepStatus, stepErr string) error
	SetStatus(ctx context.Context, sagaID string, status Status) error
}
