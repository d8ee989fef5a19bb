package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Tx aliases *sql.Tx so Append runs inside the caller's transaction without
// the contract leaking a driver-specific adapter layer. The outbox invariant
// depends on it: the event row and the business row commit together or not
// at all.
type Tx = *sql.Tx

// ErrEventNotFound is returned when no event exists for an event ID.
var ErrEventNotFound = errors.New("outbox: event not found")

// Store persists outbox events for one service.
//
// After Append, MarkDelivered and MarkAttemptFailed are the only permitted
// mutations. Events are never deleted or reordered.
type Store interface {
	// Append writes a new event row inside the caller's transaction,
	// constraint-checked for a unique event ID.
	Append(ctx context.Context, tx Tx, event *Event) error

	// ListUndelivered returns the oldest-first undelivered events whose
	// publish_attempts < max_retries, up to batchSize.
	ListUndelivered(ctx context.Context, batchSize int) ([]*Event, error)

	// MarkDelivered flips the published flag and records the delivery time.
	MarkDelivered(ctx context.Context, eventID string, at time.Time) error

	// MarkAttemptFailed increments the attempt counter and records the cause.
	MarkAttemptFailed(ctx context.Context, eventID string, cause string) error
}
