// Package storage persists shipments in the service's SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS shipments (
    shipment_id      TEXT PRIMARY KEY,
    order_id         TEXT NOT NULL,
    customer_id      TEXT NOT NULL,
    status           TEXT NOT NULL,
    saga_id          TEXT NOT NULL,
    idempotency_key  TEXT NOT NULL UNIQUE,
    compensation_key TEXT,
    created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shipments_order ON shipments(order_id, saga_id);
`

// ErrNotFound is returned when no shipment matches the lookup.
var ErrNotFound = errors.New("shipping storage: not found")

// Store is the SQLite shipment store.
type Store struct {
	db *sql.DB
}

// New applies the shipments schema to db and returns a store over it.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("shipping storage: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// InsertTx writes the shipment inside the caller's transaction.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, sh *domain.Shipment) error {
	const q = `
		INSERT INTO shipments
			(shipment_id, order_id, customer_id, status, saga_id,
			 idempotency_key, compensation_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, q,
		sh.ShipmentID,
		sh.OrderID,
		sh.CustomerID,
		string(sh.Status),
		sh.SagaID,
		sh.IdempotencyKey,
		sqlitex.NullableString(sh.CompensationKey),
		sqlitex.FormatTime(sh.CreatedAt),
	)
	if err != nil {
		if sqlitex.IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("shipping storage: insert %q: %w", sh.ShipmentID, err)
	}
	return nil
}

// Get returns the shipment by its ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, shipmentID string) (*domain.Shipment, error) {
	return s.getWhere(ctx, "shipment_id = ?", shipmentID)
}

// GetByIdempotencyKey returns the shipment created with key, or ErrNotFound.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Shipment, error) {
	return s.getWhere(ctx, "idempotency_key = ?", key)
}

// GetByOrder returns the shipment for an order within a saga, or ErrNotFound.
func (s *Store) GetByOrder(ctx context.Context, orderID, sagaID string) (*domain.Shipment, error) {
	return s.getWhere(ctx, "order_id = ? AND saga_id = ?", orderID, sagaID)
}

func (s *Store) getWhere(ctx context.Context, where string, args ...any) (*domain.Shipment, error) {
	q := `
		SELECT shipment_id, order_id, customer_id, status, saga_id,
		       idempotency_key, COALESCE(compensation_key, ''), created_at
		FROM   shipments
		WHERE  ` + where

	row := s.db.QueryRowContext(ctx, q, args...)

	var (
		sh        domain.Shipment
		status    string
		createdAt string
	)
	err := row.Scan(
		&sh.ShipmentID,
		&sh.OrderID,
		&sh.CustomerID,
		&status,
		&sh.SagaID,
		&sh.IdempotencyKey,
		&sh.CompensationKey,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("shipping storage: get: %w", err)
	}

	sh.Status = domain.ShipmentStatus(status)
	if sh.CreatedAt, err = sqlitex.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &sh, nil
}

// Cancel marks the shipment CANCELLED, recording the compensation key.
func (s *Store) Cancel(ctx context.Context, shipmentID, compensationKey string) (*domain.Shipment, error) {
	const q = `
		UPDATE shipments
		SET    status = ?, compensation_key = ?
		WHERE  shipment_id = ?`

	res, err := s.db.ExecContext(ctx, q, string(domain.StatusCancelled), compensationKey, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("shipping storage: cancel %q: %w", shipmentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("shipping storage: rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, shipmentID)
}
