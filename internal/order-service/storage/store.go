// Package storage persists orders in the service's SQLite database, sharing
// the handle with the saga log and outbox tables so all three commit in one
// transaction.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/outbox-sagas/internal/order-service/domain"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id         TEXT PRIMARY KEY,
    customer_id      TEXT NOT NULL,
    product_id       TEXT NOT NULL,
    quantity         INTEGER NOT NULL,
    total_price      REAL NOT NULL,
    status           TEXT NOT NULL,
    saga_id          TEXT NOT NULL,

    -- Dedup fields: idempotency_key guards creation, compensation_key guards
    -- the reverse operation. Both unique so concurrent duplicates collapse.
    idempotency_key  TEXT NOT NULL UNIQUE,
    compensation_key TEXT,

    created_at       TEXT NOT NULL
);
`

// ErrNotFound is returned when no order matches the lookup.
var ErrNotFound = errors.New("order storage: not found")

// Store is the SQLite order store.
type Store struct {
	db *sql.DB
}

// New applies the orders schema to db and returns a store over it.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("order storage: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// InsertTx writes the order inside the caller's transaction.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	const q = `
		INSERT INTO orders
			(order_id, customer_id, product_id, quantity, total_price, status,
			 saga_id, idempotency_key, compensation_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, q,
		o.OrderID,
		o.CustomerID,
		o.ProductID,
		o.Quantity,
		o.TotalPrice,
		string(o.Status),
		o.SagaID,
		o.IdempotencyKey,
		sqlitex.NullableString(o.CompensationKey),
		sqlitex.FormatTime(o.CreatedAt),
	)
	if err != nil {
		if sqlitex.IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("order storage: insert %q: %w", o.OrderID, err)
	}
	return nil
}

// Get returns the order by its ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.getWhere(ctx, "order_id = ?", orderID)
}

// GetByIdempotencyKey returns the order created with key, or ErrNotFound.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return s.getWhere(ctx, "idempotency_key = ?", key)
}

func (s *Store) getWhere(ctx context.Context, where string, arg any) (*domain.Order, error) {
	q := `
		SELECT order_id, customer_id, product_id, quantity, total_price, status,
		       saga_id, idempotency_key, COALESCE(compensation_key, ''), created_at
		FROM   orders
		WHERE  ` + where

	row := s.db.QueryRowContext(ctx, q, arg)

	var (
		o         domain.Order
		status    string
		createdAt string
	)
	err := row.Scan(
		&o.OrderID,
		&o.CustomerID,
		&o.ProductID,
		&o.Quantity,
		&o.TotalPrice,
		&status,
		&o.SagaID,
		&o.IdempotencyKey,
		&o.CompensationKey,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order storage: get: %w", err)
	}

	o.Status = domain.OrderStatus(status)
	if o.CreatedAt, err = sqlitex.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// Compensate marks the order COMPENSATED, recording the compensation key.
func (s *Store) Compensate(ctx context.Context, orderID, compensationKey string) (*domain.Order, error) {
	const q = `
		UPDATE orders
		SET    status = ?, compensation_key = ?
		WHERE  order_id = ?`

	res, err := s.db.ExecContext(ctx, q, string(domain.StatusCompensated), compensationKey, orderID)
	if err != nil {
		return nil, fmt.Errorf("order storage: compensate %q: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("order storage: rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, orderID)
}
