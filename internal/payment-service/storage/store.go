// Package storage persists payments in the service's SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/outbox-sagas/internal/payment-service/domain"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS payments (
    payment_id       TEXT PRIMARY KEY,
    order_id         TEXT NOT NULL,
    customer_id      TEXT NOT NULL,
    amount           REAL NOT NULL,
    status           TEXT NOT NULL,
    saga_id          TEXT NOT NULL,
    idempotency_key  TEXT NOT NULL UNIQUE,
    compensation_key TEXT,
    created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id, saga_id);
`

// ErrNotFound is returned when no payment matches the lookup.
var ErrNotFound = errors.New("payment storage: not found")

// Store is the SQLite payment store.
type Store struct {
	db *sql.DB
}

// New applies the payments schema to db and returns a store over it.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("payment storage: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// InsertTx writes the payment inside the caller's transaction.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, p *domain.Payment) error {
	const q = `
		INSERT INTO payments
			(payment_id, order_id, customer_id, amount, status, saga_id,
			 idempotency_key, compensation_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, q,
		p.PaymentID,
		p.OrderID,
		p.CustomerID,
		p.Amount,
		string(p.Status),
		p.SagaID,
		p.IdempotencyKey,
		sqlitex.NullableString(p.CompensationKey),
		sqlitex.FormatTime(p.CreatedAt),
	)
	if err != nil {
		if sqlitex.IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("payment storage: insert %q: %w", p.PaymentID, err)
	}
	return nil
}

// Get returns the payment by its ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.getWhere(ctx, "payment_id = ?", paymentID)
}

// GetByIdempotencyKey returns the payment created with key, or ErrNotFound.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	return s.getWhere(ctx, "idempotency_key = ?", key)
}

// GetByOrder returns the payment for an order within a saga, or ErrNotFound.
func (s *Store) GetByOrder(ctx context.Context, orderID, sagaID string) (*domain.Payment, error) {
	return s.getWhere(ctx, "order_id = ? AND saga_id = ?", orderID, sagaID)
}

func (s *Store) getWhere(ctx context.Context, where string, args ...any) (*domain.Payment, error) {
	q := `
		SELECT payment_id, order_id, customer_id, amount, status, saga_id,
		       idempotency_key, COALESCE(compensation_key, ''), created_at
		FROM   payments
		WHERE  ` + where

	row := s.db.QueryRowContext(ctx, q, args...)

	var (
		p         domain.Payment
		status    string
		createdAt string
	)
	err := row.Scan(
		&p.PaymentID,
		&p.OrderID,
		&p.CustomerID,
		&p.Amount,
		&status,
		&p.SagaID,
		&p.IdempotencyKey,
		&p.CompensationKey,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment storage: get: %w", err)
	}

	p.Status = domain.PaymentStatus(status)
	if p.CreatedAt, err = sqlitex.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// Refund marks the payment REFUNDED, recording the compensation key.
func (s *Store) Refund(ctx context.Context, paymentID, compensationKey string) (*domain.Payment, error) {
	const q = `
		UPDATE payments
		SET    status = ?, compensation_key = ?
		WHERE  payment_id = ?`

	res, err := s.db.ExecContext(ctx, q, string(domain.StatusRefunded), compensationKey, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment storage: refund %q: %w", paymentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("payment storage: rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, paymentID)
}
