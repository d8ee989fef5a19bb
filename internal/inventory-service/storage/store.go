// Package storage persists inventory records and reservations in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/outbox-sagas/internal/inventory-service/domain"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS inventory (
    product_id        TEXT PRIMARY KEY,
    quantity          INTEGER NOT NULL,
    reserved_quantity INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
    reservation_id   TEXT PRIMARY KEY,
    product_id       TEXT NOT NULL,
    order_id         TEXT NOT NULL,
    saga_id          TEXT NOT NULL,
    quantity         INTEGER NOT NULL,
    status           TEXT NOT NULL,
    idempotency_key  TEXT NOT NULL UNIQUE,
    compensation_key TEXT,
    created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_order ON reservations(order_id, saga_id);
`

// ErrNotFound is returned when no record or reservation matches the lookup.
var ErrNotFound = errors.New("inventory storage: not found")

// ErrInsufficientStock is returned when a reservation would exceed the
// product's available stock.
var ErrInsufficientStock = errors.New("inventory storage: insufficient stock")

// Store is the SQLite inventory store.
type Store struct {
	db *sql.DB
}

// New applies the inventory schema to db and returns a store over it.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("inventory storage: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// EnsureRecord creates the product's record with initialQuantity if it does
// not exist yet, then returns the current row. The lazy init commits on its
// own so the record survives even when the reservation that triggered it
// fails.
func (s *Store) EnsureRecord(ctx context.Context, productID string, initialQuantity int) (*domain.InventoryRecord, error) {
	now := sqlitex.FormatTime(time.Now().UTC())
	const ins = `
		INSERT INTO inventory (product_id, quantity, reserved_quantity, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(product_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, ins, productID, initialQuantity, now, now); err != nil {
		return nil, fmt.Errorf("inventory storage: ensure %q: %w", productID, err)
	}
	return s.GetRecord(ctx, productID)
}

// GetRecord returns the product's record, or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx, recordQuery+" WHERE product_id = ?", productID))
}

// SetQuantity upserts the product's on-hand quantity, leaving reservations alone.
func (s *Store) SetQuantity(ctx context.Context, productID string, quantity int) (*domain.InventoryRecord, error) {
	now := sqlitex.FormatTime(time.Now().UTC())
	const q = `
		INSERT INTO inventory (product_id, quantity, reserved_quantity, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, productID, quantity, now, now); err != nil {
		return nil, fmt.Errorf("inventory storage: set quantity %q: %w", productID, err)
	}
	return s.GetRecord(ctx, productID)
}

// ReserveTx inserts the reservation and bumps the record's reserved quantity
// inside the caller's transaction. The stock update re-checks availability so
// a concurrent reservation cannot oversell; an insufficient update returns
// ErrInsufficientStock and the caller rolls the reservation back. A unique
// violation on the idempotency key is returned raw so the caller can treat
// it as a replay.
func (s *Store) ReserveTx(ctx context.Context, tx *sql.Tx, res *domain.Reservation) error {
	const ins = `
		INSERT INTO reservations
			(reservation_id, product_id, order_id, saga_id, quantity, status,
			 idempotency_key, compensation_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, ins,
		res.ReservationID,
		res.ProductID,
		res.OrderID,
		res.SagaID,
		res.Quantity,
		string(res.Status),
		res.IdempotencyKey,
		sqlitex.NullableString(res.CompensationKey),
		sqlitex.FormatTime(res.CreatedAt),
	)
	if err != nil {
		if sqlitex.IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("inventory storage: insert reservation %q: %w", res.ReservationID, err)
	}

	const upd = `
		UPDATE inventory
		SET    reserved_quantity = reserved_quantity + ?, updated_at = ?
		WHERE  product_id = ? AND quantity - reserved_quantity >= ?`
	r, err := tx.ExecContext(ctx, upd,
		res.Quantity, sqlitex.FormatTime(time.Now().UTC()), res.ProductID, res.Quantity)
	if err != nil {
		return fmt.Errorf("inventory storage: reserve %q: %w", res.ProductID, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("inventory storage: rows affected: %w", err)
	}
	if n == 0 {
		return ErrInsufficientStock
	}
	return nil
}

// GetReservationByIdempotencyKey returns the reservation created with key, or ErrNotFound.
func (s *Store) GetReservationByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	return s.getReservationWhere(ctx, "idempotency_key = ?", key)
}

// GetReservationByOrder returns the reservation for an order within a saga, or ErrNotFound.
func (s *Store) GetReservationByOrder(ctx context.Context, orderID, sagaID string) (*domain.Reservation, error) {
	return s.getReservationWhere(ctx, "order_id = ? AND saga_id = ?", orderID, sagaID)
}

// Release marks the reservation RELEASED and returns its units to the pool,
// recording the compensation key. Both writes share one transaction.
func (s *Store) Release(ctx context.Context, reservationID, compensationKey string) (*domain.Reservation, error) {
	err := sqlitex.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := scanReservation(tx.QueryRowContext(ctx,
			reservationQuery+" WHERE reservation_id = ?", reservationID))
		if err != nil {
			return err
		}
		// A reservation returns its units to the pool exactly once. A retry
		// with a different key finds it RELEASED and changes nothing.
		if res.Status != domain.ReservationReserved {
			return nil
		}

		const upd = `
			UPDATE reservations
			SET    status = ?, compensation_key = ?
			WHERE  reservation_id = ?`
		if _, err := tx.ExecContext(ctx, upd,
			string(domain.ReservationReleased), compensationKey, reservationID); err != nil {
			return fmt.Errorf("inventory storage: release %q: %w", reservationID, err)
		}

		const dec = `
			UPDATE inventory
			SET    reserved_quantity = reserved_quantity - ?, updated_at = ?
			WHERE  product_id = ?`
		if _, err := tx.ExecContext(ctx, dec,
			res.Quantity, sqlitex.FormatTime(time.Now().UTC()), res.ProductID); err != nil {
			return fmt.Errorf("inventory storage: return stock %q: %w", res.ProductID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.getReservationWhere(ctx, "reservation_id = ?", reservationID)
}

const recordQuery = `
	SELECT product_id, quantity, reserved_quantity, created_at, updated_at
	FROM   inventory`

func scanRecord(row *sql.Row) (*domain.InventoryRecord, error) {
	var (
		rec                  domain.InventoryRecord
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.ProductID, &rec.Quantity, &rec.ReservedQuantity, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inventory storage: get record: %w", err)
	}
	if rec.CreatedAt, err = sqlitex.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = sqlitex.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

const reservationQuery = `
	SELECT reservation_id, product_id, order_id, saga_id, quantity, status,
	       idempotency_key, COALESCE(compensation_key, ''), created_at
	FROM   reservations`

func (s *Store) getReservationWhere(ctx context.Context, where string, args ...any) (*domain.Reservation, error) {
	return scanReservation(s.db.QueryRowContext(ctx, reservationQuery+" WHERE "+where, args...))
}

func scanReservation(row *sql.Row) (*domain.Reservation, error) {
	var (
		res       domain.Reservation
		status    string
		createdAt string
	)
	err := row.Scan(
		&res.ReservationID,
		&res.ProductID,
		&res.OrderID,
		&res.SagaID,
		&res.Quantity,
		&status,
		&res.IdempotencyKey,
		&res.CompensationKey,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inventory storage: get reservation: %w", err)
	}
	res.Status = domain.ReservationStatus(status)
	if res.CreatedAt, err = sqlitex.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &res, nil
}
