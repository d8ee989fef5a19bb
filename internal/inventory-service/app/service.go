// Package app implements the inventory service's step handler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/outbox-sagas/internal/inventory-service/domain"
	"github.com/jcmexdev/outbox-sagas/internal/inventory-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/outbox"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
)

// DefaultInitialQuantity seeds a product's stock the first time it is touched.
const DefaultInitialQuantity = 100

// Service reserves stock. The reservation, the record update and the
// InventoryUpdated outbox event commit in one transaction.
type Service struct {
	db        *sql.DB
	inventory *storage.Store
	outbox    outbox.Store
	sagas     saga.Store
}

func NewService(db *sql.DB, inventory *storage.Store, ob outbox.Store, sagas saga.Store) *Service {
	return &Service{db: db, inventory: inventory, outbox: ob, sagas: sagas}
}

// UpdateInventoryInput is the PaymentProcessed hop payload as the inventory
// service receives it.
type UpdateInventoryInput struct {
	OrderID   string
	SagaID    string
	ProductID string
	Quantity  int
}

// Result carries the stock record after the request, the reservation when one
// was made, and how the request resolved.
type Result struct {
	Record       *domain.InventoryRecord
	Reservation  *domain.Reservation
	Insufficient bool
	Replayed     bool
}

// shippingEventPayload is the InventoryUpdated hop contract.
type shippingEventPayload struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	SagaID     string `json:"sagaId"`
}

// UpdateInventory reserves stock for the order, deduplicating on the
// idempotency key. When available stock cannot cover the request no
// reservation is written, the UPDATE_INVENTORY step is marked FAILED, and no
// next-hop event exists: the saga does not advance, and nothing triggers
// compensation automatically.
func (s *Service) UpdateInventory(ctx context.Context, idempotencyKey string, in UpdateInventoryInput) (*Result, error) {
	if existing, err := s.inventory.GetReservationByIdempotencyKey(ctx, idempotencyKey); err == nil {
		slog.InfoContext(ctx, "inventory already updated", "idempotency_key", idempotencyKey)
		return s.replay(ctx, existing)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	instance, err := s.sagas.Get(ctx, in.SagaID)
	if err != nil {
		return nil, err
	}

	// A refused request writes no reservation, so its redelivery misses the
	// dedup lookup and arrives here with the step already FAILED. Skip the
	// IN_PROGRESS transition then and let the reservation attempt re-state
	// the refusal.
	alreadyFailed := false
	if step := instance.StepByName(saga.StepUpdateInventory); step != nil {
		alreadyFailed = step.Status == saga.StepFailed
	}
	if !alreadyFailed {
		if err := s.sagas.UpdateStep(ctx, in.SagaID, saga.StepUpdateInventory, saga.StepInProgress, ""); err != nil {
			return nil, err
		}
	}

	reservation := &domain.Reservation{
		ReservationID:  uuid.NewString(),
		ProductID:      in.ProductID,
		OrderID:        in.OrderID,
		SagaID:         in.SagaID,
		Quantity:       in.Quantity,
		Status:         domain.ReservationReserved,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	event, err := outbox.NewEvent(in.OrderID, outbox.EventInventoryUpdated, outbox.TargetShipping,
		"/shipments/deliver-order", shippingEventPayload{
			OrderID:    in.OrderID,
			CustomerID: instance.CustomerID,
			SagaID:     in.SagaID,
		})
	if err != nil {
		return nil, err
	}

	// The lazy init commits outside the reservation transaction so the
	// record exists even when this request fails.
	record, err := s.inventory.EnsureRecord(ctx, in.ProductID, DefaultInitialQuantity)
	if err != nil {
		return nil, err
	}

	err = sqlitex.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.inventory.ReserveTx(ctx, tx, reservation); err != nil {
			return err
		}
		return s.outbox.Append(ctx, tx, event)
	})
	if errors.Is(err, storage.ErrInsufficientStock) {
		if err := s.sagas.UpdateStep(ctx, in.SagaID, saga.StepUpdateInventory, saga.StepFailed, "Insufficient inventory"); err != nil {
			slog.ErrorContext(ctx, "step not marked failed", "saga_id", in.SagaID, "error", err)
		}
		slog.WarnContext(ctx, "insufficient inventory",
			"product_id", in.ProductID,
			"requested", in.Quantity,
			"available", record.Available(),
		)
		return &Result{Record: record, Insufficient: true}, nil
	}
	if sqlitex.IsUniqueViolation(err) {
		existing, getErr := s.inventory.GetReservationByIdempotencyKey(ctx, idempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("update inventory: replay after conflict: %w", getErr)
		}
		return s.replay(ctx, existing)
	}
	if err != nil {
		return nil, fmt.Errorf("update inventory: %w", err)
	}

	if record, err = s.inventory.GetRecord(ctx, in.ProductID); err != nil {
		return nil, err
	}

	if err := s.sagas.UpdateStep(ctx, in.SagaID, saga.StepUpdateInventory, saga.StepCompleted, ""); err != nil {
		slog.ErrorContext(ctx, "reservation persisted but step not marked completed", "saga_id", in.SagaID, "error", err)
	}
	slog.InfoContext(ctx, "inventory reserved",
		"reservation_id", reservation.ReservationID,
		"product_id", in.ProductID,
		"quantity", in.Quantity,
		"event_id", event.EventID,
	)
	return &Result{Record: record, Reservation: reservation}, nil
}

// replay returns the stored first result and re-applies the step status, so a
// saga-log write lost to a crash converges on redelivery.
func (s *Service) replay(ctx context.Context, reservation *domain.Reservation) (*Result, error) {
	if err := s.sagas.UpdateStep(ctx, reservation.SagaID, saga.StepUpdateInventory, saga.StepCompleted, ""); err != nil {
		slog.WarnContext(ctx, "replay could not reconcile saga step", "saga_id", reservation.SagaID, "error", err)
	}
	record, err := s.inventory.GetRecord(ctx, reservation.ProductID)
	if err != nil {
		return nil, err
	}
	return &Result{Record: record, Reservation: reservation, Replayed: true}, nil
}

// Initialize upserts a product's on-hand quantity, for seeding stock by hand.
func (s *Service) Initialize(ctx context.Context, productID string, quantity int) (*domain.InventoryRecord, error) {
	record, err := s.inventory.SetQuantity(ctx, productID, quantity)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "inventory initialized", "product_id", productID, "quantity", quantity)
	return record, nil
}

// GetInventory returns a product's stock record.
func (s *Service) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	return s.inventory.GetRecord(ctx, productID)
}

// CompensateInventory releases the order's reservation, gated by the
// compensation key. Exposed but never invoked automatically.
func (s *Service) CompensateInventory(ctx context.Context, compensationKey, orderID, sagaID string) (*domain.Reservation, bool, error) {
	reservation, err := s.inventory.GetReservationByOrder(ctx, orderID, sagaID)
	if err != nil {
		return nil, false, err
	}

	if reservation.CompensationKey == compensationKey {
		return reservation, true, nil
	}

	released, err := s.inventory.Release(ctx, reservation.ReservationID, compensationKey)
	if err != nil {
		return nil, false, err
	}

	slog.InfoContext(ctx, "reservation released", "reservation_id", reservation.ReservationID, "order_id", orderID)
	return released, false, nil
}
