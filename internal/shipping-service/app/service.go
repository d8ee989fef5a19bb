// Package app implements the shipping service's step handler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/domain"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/storage"
)

// Service ships orders. This is the saga's last stage: it writes no outbox
// event and closes the saga instead.
type Service struct {
	db        *sql.DB
	shipments *storage.Store
	sagas     saga.Store
}

func NewService(db *sql.DB, shipments *storage.Store, sagas saga.Store) *Service {
	return &Service{db: db, shipments: shipments, sagas: sagas}
}

// DeliverOrderInput is the InventoryUpdated hop payload as the shipping
// service receives it.
type DeliverOrderInput struct {
	OrderID    string
	CustomerID string
	SagaID     string
}

// Result carries the persisted shipment.
type Result struct {
	Shipment *domain.Shipment
	Replayed bool
}

// DeliverOrder creates the shipment, deduplicating on the idempotency key,
// then marks the DELIVER_ORDER step and the whole saga COMPLETED.
func (s *Service) DeliverOrder(ctx context.Context, idempotencyKey string, in DeliverOrderInput) (*Result, error) {
	if existing, err := s.shipments.GetByIdempotencyKey(ctx, idempotencyKey); err == nil {
		slog.InfoContext(ctx, "order already delivered", "idempotency_key", idempotencyKey)
		return s.replay(ctx, existing)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if _, err := s.sagas.Get(ctx, in.SagaID); err != nil {
		return nil, err
	}

	if err := s.sagas.UpdateStep(ctx, in.SagaID, saga.StepDeliverOrder, saga.StepInProgress, ""); err != nil {
		return nil, err
	}

	shipment := &domain.Shipment{
		ShipmentID:     uuid.NewString(),
		OrderID:        in.OrderID,
		CustomerID:     in.CustomerID,
		Status:         domain.StatusShipped,
		SagaID:         in.SagaID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	err := sqlitex.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.shipments.InsertTx(ctx, tx, shipment)
	})
	if sqlitex.IsUniqueViolation(err) {
		existing, getErr := s.shipments.GetByIdempotencyKey(ctx, idempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("deliver order: replay after conflict: %w", getErr)
		}
		return s.replay(ctx, existing)
	}
	if err != nil {
		return nil, fmt.Errorf("deliver order: %w", err)
	}

	s.closeSaga(ctx, in.SagaID)
	slog.InfoContext(ctx, "order delivered",
		"shipment_id", shipment.ShipmentID,
		"order_id", in.OrderID,
		"saga_id", in.SagaID,
	)
	return &Result{Shipment: shipment}, nil
}

// replay returns the stored first result and re-closes the saga, so a
// saga-log write lost to a crash converges on redelivery.
func (s *Service) replay(ctx context.Context, shipment *domain.Shipment) (*Result, error) {
	s.closeSaga(ctx, shipment.SagaID)
	return &Result{Shipment: shipment, Replayed: true}, nil
}

func (s *Service) closeSaga(ctx context.Context, sagaID string) {
	if err := s.sagas.UpdateStep(ctx, sagaID, saga.StepDeliverOrder, saga.StepCompleted, ""); err != nil {
		slog.ErrorContext(ctx, "shipment persisted but step not marked completed", "saga_id", sagaID, "error", err)
	}
	if err := s.sagas.SetStatus(ctx, sagaID, saga.StatusCompleted); err != nil {
		slog.ErrorContext(ctx, "saga not marked completed", "saga_id", sagaID, "error", err)
	}
}

// GetShipment returns a single shipment.
func (s *Service) GetShipment(ctx context.Context, shipmentID string) (*domain.Shipment, error) {
	return s.shipments.Get(ctx, shipmentID)
}

// CancelShipment reverses a delivery, gated by the compensation key. Exposed
// but never invoked automatically.
func (s *Service) CancelShipment(ctx context.Context, compensationKey, orderID, sagaID string) (*domain.Shipment, bool, error) {
	shipment, err := s.shipments.GetByOrder(ctx, orderID, sagaID)
	if err != nil {
		return nil, false, err
	}

	if shipment.CompensationKey == compensationKey {
		return shipment, true, nil
	}

	cancelled, err := s.shipments.Cancel(ctx, shipment.ShipmentID, compensationKey)
	if err != nil {
		return nil, false, err
	}

	slog.InfoContext(ctx, "shipment cancelled", "shipment_id", shipment.ShipmentID, "order_id", orderID)
	return cancelled, false, nil
}
