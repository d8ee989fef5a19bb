// Package app implements the order service's step handler: the saga's
// initiating stage.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/outbox-sagas/internal/order-service/domain"
	"github.com/jcmexdev/outbox-sagas/internal/order-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/outbox"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
)

// Service coordinates saga initiation. The saga instance, the order row and
// the OrderCreated outbox event commit in one transaction on the service's
// database.
type Service struct {
	db     *sql.DB
	orders *storage.Store
	outbox outbox.Store
	sagas  saga.Store
}

func NewService(db *sql.DB, orders *storage.Store, ob outbox.Store, sagas saga.Store) *Service {
	return &Service{db: db, orders: orders, outbox: ob, sagas: sagas}
}

// StartSagaInput carries the caller's business fields.
type StartSagaInput struct {
	CustomerID string
	ProductID  string
	Quantity   int
	TotalPrice float64
}

// StartSagaResult echoes the identities the caller needs to follow the saga.
type StartSagaResult struct {
	SagaID   string
	OrderID  string
	Replayed bool
}

// paymentEventPayload is the OrderCreated hop contract: what the payment
// service's process-payment operation expects.
type paymentEventPayload struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	Amount     float64 `json:"amount"`
	SagaID     string  `json:"sagaId"`
}

// StartSaga begins a new saga, deduplicating on the caller's idempotency
// key: starting twice with the same key returns the first result unchanged.
func (s *Service) StartSaga(ctx context.Context, idempotencyKey string, in StartSagaInput) (*StartSagaResult, error) {
	if existing, err := s.sagas.GetByIdempotencyKey(ctx, idempotencyKey); err == nil {
		slog.InfoContext(ctx, "saga already initiated", "idempotency_key", idempotencyKey, "saga_id", existing.SagaID)
		return &StartSagaResult{SagaID: existing.SagaID, OrderID: existing.OrderID, Replayed: true}, nil
	} else if !errors.Is(err, saga.ErrNotFound) {
		return nil, err
	}

	instance := saga.NewInstance(idempotencyKey, in.CustomerID, in.ProductID, in.Quantity, in.TotalPrice)

	orderID := uuid.NewString()
	now := time.Now().UTC()

	// CREATE_ORDER executes inside the initiation transaction, so the step
	// is COMPLETED in the very version of the instance that gets inserted.
	step := instance.StepByName(saga.StepCreateOrder)
	step.Status = saga.StepCompleted
	step.Timestamp = &now
	instance.OrderID = orderID

	order := &domain.Order{
		OrderID:        orderID,
		CustomerID:     in.CustomerID,
		ProductID:      in.ProductID,
		Quantity:       in.Quantity,
		TotalPrice:     in.TotalPrice,
		Status:         domain.StatusConfirmed,
		SagaID:         instance.SagaID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}

	event, err := outbox.NewEvent(orderID, outbox.EventOrderCreated, outbox.TargetPayment,
		"/payments/process-payment", paymentEventPayload{
			OrderID:    orderID,
			CustomerID: in.CustomerID,
			Amount:     in.TotalPrice,
			SagaID:     instance.SagaID,
		})
	if err != nil {
		return nil, err
	}

	err = sqlitex.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.sagas.CreateTx(ctx, tx, instance); err != nil {
			return err
		}
		if err := s.orders.InsertTx(ctx, tx, order); err != nil {
			return err
		}
		return s.outbox.Append(ctx, tx, event)
	})
	if sqlitex.IsUniqueViolation(err) {
		// Lost the insert race to a concurrent identical request: replay the
		// winner's result.
		existing, getErr := s.sagas.GetByIdempotencyKey(ctx, idempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("start saga: replay after conflict: %w", getErr)
		}
		return &StartSagaResult{SagaID: existing.SagaID, OrderID: existing.OrderID, Replayed: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start saga: %w", err)
	}

	slog.InfoContext(ctx, "saga started",
		"saga_id", instance.SagaID,
		"order_id", orderID,
		"event_id", event.EventID,
	)
	return &StartSagaResult{SagaID: instance.SagaID, OrderID: orderID}, nil
}

// GetOrder returns a single order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.Get(ctx, orderID)
}

// GetSaga returns a saga instance.
func (s *Service) GetSaga(ctx context.Context, sagaID string) (*saga.Instance, error) {
	return s.sagas.Get(ctx, sagaID)
}

// CompensateOrder reverses order creation, gated by the compensation key.
// Nothing calls this automatically when a downstream stage fails; it is the
// order service's exposed reverse operation.
func (s *Service) CompensateOrder(ctx context.Context, compensationKey, orderID string) (*domain.Order, bool, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, false, err
	}

	if order.CompensationKey == compensationKey {
		return order, true, nil
	}

	compensated, err := s.orders.Compensate(ctx, orderID, compensationKey)
	if err != nil {
		return nil, false, err
	}

	slog.InfoContext(ctx, "order compensated", "order_id", orderID, "saga_id", order.SagaID)
	return compensated, false, nil
}
