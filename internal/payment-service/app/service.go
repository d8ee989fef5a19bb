// Package app implements the payment service's step handler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/outbox-sagas/internal/outbox"
	"github.com/jcmexdev/outbox-sagas/internal/payment-service/domain"
	"github.com/jcmexdev/outbox-sagas/internal/payment-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
)

// DefaultDeclineRate is the probability of a simulated payment decline,
// there to exercise the saga's failure path.
const DefaultDeclineRate = 0.1

// Service processes charges. The payment row and, on success, the
// PaymentProcessed outbox event commit in one transaction.
type Service struct {
	db       *sql.DB
	payments *storage.Store
	outbox   outbox.Store
	sagas    saga.Store

	// decline simulates the processor's decision. Injectable so tests pin
	// the outcome instead of rolling dice.
	decline func() bool
}

// Option configures a Service.
type Option func(*Service)

// WithDecider replaces the decline decision, for deterministic tests.
func WithDecider(decide func() bool) Option {
	return func(s *Service) { s.decline = decide }
}

func NewService(db *sql.DB, payments *storage.Store, ob outbox.Store, sagas saga.Store, opts ...Option) *Service {
	s := &Service{
		db:       db,
		payments: payments,
		outbox:   ob,
		sagas:    sagas,
		decline:  func() bool { return rand.Float64() < DefaultDeclineRate },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessPaymentInput is the OrderCreated hop payload as the payment service
// receives it.
type ProcessPaymentInput struct {
	OrderID    string
	CustomerID string
	Amount     float64
	SagaID     string
}

// Result carries the persisted payment plus how the request resolved.
// Declined is true both for a fresh decline and for a replayed one: the
// first computed answer is the answer.
type Result struct {
	Payment  *domain.Payment
	Declined bool
	Replayed bool
}

// inventoryEventPayload is the PaymentProcessed hop contract.
type inventoryEventPayload struct {
	OrderID   string `json:"orderId"`
	SagaID    string `json:"sagaId"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// ProcessPayment charges the order, deduplicating on the idempotency key.
// On decline the payment is persisted FAILED, the PROCESS_PAYMENT step is
// marked FAILED, and no next-hop event is written: the saga does not
// advance, and nothing triggers compensation automatically.
func (s *Service) ProcessPayment(ctx context.Context, idempotencyKey string, in ProcessPaymentInput) (*Result, error) {
	if existing, err := s.payments.GetByIdempotencyKey(ctx, idempotencyKey); err == nil {
		slog.InfoContext(ctx, "payment already processed", "idempotency_key", idempotencyKey)
		return s.replay(ctx, existing)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	instance, err := s.sagas.Get(ctx, in.SagaID)
	if err != nil {
		return nil, err
	}

	if err := s.sagas.UpdateStep(ctx, in.SagaID, saga.StepProcessPayment, saga.StepInProgress, ""); err != nil {
		return nil, err
	}

	declined := s.decline()

	payment := &domain.Payment{
		PaymentID:      uuid.NewString(),
		OrderID:        in.OrderID,
		CustomerID:     in.CustomerID,
		Amount:         in.Amount,
		Status:         domain.StatusProcessed,
		SagaID:         in.SagaID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if declined {
		payment.Status = domain.StatusFailed
	}

	var event *outbox.Event
	if !declined {
		event, err = outbox.NewEvent(in.OrderID, outbox.EventPaymentProcessed, outbox.TargetInventory,
			"/inventories/update-inventory", inventoryEventPayload{
				OrderID:   in.OrderID,
				SagaID:    in.SagaID,
				ProductID: instance.ProductID,
				Quantity:  instance.Quantity,
			})
		if err != nil {
			return nil, err
		}
	}

	err = sqlitex.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.payments.InsertTx(ctx, tx, payment); err != nil {
			return err
		}
		if event != nil {
			return s.outbox.Append(ctx, tx, event)
		}
		return nil
	})
	if sqlitex.IsUniqueViolation(err) {
		existing, getErr := s.payments.GetByIdempotencyKey(ctx, idempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("process payment: replay after conflict: %w", getErr)
		}
		return s.replay(ctx, existing)
	}
	if err != nil {
		return nil, fmt.Errorf("process payment: %w", err)
	}

	if declined {
		if err := s.sagas.UpdateStep(ctx, in.SagaID, saga.StepProcessPayment, saga.StepFailed, "Payment declined"); err != nil {
			slog.ErrorContext(ctx, "payment persisted but step not marked failed", "saga_id", in.SagaID, "error", err)
		}
		slog.WarnContext(ctx, "payment declined", "order_id", in.OrderID, "saga_id", in.SagaID)
		return &Result{Payment: payment, Declined: true}, nil
	}

	if err := s.sagas.UpdateStep(ctx, in.SagaID, saga.StepProcessPayment, saga.StepCompleted, ""); err != nil {
		slog.ErrorContext(ctx, "payment persisted but step not marked completed", "saga_id", in.SagaID, "error", err)
	}
	slog.InfoContext(ctx, "payment processed",
		"payment_id", payment.PaymentID,
		"order_id", in.OrderID,
		"event_id", event.EventID,
	)
	return &Result{Payment: payment}, nil
}

// replay returns the stored first result and re-applies the matching step
// status, so a saga-log write lost to a crash converges on redelivery.
func (s *Service) replay(ctx context.Context, payment *domain.Payment) (*Result, error) {
	status, stepErr := saga.StepCompleted, ""
	declined := payment.Status == domain.StatusFailed
	if declined {
		status, stepErr = saga.StepFailed, "Payment declined"
	}
	if err := s.sagas.UpdateStep(ctx, payment.SagaID, saga.StepProcessPayment, status, stepErr); err != nil {
		slog.WarnContext(ctx, "replay could not reconcile saga step", "saga_id", payment.SagaID, "error", err)
	}
	return &Result{Payment: payment, Declined: declined, Replayed: true}, nil
}

// GetPayment returns a single payment.
func (s *Service) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.payments.Get(ctx, paymentID)
}

// RefundPayment reverses a charge, gated by the compensation key. Exposed
// but never invoked automatically.
func (s *Service) RefundPayment(ctx context.Context, compensationKey, orderID, sagaID string) (*domain.Payment, bool, error) {
	payment, err := s.payments.GetByOrder(ctx, orderID, sagaID)
	if err != nil {
		return nil, false, err
	}

	if payment.CompensationKey == compensationKey {
		return payment, true, nil
	}

	refunded, err := s.payments.Refund(ctx, payment.PaymentID, compensationKey)
	if err != nil {
		return nil, false, err
	}

	slog.InfoContext(ctx, "payment refunded", "payment_id", payment.PaymentID, "order_id", orderID)
	return refunded, false, nil
}
