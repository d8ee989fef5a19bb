package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
	sagasqlite "github.com/jcmexdev/outbox-sagas/internal/saga/sqlite"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/domain"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/storage"
)

type fixture struct {
	service  *Service
	sagas    *sagasqlite.Store
	instance *saga.Instance
}

// newFixture builds the shipping store plus a saga with the first three
// steps completed, as the inventory service leaves it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlitex.Open(filepath.Join(t.TempDir(), "shipping.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	shipments, err := storage.New(db)
	if err != nil {
		t.Fatalf("shipment store: %v", err)
	}
	sagas, err := sagasqlite.New(db)
	if err != nil {
		t.Fatalf("saga store: %v", err)
	}

	instance := saga.NewInstance("saga-key", "cust-1", "prod-1", 2, 59.98)
	instance.OrderID = "order-1"
	instance.StepByName(saga.StepCreateOrder).Status = saga.StepCompleted
	instance.StepByName(saga.StepProcessPayment).Status = saga.StepCompleted
	instance.StepByName(saga.StepUpdateInventory).Status = saga.StepCompleted
	if _, err := sagas.Create(context.Background(), instance); err != nil {
		t.Fatalf("create saga: %v", err)
	}

	return &fixture{
		service:  NewService(db, shipments, sagas),
		sagas:    sagas,
		instance: instance,
	}
}

func (f *fixture) input() DeliverOrderInput {
	return DeliverOrderInput{OrderID: "order-1", CustomerID: "cust-1", SagaID: f.instance.SagaID}
}

func TestDeliverOrderCompletesSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.service.DeliverOrder(ctx, "key-1", f.input())
	if err != nil {
		t.Fatalf("deliver order: %v", err)
	}
	if res.Replayed {
		t.Fatal("first delivery should not be a replay")
	}
	if res.Shipment.Status != domain.StatusShipped {
		t.Fatalf("status = %q, want SHIPPED", res.Shipment.Status)
	}

	instance, _ := f.sagas.Get(ctx, f.instance.SagaID)
	if got := instance.StepByName(saga.StepDeliverOrder).Status; got != saga.StepCompleted {
		t.Fatalf("DELIVER_ORDER = %q, want COMPLETED", got)
	}
	if instance.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %q, want COMPLETED", instance.Status)
	}
}

func TestDeliverOrderReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.service.DeliverOrder(ctx, "key-1", f.input())
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := f.service.DeliverOrder(ctx, "key-1", f.input())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if !second.Replayed {
		t.Fatal("redelivery should replay")
	}
	if second.Shipment.ShipmentID != first.Shipment.ShipmentID {
		t.Fatal("replay must return the stored shipment")
	}

	instance, _ := f.sagas.Get(ctx, f.instance.SagaID)
	if instance.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %q, want still COMPLETED", instance.Status)
	}
}

func TestDeliverOrderUnknownSaga(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.DeliverOrder(context.Background(), "key-1", DeliverOrderInput{
		OrderID:    "order-1",
		CustomerID: "cust-1",
		SagaID:     "missing",
	})
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelShipment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.service.DeliverOrder(ctx, "key-1", f.input()); err != nil {
		t.Fatalf("deliver order: %v", err)
	}

	cancelled, replayed, err := f.service.CancelShipment(ctx, "comp-1", "order-1", f.instance.SagaID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if replayed {
		t.Fatal("first cancellation should not be a replay")
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("status = %q, want CANCELLED", cancelled.Status)
	}

	_, replayed, err = f.service.CancelShipment(ctx, "comp-1", "order-1", f.instance.SagaID)
	if err != nil {
		t.Fatalf("replayed cancel: %v", err)
	}
	if !replayed {
		t.Fatal("second cancellation with same key should replay")
	}
}
