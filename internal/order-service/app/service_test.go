package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jcmexdev/outbox-sagas/internal/order-service/domain"
	"github.com/jcmexdev/outbox-sagas/internal/order-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/outbox"
	outboxsqlite "github.com/jcmexdev/outbox-sagas/internal/outbox/sqlite"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
	sagasqlite "github.com/jcmexdev/outbox-sagas/internal/saga/sqlite"
)

type fixture struct {
	service *Service
	orders  *storage.Store
	outbox  *outboxsqlite.Store
	sagas   *sagasqlite.Store
	db      *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlitex.Open(filepath.Join(t.TempDir(), "order.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	orders, err := storage.New(db)
	if err != nil {
		t.Fatalf("order store: %v", err)
	}
	outboxStore, err := outboxsqlite.New(db)
	if err != nil {
		t.Fatalf("outbox store: %v", err)
	}
	sagas, err := sagasqlite.New(db)
	if err != nil {
		t.Fatalf("saga store: %v", err)
	}

	return &fixture{
		service: NewService(db, orders, outboxStore, sagas),
		orders:  orders,
		outbox:  outboxStore,
		sagas:   sagas,
		db:      db,
	}
}

var input = StartSagaInput{
	CustomerID: "cust-1",
	ProductID:  "prod-1",
	Quantity:   2,
	TotalPrice: 59.98,
}

func TestStartSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.service.StartSaga(ctx, "key-1", input)
	if err != nil {
		t.Fatalf("start saga: %v", err)
	}
	if res.SagaID == "" || res.OrderID == "" || res.Replayed {
		t.Fatalf("unexpected result: %+v", res)
	}

	order, err := f.orders.Get(ctx, res.OrderID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if order.SagaID != res.SagaID {
		t.Fatalf("order saga = %q, want %q", order.SagaID, res.SagaID)
	}

	instance, err := f.sagas.Get(ctx, res.SagaID)
	if err != nil {
		t.Fatalf("saga not persisted: %v", err)
	}
	if instance.OrderID != res.OrderID {
		t.Fatalf("saga order = %q, want %q", instance.OrderID, res.OrderID)
	}
	if got := instance.StepByName(saga.StepCreateOrder).Status; got != saga.StepCompleted {
		t.Fatalf("CREATE_ORDER = %q, want COMPLETED", got)
	}
	if got := instance.StepByName(saga.StepProcessPayment).Status; got != saga.StepPending {
		t.Fatalf("PROCESS_PAYMENT = %q, want PENDING", got)
	}

	events, err := f.outbox.ListUndelivered(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	event := events[0]
	if event.EventType != outbox.EventOrderCreated || event.TargetService != outbox.TargetPayment {
		t.Fatalf("unexpected event: %+v", event)
	}

	var payload struct {
		OrderID string  `json:"orderId"`
		Amount  float64 `json:"amount"`
		SagaID  string  `json:"sagaId"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.OrderID != res.OrderID || payload.SagaID != res.SagaID || payload.Amount != input.TotalPrice {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestStartSagaReplaysOnSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.service.StartSaga(ctx, "key-1", input)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := f.service.StartSaga(ctx, "key-1", input)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}

	if !second.Replayed {
		t.Fatal("second call should report a replay")
	}
	if second.SagaID != first.SagaID || second.OrderID != first.OrderID {
		t.Fatalf("replay = %+v, want %+v", second, first)
	}

	// Exactly one saga, one order, one event.
	n, err := f.outbox.CountByTarget(ctx, outbox.TargetPayment)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}
}

func TestStartSagaDistinctKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, _ := f.service.StartSaga(ctx, "key-1", input)
	second, err := f.service.StartSaga(ctx, "key-2", input)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.Replayed || second.SagaID == first.SagaID {
		t.Fatalf("distinct keys must start distinct sagas: %+v vs %+v", first, second)
	}
}

func TestCompensateOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, _ := f.service.StartSaga(ctx, "key-1", input)

	order, replayed, err := f.service.CompensateOrder(ctx, "comp-1", res.OrderID)
	if err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if replayed {
		t.Fatal("first compensation should not be a replay")
	}
	if order.Status != domain.StatusCompensated {
		t.Fatalf("status = %q, want COMPENSATED", order.Status)
	}

	// Same compensation key replays; the order is not touched twice.
	_, replayed, err = f.service.CompensateOrder(ctx, "comp-1", res.OrderID)
	if err != nil {
		t.Fatalf("replayed compensate: %v", err)
	}
	if !replayed {
		t.Fatal("second compensation with same key should replay")
	}
}
