package saga_test

// End-to-end choreography: all four services wired over real HTTP test
// servers and real SQLite files, with each stage's outbox drained by hand
// through DeliverOnce instead of the wall-clock poll loop.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	inventoryhttpx "github.com/jcmexdev/outbox-sagas/internal/inventory-service/adapters/httpx"
	inventoryapp "github.com/jcmexdev/outbox-sagas/internal/inventory-service/app"
	inventorystorage "github.com/jcmexdev/outbox-sagas/internal/inventory-service/storage"
	orderhttpx "github.com/jcmexdev/outbox-sagas/internal/order-service/adapters/httpx"
	orderapp "github.com/jcmexdev/outbox-sagas/internal/order-service/app"
	orderstorage "github.com/jcmexdev/outbox-sagas/internal/order-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/outbox"
	outboxsqlite "github.com/jcmexdev/outbox-sagas/internal/outbox/sqlite"
	paymenthttpx "github.com/jcmexdev/outbox-sagas/internal/payment-service/adapters/httpx"
	paymentapp "github.com/jcmexdev/outbox-sagas/internal/payment-service/app"
	paymentstorage "github.com/jcmexdev/outbox-sagas/internal/payment-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
	sagasqlite "github.com/jcmexdev/outbox-sagas/internal/saga/sqlite"
	shippinghttpx "github.com/jcmexdev/outbox-sagas/internal/shipping-service/adapters/httpx"
	shippingapp "github.com/jcmexdev/outbox-sagas/internal/shipping-service/app"
	shippingstorage "github.com/jcmexdev/outbox-sagas/internal/shipping-service/storage"
)

// fakeCache satisfies the order handler without a Redis instance.
type fakeCache struct{ data map[string]string }

func (c *fakeCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.data == nil {
		c.data = map[string]string{}
	}
	c.data[key] = fmt.Sprintf("%s", value)
	return nil
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	return c.data[key], nil
}

func (c *fakeCache) GenerateKey(operation, key string) string {
	return "order:" + operation + ":" + key
}

type system struct {
	orderURL string
	sagas    *sagasqlite.Store

	orderRelay     *outbox.Relay
	paymentRelay   *outbox.Relay
	inventoryRelay *outbox.Relay

	paymentOutbox   *outboxsqlite.Store
	inventoryOutbox *outboxsqlite.Store
	shipments       *shippingstorage.Store
}

// newSystem wires the full choreography. The payment decider is pinned so
// each test chooses its own outcome.
func newSystem(t *testing.T, declinePayment bool) *system {
	t.Helper()
	dir := t.TempDir()

	// Order service owns the saga log.
	orderDB, err := sqlitex.Open(filepath.Join(dir, "order.db"))
	if err != nil {
		t.Fatalf("open order db: %v", err)
	}
	t.Cleanup(func() { orderDB.Close() })
	orders, err := orderstorage.New(orderDB)
	if err != nil {
		t.Fatal(err)
	}
	orderOutbox, err := outboxsqlite.New(orderDB)
	if err != nil {
		t.Fatal(err)
	}
	sagas, err := sagasqlite.New(orderDB)
	if err != nil {
		t.Fatal(err)
	}
	orderService := orderapp.NewService(orderDB, orders, orderOutbox, sagas)
	orderServer := httptest.NewServer(httpx.NewRouter("order-service",
		orderhttpx.NewHandler(orderService, &fakeCache{}).Register))
	t.Cleanup(orderServer.Close)

	// Payment.
	paymentDB, err := sqlitex.Open(filepath.Join(dir, "payment.db"))
	if err != nil {
		t.Fatalf("open payment db: %v", err)
	}
	t.Cleanup(func() { paymentDB.Close() })
	payments, err := paymentstorage.New(paymentDB)
	if err != nil {
		t.Fatal(err)
	}
	paymentOutbox, err := outboxsqlite.New(paymentDB)
	if err != nil {
		t.Fatal(err)
	}
	paymentService := paymentapp.NewService(paymentDB, payments, paymentOutbox, sagas,
		paymentapp.WithDecider(func() bool { return declinePayment }))
	paymentServer := httptest.NewServer(httpx.NewRouter("payment-service",
		paymenthttpx.NewHandler(paymentService).Register))
	t.Cleanup(paymentServer.Close)

	// Inventory.
	inventoryDB, err := sqlitex.Open(filepath.Join(dir, "inventory.db"))
	if err != nil {
		t.Fatalf("open inventory db: %v", err)
	}
	t.Cleanup(func() { inventoryDB.Close() })
	inventory, err := inventorystorage.New(inventoryDB)
	if err != nil {
		t.Fatal(err)
	}
	inventoryOutbox, err := outboxsqlite.New(inventoryDB)
	if err != nil {
		t.Fatal(err)
	}
	inventoryService := inventoryapp.NewService(inventoryDB, inventory, inventoryOutbox, sagas)
	inventoryServer := httptest.NewServer(httpx.NewRouter("inventory-service",
		inventoryhttpx.NewHandler(inventoryService).Register))
	t.Cleanup(inventoryServer.Close)

	// Shipping.
	shippingDB, err := sqlitex.Open(filepath.Join(dir, "shipping.db"))
	if err != nil {
		t.Fatalf("open shipping db: %v", err)
	}
	t.Cleanup(func() { shippingDB.Close() })
	shipments, err := shippingstorage.New(shippingDB)
	if err != nil {
		t.Fatal(err)
	}
	shippingService := shippingapp.NewService(shippingDB, shipments, sagas)
	shippingServer := httptest.NewServer(httpx.NewRouter("shipping-service",
		shippinghttpx.NewHandler(shippingService).Register))
	t.Cleanup(shippingServer.Close)

	orderRelay, err := outbox.NewRelay(orderOutbox,
		outbox.Targets{outbox.TargetPayment: paymentServer.URL}, outbox.RelayConfig{})
	if err != nil {
		t.Fatal(err)
	}
	paymentRelay, err := outbox.NewRelay(paymentOutbox,
		outbox.Targets{outbox.TargetInventory: inventoryServer.URL}, outbox.RelayConfig{})
	if err != nil {
		t.Fatal(err)
	}
	inventoryRelay, err := outbox.NewRelay(inventoryOutbox,
		outbox.Targets{outbox.TargetShipping: shippingServer.URL}, outbox.RelayConfig{})
	if err != nil {
		t.Fatal(err)
	}

	return &system{
		orderURL:        orderServer.URL,
		sagas:           sagas,
		orderRelay:      orderRelay,
		paymentRelay:    paymentRelay,
		inventoryRelay:  inventoryRelay,
		paymentOutbox:   paymentOutbox,
		inventoryOutbox: inventoryOutbox,
		shipments:       shipments,
	}
}

func (s *system) startSaga(t *testing.T, idempotencyKey string) httpx.Envelope {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"customerId": "cust-1",
		"productId":  "prod-1",
		"quantity":   2,
		"totalPrice": 59.98,
	})

	req, err := http.NewRequest(http.MethodPost, s.orderURL+"/api/orders/start-saga", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpx.HeaderIdempotencyKey, idempotencyKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("start saga: %v", err)
	}
	defer resp.Body.Close()

	var env httpx.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !env.Success {
		t.Fatalf("start saga failed: %+v", env)
	}
	return env
}

// pump drains each stage's outbox once, in hop order.
func (s *system) pump(ctx context.Context) {
	s.orderRelay.DeliverOnce(ctx)
	s.paymentRelay.DeliverOnce(ctx)
	s.inventoryRelay.DeliverOnce(ctx)
}

func TestSagaHappyPath(t *testing.T) {
	ctx := context.Background()
	sys := newSystem(t, false)

	env := sys.startSaga(t, "req-1")
	sys.pump(ctx)

	instance, err := sys.sagas.Get(ctx, env.SagaID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if instance.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %q, want COMPLETED", instance.Status)
	}
	for _, step := range instance.Steps {
		if step.Status != saga.StepCompleted {
			t.Fatalf("step %s = %q, want COMPLETED", step.Name, step.Status)
		}
	}

	shipment, err := sys.shipments.GetByOrder(ctx, env.OrderID, env.SagaID)
	if err != nil {
		t.Fatalf("shipment not created: %v", err)
	}
	if shipment.CustomerID != "cust-1" {
		t.Fatalf("shipment customer = %q", shipment.CustomerID)
	}
}

func TestSagaRedeliveryIsHarmless(t *testing.T) {
	ctx := context.Background()
	sys := newSystem(t, false)

	env := sys.startSaga(t, "req-1")

	// Pump well past completion: later cycles find nothing undelivered, and
	// nothing executes twice.
	for i := 0; i < 3; i++ {
		sys.pump(ctx)
	}

	instance, err := sys.sagas.Get(ctx, env.SagaID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if instance.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %q, want COMPLETED", instance.Status)
	}

	n, err := sys.inventoryOutbox.CountByTarget(ctx, outbox.TargetShipping)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("shipping events = %d, want exactly 1", n)
	}
}

func TestSagaStopsAtPaymentDecline(t *testing.T) {
	ctx := context.Background()
	sys := newSystem(t, true)

	env := sys.startSaga(t, "req-1")

	// The payment service persists a decline and acks success=false, so the
	// order relay keeps retrying the OrderCreated event until its attempts
	// are exhausted; every retry replays the same decline.
	for i := 0; i <= outbox.DefaultMaxRetries; i++ {
		sys.pump(ctx)
	}

	instance, err := sys.sagas.Get(ctx, env.SagaID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	step := instance.StepByName(saga.StepProcessPayment)
	if step.Status != saga.StepFailed {
		t.Fatalf("PROCESS_PAYMENT = %q, want FAILED", step.Status)
	}

	// The saga halts: later steps never ran, no shipment exists, and no
	// compensation fired anywhere.
	if got := instance.StepByName(saga.StepUpdateInventory).Status; got != saga.StepPending {
		t.Fatalf("UPDATE_INVENTORY = %q, want PENDING", got)
	}
	if got := instance.StepByName(saga.StepDeliverOrder).Status; got != saga.StepPending {
		t.Fatalf("DELIVER_ORDER = %q, want PENDING", got)
	}
	if instance.Status == saga.StatusCompensating || instance.Status == saga.StatusCompensated {
		t.Fatalf("saga status = %q, compensation must not fire automatically", instance.Status)
	}

	n, err := sys.paymentOutbox.CountByTarget(ctx, outbox.TargetInventory)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("inventory events = %d, want 0", n)
	}
}

func TestStartSagaReplaySameResponse(t *testing.T) {
	sys := newSystem(t, false)

	first := sys.startSaga(t, "req-1")
	second := sys.startSaga(t, "req-1")

	if second.SagaID != first.SagaID || second.OrderID != first.OrderID {
		t.Fatalf("replay = %+v, want %+v", second, first)
	}
}
