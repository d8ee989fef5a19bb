package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcmexdev/outbox-sagas/internal/order-service/app"
	"github.com/jcmexdev/outbox-sagas/internal/order-service/storage"
	outboxsqlite "github.com/jcmexdev/outbox-sagas/internal/outbox/sqlite"
	pkghttpx "github.com/jcmexdev/outbox-sagas/internal/pkg/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	sagasqlite "github.com/jcmexdev/outbox-sagas/internal/saga/sqlite"
)

type fakeCache struct {
	data map[string]string
	hits int
}

func (c *fakeCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.data == nil {
		c.data = map[string]string{}
	}
	c.data[key] = value.(string)
	return nil
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	if v, ok := c.data[key]; ok {
		c.hits++
		return v, nil
	}
	return "", nil
}

func (c *fakeCache) GenerateKey(operation, key string) string {
	return "order:" + operation + ":" + key
}

func newServer(t *testing.T) (*httptest.Server, *fakeCache) {
	t.Helper()
	db, err := sqlitex.Open(filepath.Join(t.TempDir(), "order.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	orders, err := storage.New(db)
	if err != nil {
		t.Fatal(err)
	}
	outboxStore, err := outboxsqlite.New(db)
	if err != nil {
		t.Fatal(err)
	}
	sagas, err := sagasqlite.New(db)
	if err != nil {
		t.Fatal(err)
	}

	c := &fakeCache{}
	handler := NewHandler(app.NewService(db, orders, outboxStore, sagas), c)
	server := httptest.NewServer(pkghttpx.NewRouter("order-service", handler.Register))
	t.Cleanup(server.Close)
	return server, c
}

func post(t *testing.T, url, idempotencyKey string, body any) (*http.Response, pkghttpx.Envelope) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(pkghttpx.HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var env pkghttpx.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, env
}

var startBody = map[string]any{
	"customerId": "cust-1",
	"productId":  "prod-1",
	"quantity":   2,
	"totalPrice": 59.98,
}

func TestStartSagaEndpoint(t *testing.T) {
	server, _ := newServer(t)

	resp, env := post(t, server.URL+"/api/orders/start-saga", "req-1", startBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !env.Success || env.SagaID == "" || env.OrderID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestStartSagaRequiresIdempotencyKey(t *testing.T) {
	server, _ := newServer(t)

	resp, env := post(t, server.URL+"/api/orders/start-saga", "", startBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if env.Success {
		t.Fatal("missing key must not succeed")
	}
}

func TestStartSagaRejectsIncompleteBody(t *testing.T) {
	server, _ := newServer(t)

	resp, _ := post(t, server.URL+"/api/orders/start-saga", "req-1", map[string]any{
		"customerId": "cust-1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetSagaEndpoint(t *testing.T) {
	server, c := newServer(t)

	_, started := post(t, server.URL+"/api/orders/start-saga", "req-1", startBody)

	get := func() SagaView {
		resp, err := http.Get(server.URL + "/api/orders/get-saga/" + started.SagaID)
		if err != nil {
			t.Fatalf("get saga: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}

		var env struct {
			Success bool     `json:"success"`
			Data    SagaView `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return env.Data
	}

	view := get()
	if view.SagaID != started.SagaID || len(view.Steps) != 4 {
		t.Fatalf("unexpected view: %+v", view)
	}

	// Second read comes from the cache and matches.
	again := get()
	if c.hits != 1 {
		t.Fatalf("cache hits = %d, want 1", c.hits)
	}
	if again.SagaID != view.SagaID || again.Status != view.Status {
		t.Fatalf("cached view diverged: %+v vs %+v", again, view)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	server, _ := newServer(t)

	resp, err := http.Get(server.URL + "/api/orders/get-order/missing")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
