// Package httpx exposes the order service's HTTP operations.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/outbox-sagas/internal/order-service/app"
	"github.com/jcmexdev/outbox-sagas/internal/order-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/cache"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
)

type StartSagaRequest struct {
	CustomerID string  `json:"customerId"`
	ProductID  string  `json:"productId"`
	Quantity   int     `json:"quantity"`
	TotalPrice float64 `json:"totalPrice"`
}

type CompensateOrderRequest struct {
	OrderID string `json:"orderId"`
}

// Handler adapts the order app service to HTTP. The cache is a read-through
// on the lookup endpoints only; saga writes never touch it.
type Handler struct {
	service *app.Service
	cache   cache.Cache
}

func NewHandler(service *app.Service, c cache.Cache) *Handler {
	return &Handler{service: service, cache: c}
}

// Register mounts the order routes on the /api subtree.
func (h *Handler) Register(r chi.Router) {
	r.Post("/orders/start-saga", h.StartSaga)
	r.Post("/orders/compensate-order", h.CompensateOrder)
	r.Get("/orders/get-order/{orderId}", h.GetOrder)
	r.Get("/orders/get-saga/{sagaId}", h.GetSaga)
}

// StartSaga is the saga's entry point.
func (h *Handler) StartSaga(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := httpx.IdempotencyKeyFromContext(r.Context())
	if idempotencyKey == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.CustomerID == "" || req.ProductID == "" || req.Quantity <= 0 || req.TotalPrice <= 0 {
		httpx.WriteFailure(w, http.StatusBadRequest,
			"Missing required fields: customerId, productId, quantity, totalPrice")
		return
	}

	res, err := h.service.StartSaga(r.Context(), idempotencyKey, app.StartSagaInput{
		CustomerID: req.CustomerID,
		ProductID:  req.ProductID,
		Quantity:   req.Quantity,
		TotalPrice: req.TotalPrice,
	})
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error starting saga")
		return
	}

	message := "Order saga initiated - events queued for processing"
	if res.Replayed {
		message = "Saga already initiated"
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.Envelope{
		Success: true,
		Message: message,
		SagaID:  res.SagaID,
		OrderID: res.OrderID,
	})
}

// CompensateOrder reverses order creation.
func (h *Handler) CompensateOrder(w http.ResponseWriter, r *http.Request) {
	compensationKey := httpx.IdempotencyKeyFromContext(r.Context())
	if compensationKey == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req CompensateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing orderId")
		return
	}

	order, replayed, err := h.service.CompensateOrder(r.Context(), compensationKey, req.OrderID)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteNotFound(w, "Order not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error compensating order")
		return
	}

	message := "Order compensated successfully"
	if replayed {
		message = "Order already compensated"
	}
	httpx.WriteSuccess(w, message, order)
}

// GetOrder returns one order, read through the cache.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	cacheKey := h.cache.GenerateKey("get-order", orderID)
	if cached, err := h.cache.Get(r.Context(), cacheKey); err == nil && cached != "" {
		httpx.WriteSuccess(w, "", json.RawMessage(cached))
		return
	}

	order, err := h.service.GetOrder(r.Context(), orderID)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteNotFound(w, "Order not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error fetching order")
		return
	}

	if raw, err := json.Marshal(order); err == nil {
		_ = h.cache.Set(r.Context(), cacheKey, string(raw), cache.DefaultTTL)
	}
	httpx.WriteSuccess(w, "", order)
}

// GetSaga returns a saga instance snapshot, read through the cache.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaId")

	cacheKey := h.cache.GenerateKey("get-saga", sagaID)
	if cached, err := h.cache.Get(r.Context(), cacheKey); err == nil && cached != "" {
		httpx.WriteSuccess(w, "", json.RawMessage(cached))
		return
	}

	instance, err := h.service.GetSaga(r.Context(), sagaID)
	if errors.Is(err, saga.ErrNotFound) {
		httpx.WriteNotFound(w, "Saga not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error fetching saga")
		return
	}

	view := newSagaView(instance)
	if raw, err := json.Marshal(view); err == nil {
		_ = h.cache.Set(r.Context(), cacheKey, string(raw), cache.DefaultTTL)
	}
	httpx.WriteSuccess(w, "", view)
}

// SagaView is the read model returned by get-saga.
type SagaView struct {
	SagaID     string      `json:"sagaId"`
	OrderID    string      `json:"orderId,omitempty"`
	CustomerID string      `json:"customerId"`
	ProductID  string      `json:"productId"`
	Quantity   int         `json:"quantity"`
	TotalPrice float64     `json:"totalPrice"`
	Status     saga.Status `json:"status"`
	Steps      []saga.Step `json:"steps"`
}

func newSagaView(in *saga.Instance) SagaView {
	return SagaView{
		SagaID:     in.SagaID,
		OrderID:    in.OrderID,
		CustomerID: in.CustomerID,
		ProductID:  in.ProductID,
		Quantity:   in.Quantity,
		TotalPrice: in.TotalPrice,
		Status:     in.Status,
		Steps:      in.Steps,
	}
}
