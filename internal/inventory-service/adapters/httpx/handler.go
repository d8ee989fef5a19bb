// Package httpx exposes the inventory service's HTTP operations.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/outbox-sagas/internal/inventory-service/app"
	"github.com/jcmexdev/outbox-sagas/internal/inventory-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
)

type UpdateInventoryRequest struct {
	OrderID   string `json:"orderId"`
	SagaID    string `json:"sagaId"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CompensateInventoryRequest struct {
	OrderID string `json:"orderId"`
	SagaID  string `json:"sagaId"`
}

type InitializeRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type Handler struct {
	service *app.Service
}

func NewHandler(service *app.Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the inventory routes on the /api subtree.
func (h *Handler) Register(r chi.Router) {
	r.Post("/inventories/update-inventory", h.UpdateInventory)
	r.Post("/inventories/compensate-inventory", h.CompensateInventory)
	r.Post("/inventories/initialize", h.Initialize)
	r.Get("/inventories/get-inventory/{productId}", h.GetInventory)
}

// UpdateInventory handles the PaymentProcessed hop.
func (h *Handler) UpdateInventory(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := httpx.IdempotencyKeyFromContext(r.Context())
	if idempotencyKey == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req UpdateInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.OrderID == "" || req.SagaID == "" || req.ProductID == "" || req.Quantity <= 0 {
		httpx.WriteFailure(w, http.StatusBadRequest,
			"Missing required fields: orderId, sagaId, productId, quantity")
		return
	}

	res, err := h.service.UpdateInventory(r.Context(), idempotencyKey, app.UpdateInventoryInput{
		OrderID:   req.OrderID,
		SagaID:    req.SagaID,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
	})
	if errors.Is(err, saga.ErrNotFound) {
		httpx.WriteNotFound(w, "Saga not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error updating inventory")
		return
	}

	if res.Insufficient {
		httpx.WriteJSON(w, http.StatusConflict, httpx.Envelope{
			Success: false,
			Message: "Insufficient inventory",
			Data:    res.Record,
		})
		return
	}

	message := "Inventory updated - shipping event queued"
	if res.Replayed {
		message = "Inventory already updated"
	}
	httpx.WriteSuccess(w, message, res.Reservation)
}

// CompensateInventory releases a reservation.
func (h *Handler) CompensateInventory(w http.ResponseWriter, r *http.Request) {
	compensationKey := httpx.IdempotencyKeyFromContext(r.Context())
	if compensationKey == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req CompensateInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" || req.SagaID == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing required fields: orderId, sagaId")
		return
	}

	reservation, replayed, err := h.service.CompensateInventory(r.Context(), compensationKey, req.OrderID, req.SagaID)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteNotFound(w, "Reservation not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error compensating inventory")
		return
	}

	message := "Reservation released successfully"
	if replayed {
		message = "Reservation already released"
	}
	httpx.WriteSuccess(w, message, reservation)
}

// Initialize seeds a product's stock.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" || req.Quantity < 0 {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing required fields: productId, quantity")
		return
	}

	record, err := h.service.Initialize(r.Context(), req.ProductID, req.Quantity)
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error initializing inventory")
		return
	}
	httpx.WriteSuccess(w, "Inventory initialized", record)
}

// GetInventory returns one product's stock record.
func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productId")

	record, err := h.service.GetInventory(r.Context(), productID)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteNotFound(w, "Product not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error fetching inventory")
		return
	}
	httpx.WriteSuccess(w, "", record)
}
