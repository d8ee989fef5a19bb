// Package httpx exposes the shipping service's HTTP operations.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/outbox-sagas/internal/pkg/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/app"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/storage"
)

type DeliverOrderRequest struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	SagaID     string `json:"sagaId"`
}

type CancelShipmentRequest struct {
	OrderID string `json:"orderId"`
	SagaID  string `json:"sagaId"`
}

type Handler struct {
	service *app.Service
}

func NewHandler(service *app.Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the shipping routes on the /api subtree.
func (h *Handler) Register(r chi.Router) {
	r.Post("/shipments/deliver-order", h.DeliverOrder)
	r.Post("/shipments/cancel-shipment", h.CancelShipment)
	r.Get("/shipments/get-shipment/{shipmentId}", h.GetShipment)
}

// DeliverOrder handles the InventoryUpdated hop and closes the saga.
func (h *Handler) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := httpx.IdempotencyKeyFromContext(r.Context())
	if idempotencyKey == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req DeliverOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.OrderID == "" || req.CustomerID == "" || req.SagaID == "" {
		httpx.WriteFailure(w, http.StatusBadRequest,
			"Missing required fields: orderId, customerId, sagaId")
		return
	}

	res, err := h.service.DeliverOrder(r.Context(), idempotencyKey, app.DeliverOrderInput{
		OrderID:    req.OrderID,
		CustomerID: req.CustomerID,
		SagaID:     req.SagaID,
	})
	if errors.Is(err, saga.ErrNotFound) {
		httpx.WriteNotFound(w, "Saga not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error delivering order")
		return
	}

	message := "Order delivered - saga completed"
	if res.Replayed {
		message = "Order already delivered"
	}
	httpx.WriteSuccess(w, message, res.Shipment)
}

// CancelShipment reverses a delivery.
func (h *Handler) CancelShipment(w http.ResponseWriter, r *http.Request) {
	compensationKey := httpx.IdempotencyKeyFromContext(r.Context())
	if compensationKey == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req CancelShipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" || req.SagaID == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing required fields: orderId, sagaId")
		return
	}

	shipment, replayed, err := h.service.CancelShipment(r.Context(), compensationKey, req.OrderID, req.SagaID)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteNotFound(w, "Shipment not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error cancelling shipment")
		return
	}

	message := "Shipment cancelled successfully"
	if replayed {
		message = "Shipment already cancelled"
	}
	httpx.WriteSuccess(w, message, shipment)
}

// GetShipment returns one shipment.
func (h *Handler) GetShipment(w http.ResponseWriter, r *http.Request) {
	shipmentID := chi.URLParam(r, "shipmentId")

	shipment, err := h.service.GetShipment(r.Context(), shipmentID)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteNotFound(w, "Shipment not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error fetching shipment")
		return
	}
	httpx.WriteSuccess(w, "", shipment)
}
