// Package httpx exposes the payment service's HTTP operations.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/outbox-sagas/internal/payment-service/app"
	"github.com/jcmexdev/outbox-sagas/internal/payment-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/saga"
)

type ProcessPaymentRequest struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	Amount     float64 `json:"amount"`
	SagaID     string  `json:"sagaId"`
}

type RefundPaymentRequest struct {
	OrderID string `json:"orderId"`
	SagaID  string `json:"sagaId"`
}

type Handler struct {
	service *app.Service
}

func NewHandler(service *app.Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the payment routes on the /api subtree.
func (h *Handler) Register(r chi.Router) {
	r.Post("/payments/process-payment", h.ProcessPayment)
	r.Post("/payments/refund-payment", h.RefundPayment)
	r.Get("/payments/get-payment/{paymentId}", h.GetPayment)
}

// ProcessPayment handles the OrderCreated hop.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := httpx.IdempotencyKeyFromContext(r.Context())
	if idempotencyKey == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req ProcessPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.OrderID == "" || req.CustomerID == "" || req.Amount <= 0 || req.SagaID == "" {
		httpx.WriteFailure(w, http.StatusBadRequest,
			"Missing required fields: orderId, customerId, amount, sagaId")
		return
	}

	res, err := h.service.ProcessPayment(r.Context(), idempotencyKey, app.ProcessPaymentInput{
		OrderID:    req.OrderID,
		CustomerID: req.CustomerID,
		Amount:     req.Amount,
		SagaID:     req.SagaID,
	})
	if errors.Is(err, saga.ErrNotFound) {
		httpx.WriteNotFound(w, "Saga not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error processing payment")
		return
	}

	// A decline is the first computed answer; replaying it keeps the
	// response byte-identical, and the relay stops once it has the verdict.
	if res.Declined {
		httpx.WriteJSON(w, http.StatusPaymentRequired, httpx.Envelope{
			Success: false,
			Message: "Payment declined",
			Data:    res.Payment,
		})
		return
	}

	message := "Payment processed - inventory event queued"
	if res.Replayed {
		message = "Payment already processed"
	}
	httpx.WriteSuccess(w, message, res.Payment)
}

// RefundPayment compensates a charge.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	compensationKey := httpx.IdempotencyKeyFromContext(r.Context())
	if compensationKey == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req RefundPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" || req.SagaID == "" {
		httpx.WriteFailure(w, http.StatusBadRequest, "Missing required fields: orderId, sagaId")
		return
	}

	payment, replayed, err := h.service.RefundPayment(r.Context(), compensationKey, req.OrderID, req.SagaID)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteNotFound(w, "Payment not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error refunding payment")
		return
	}

	message := "Payment refunded successfully"
	if replayed {
		message = "Payment already refunded"
	}
	httpx.WriteSuccess(w, message, payment)
}

// GetPayment returns one payment.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")

	payment, err := h.service.GetPayment(r.Context(), paymentID)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.WriteNotFound(w, "Payment not found")
		return
	}
	if err != nil {
		httpx.WriteFailure(w, http.StatusInternalServerError, "Error fetching payment")
		return
	}
	httpx.WriteSuccess(w, "", payment)
}
