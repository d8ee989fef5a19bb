// Package httpx holds the HTTP plumbing shared by the four step-handler
// services: the response envelope, the idempotency-key middleware, and the
// common router construction.
package httpx

import (
	"encoding/json"
	"net/http"
)

// Envelope is the response shape every endpoint returns. The relay reads the
// Success flag as its delivery acknowledgement, so handlers must set it
// truthfully: a replayed failure is still Success=false.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	SagaID  string `json:"sagaId,omitempty"`
	OrderID string `json:"orderId,omitempty"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a 200 with a success envelope around data.
func WriteSuccess(w http.ResponseWriter, message string, data any) {
	WriteJSON(w, http.StatusOK, Envelope{Success: true, Message: message, Data: data})
}

// WriteFailure writes a failure envelope with the given status.
func WriteFailure(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Envelope{Success: false, Message: message})
}

// WriteNotFound writes the distinct not-found response shape.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteFailure(w, http.StatusNotFound, message)
}
