package domain

import "time"

// Payment records one charge attempt for an order. A declined charge is
// persisted as FAILED so a redelivered request replays the decline instead
// of re-rolling the dice.
type Payment struct {
	PaymentID       string        `json:"paymentId"`
	OrderID         string        `json:"orderId"`
	CustomerID      string        `json:"customerId"`
	Amount          float64       `json:"amount"`
	Status          PaymentStatus `json:"status"`
	SagaID          string        `json:"sagaId"`
	IdempotencyKey  string        `json:"-"`
	CompensationKey string        `json:"-"`
	CreatedAt       time.Time     `json:"createdAt"`
}

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "PENDING"
	StatusProcessed PaymentStatus = "PROCESSED"
	StatusFailed    PaymentStatus = "FAILED"
	StatusRefunded  PaymentStatus = "REFUNDED"
)
