package domain

import "time"

// Order is the order service's business entity. SagaID is a back-reference
// to the saga that created it, not ownership; the saga log stays the source
// of truth for overall progress.
type Order struct {
	OrderID         string      `json:"orderId"`
	CustomerID      string      `json:"customerId"`
	ProductID       string      `json:"productId"`
	Quantity        int         `json:"quantity"`
	TotalPrice      float64     `json:"totalPrice"`
	Status          OrderStatus `json:"status"`
	SagaID          string      `json:"sagaId"`
	IdempotencyKey  string      `json:"-"`
	CompensationKey string      `json:"-"`
	CreatedAt       time.Time   `json:"createdAt"`
}

type OrderStatus string

const (
	StatusPending     OrderStatus = "PENDING"
	StatusConfirmed   OrderStatus = "CONFIRMED"
	StatusFailed      OrderStatus = "FAILED"
	StatusCompensated OrderStatus = "COMPENSATED"
)
