package domain

import "time"

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationReleased ReservationStatus = "RELEASED"
)

// Reservation is one order's hold against a product's stock.
type Reservation struct {
	ReservationID   string            `json:"reservationId"`
	ProductID       string            `json:"productId"`
	OrderID         string            `json:"orderId"`
	SagaID          string            `json:"sagaId"`
	Quantity        int               `json:"quantity"`
	Status          ReservationStatus `json:"status"`
	IdempotencyKey  string            `json:"-"`
	CompensationKey string            `json:"-"`
	CreatedAt       time.Time         `json:"createdAt"`
}
