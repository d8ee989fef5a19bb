// Package domain holds the shipping service's core types.
package domain

import "time"

type ShipmentStatus string

const (
	StatusPending   ShipmentStatus = "PENDING"
	StatusShipped   ShipmentStatus = "SHIPPED"
	StatusDelivered ShipmentStatus = "DELIVERED"
	StatusCancelled ShipmentStatus = "CANCELLED"
)

type Shipment struct {
	ShipmentID      string         `json:"shipmentId"`
	OrderID         string         `json:"orderId"`
	CustomerID      string         `json:"customerId"`
	Status          ShipmentStatus `json:"status"`
	SagaID          string         `json:"sagaId"`
	IdempotencyKey  string         `json:"-"`
	CompensationKey string         `json:"-"`
	CreatedAt       time.Time      `json:"createdAt"`
}
