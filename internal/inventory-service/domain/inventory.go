// Package domain holds the inventory service's core types.
package domain

import "time"

// InventoryRecord tracks on-hand and reserved stock for one product.
// Available stock is Quantity minus ReservedQuantity.
type InventoryRecord struct {
	ProductID        string    `json:"productId"`
	Quantity         int       `json:"quantity"`
	ReservedQuantity int       `json:"reservedQuantity"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Available reports how many units can still be reserved.
func (r *InventoryRecord) Available() int {
	return r.Quantity - r.ReservedQuantity
}

// CanReserve reports whether the requested quantity fits in available stock.
func (r *InventoryRecord) CanReserve(quantity int) bool {
	return r.Available() >= quantity
}
