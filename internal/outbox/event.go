// Package outbox implements the transactional outbox: integration events are
// written in the same local transaction as the business state change they
// announce, then relayed asynchronously to the next saga stage.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the delivery attempt bound applied to new events.
const DefaultMaxRetries = 3

// EventType is the closed set of integration events the saga exchanges.
type EventType string

const (
	EventOrderCreated     EventType = "OrderCreated"
	EventPaymentProcessed EventType = "PaymentProcessed"
	EventPaymentFailed    EventType = "PaymentFailed"
	EventInventoryUpdated EventType = "InventoryUpdated"
	EventInventoryFailed  EventType = "InventoryFailed"
	EventOrderShipped     EventType = "OrderShipped"
	EventOrderDelivered   EventType = "OrderDelivered"
	EventOrderCompensated EventType = "OrderCompensated"
)

// IsValid reports whether t is part of the closed enumeration.
func (t EventType) IsValid() bool {
	switch t {
	case EventOrderCreated, EventPaymentProcessed, EventPaymentFailed,
		EventInventoryUpdated, EventInventoryFailed, EventOrderShipped,
		EventOrderDelivered, EventOrderCompensated:
		return true
	default:
		return false
	}
}

// TargetService is the closed set of downstream services an event can be
// relayed to. Using a typed constant plus the Targets lookup table makes an
// unknown target unrepresentable instead of a runtime lookup failure.
type TargetService string

const (
	TargetOrder     TargetService = "order"
	TargetPayment   TargetService = "payment"
	TargetInventory TargetService = "inventory"
	TargetShipping  TargetService = "shipping"
)

// IsValid reports whether s is part of the closed enumeration.
func (s TargetService) IsValid() bool {
	switch s {
	case TargetOrder, TargetPayment, TargetInventory, TargetShipping:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidEventType     = errors.New("outbox: invalid event type")
	ErrInvalidTargetService = errors.New("outbox: invalid target service")
	ErrPayloadNotJSON       = errors.New("outbox: payload must be valid JSON")
)

// Event is one row in a service's outbox table.
//
// Created exactly once per step execution, atomically with the business
// mutation it reports. After creation only the relay mutates it (attempts,
// published flag, last error). Events are never deleted; they form the
// durable delivery log.
type Event struct {
	EventID         string
	AggregateID     string
	EventType       EventType
	Payload         json.RawMessage
	TargetService   TargetService
	TargetEndpoint  string
	Published       bool
	PublishedAt     *time.Time
	PublishAttempts int
	MaxRetries      int
	LastError       string
	CreatedAt       time.Time
}

// NewEvent builds a pending event. payload is marshalled to JSON; typed
// payload structs keep the hop contracts explicit.
func NewEvent(aggregateID string, eventType EventType, target TargetService, endpoint string, payload any) (*Event, error) {
	if !eventType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTargetService, target)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadNotJSON, err)
	}

	return &Event{
		EventID:        uuid.NewString(),
		AggregateID:    aggregateID,
		EventType:      eventType,
		Payload:        raw,
		TargetService:  target,
		TargetEndpoint: endpoint,
		MaxRetries:     DefaultMaxRetries,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// IdempotencyKey derives the delivery key for the event. It is deterministic
// so redelivering the same event always reuses the same key at the receiver.
func (e *Event) IdempotencyKey() string {
	return e.AggregateID + "-" + string(e.EventType)
}

// PermanentlyFailed reports whether the relay has exhausted the attempt
// budget without a successful delivery. Such events are terminal and require
// operator intervention.
func (e *Event) PermanentlyFailed() bool {
	return !e.Published && e.PublishAttempts >= e.MaxRetries
}
