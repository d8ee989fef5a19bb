// Package saga defines the saga log: the durable, cross-service record of
// one order-processing saga and the status of each of its fixed steps.
//
// The log serves two purposes:
//
//  1. Choreography bookkeeping: each step handler records its own progress so
//     the overall state can be read from one place.
//
//  2. Audit trail: instances are never deleted; a completed or failed saga
//     stays queryable forever.
package saga

import (
	"time"

	"github.com/google/uuid"
)

// Status is the overall lifecycle state of a saga instance.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// StepName identifies one of the four fixed saga steps.
type StepName string

const (
	StepCreateOrder     StepName = "CREATE_ORDER"
	StepProcessPayment  StepName = "PROCESS_PAYMENT"
	StepUpdateInventory StepName = "UPDATE_INVENTORY"
	StepDeliverOrder    StepName = "DELIVER_ORDER"
)

// StepOrder is the fixed execution sequence. Steps are appended once at saga
// creation and never added or removed afterwards.
var StepOrder = []StepName{
	StepCreateOrder,
	StepProcessPayment,
	StepUpdateInventory,
	StepDeliverOrder,
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepInProgress  StepStatus = "IN_PROGRESS"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// CanTransitionTo reports whether a step may move from s to next.
// Progression is monotonic: a step never returns to PENDING or IN_PROGRESS.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	switch s {
	case StepPending:
		return next == StepInProgress || next == StepCompleted || next == StepFailed
	case StepInProgress:
		return next == StepInProgress || next == StepCompleted || next == StepFailed
	case StepFailed:
		return next == StepCompensated
	case StepCompleted, StepCompensated:
		return false
	default:
		return false
	}
}

// CompensationStatus tracks the reverse operation of a failed step.
type CompensationStatus string

const (
	CompensationPending    CompensationStatus = "PENDING"
	CompensationInProgress CompensationStatus = "IN_PROGRESS"
	CompensationCompleted  CompensationStatus = "COMPLETED"
	CompensationFailed     CompensationStatus = "FAILED"
)

// Step is one entry in the instance's fixed step sequence.
type Step struct {
	Name               StepName           `json:"stepName"`
	Status             StepStatus         `json:"status"`
	Timestamp          *time.Time         `json:"timestamp,omitempty"`
	Error              string             `json:"error,omitempty"`
	CompensationStatus CompensationStatus `json:"compensationStatus,omitempty"`
}

// Instance is one saga execution.
//
// OrderID stays empty until the CREATE_ORDER step commits. Version backs the
// store's optimistic concurrency: concurrent writers to different steps of
// the same saga retry instead of clobbering each other.
type Instance struct {
	SagaID         string
	IdempotencyKey string
	OrderID        string
	CustomerID     string
	ProductID      string
	Quantity       int
	TotalPrice     float64
	Status         Status
	Steps          []Step
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewInstance builds a STARTED instance with all four steps PENDING, in the
// fixed order.
func NewInstance(idempotencyKey, customerID, productID string, quantity int, totalPrice float64) *Instance {
	steps := make([]Step, 0, len(StepOrder))
	for _, name := range StepOrder {
		steps = append(steps, Step{Name: name, Status: StepPending})
	}

	now := time.Now().UTC()
	return &Instance{
		SagaID:         uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		CustomerID:     customerID,
		ProductID:      productID,
		Quantity:       quantity,
		TotalPrice:     totalPrice,
		Status:         StatusStarted,
		Steps:          steps,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// StepByName returns a pointer into Steps for the named step, or nil.
func (in *Instance) StepByName(name StepName) *Step {
	for i := range in.Steps {
		if in.Steps[i].Name == name {
			return &in.Steps[i]
		}
	}
	return nil
}
