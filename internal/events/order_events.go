// Package events defines the domain events published by the orders module.
package events

import (
	"github.com/google/uuid"

	"medorders_backend/platform/events"
)

// OrderCreated is published after a medical order and its items are stored.
type OrderCreated struct {
	events.BaseEvent
	OrderID   uuid.UUID
	PatientID uuid.UUID
	Urgency   int
}

// EventName returns the unique event identifier.
func (OrderCreated) EventName() string { return "orders.created" }

// OrderAnalyzed is published after an authorization analysis is committed.
type OrderAnalyzed struct {
	events.BaseEvent
	OrderID      uuid.UUID
	AnalysisID   uuid.UUID
	Decision     string
	AnalysisType string
	Confidence   float64
}

// EventName returns the unique event identifier.
func (OrderAnalyzed) EventName() string { return "orders.analyzed" }

// ManualDecisionRecorded is published after an auditor authorizes an order.
type ManualDecisionRecorded struct {
	events.BaseEvent
	OrderID  uuid.UUID
	ActorID  uuid.UUID
	Decision string
}

// EventName returns the unique event identifier.
func (ManualDecisionRecorded) EventName() string { return "orders.manual_decision" }

// OrderCorrected is published after a correction reopens an order.
type OrderCorrected struct {
	events.BaseEvent
	OrderID     uuid.UUID
	ItemChanges int
	Reanalysis  bool
}

// EventName returns the unique event identifier.
func (OrderCorrected) EventName() string { return "orders.corrected" }
