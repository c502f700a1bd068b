// internal/events/types.go
package events

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	PositionOpened    EventType = "position.opened"
	TierExecuted      EventType = "tier.executed"
	StopLossTriggered EventType = "stop_loss.triggered"
	PositionClosed    EventType = "position.closed"
	SwapFailed        EventType = "swap.failed"
	CandidateRejected EventType = "candidate.rejected"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// NewBase stamps a BaseEvent with the current time.
func NewBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

// PositionOpenedEvent is emitted after a confirmed buy creates a position.
type PositionOpenedEvent struct {
	BaseEvent
	PositionID    string
	TokenMint     string
	EntryPriceUSD float64
	Quantity      float64
	InvestedSOL   float64
	TxSignature   string
}

// TierExecutedEvent is emitted when a ladder tier sell confirms.
type TierExecutedEvent struct {
	BaseEvent
	PositionID   string
	TokenMint    string
	TierIndex    int
	QuantitySold float64
	ProceedsSOL  float64
	Multiplier   float64
	TxSignature  string
}

// StopLossTriggeredEvent is emitted when the stop-loss liquidates the
// remaining position.
type StopLossTriggeredEvent struct {
	BaseEvent
	PositionID   string
	TokenMint    string
	QuantitySold float64
	ProceedsSOL  float64
	Multiplier   float64
	TxSignature  string
}

// PositionClosedEvent is emitted when a position reaches a terminal state.
type PositionClosedEvent struct {
	BaseEvent
	PositionID  string
	TokenMint   string
	FinalStatus string
	TotalSells  int
}

// SwapFailedEvent is emitted once per exhausted buy or sell attempt.
type SwapFailedEvent struct {
	BaseEvent
	PositionID string // empty for entry buys
	TokenMint  string
	Direction  string
	Reason     string
}

// CandidateRejectedEvent is emitted when the entry gate declines a signal.
type CandidateRejectedEvent struct {
	BaseEvent
	TokenMint string
	Reason    string
}
