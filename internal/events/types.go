// internal/events/types.go
package events

import (
	"time"

	"github.com/curvestream/curvestream/internal/domain"
)

// EventType represents the type of event.
type EventType string

const (
	// Parser events
	ParseSucceeded EventType = "parser.success"
	ParseFailed    EventType = "parser.failed"

	// Pipeline events
	TradeProcessed   EventType = "trade.processed"
	PoolStateUpdated EventType = "pool.state_updated"
	TokenGraduated   EventType = "token.graduated"

	// Stream events
	StreamConnected    EventType = "stream.connected"
	StreamDisconnected EventType = "stream.disconnected"

	// Recovery events
	RecoveryBatchCompleted EventType = "recovery.batch_completed"

	// Monitoring events
	AlertRaised   EventType = "alert.raised"
	AlertResolved EventType = "alert.resolved"
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

// Base builds the embedded part of an event stamped with the current time.
func Base(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

// ParseSucceededEvent is emitted for every transaction a strategy parsed.
type ParseSucceededEvent struct {
	BaseEvent
	Strategy  string
	Signature string
	EventKind domain.EventKind
}

// ParseFailedEvent is emitted when no strategy produced an event.
type ParseFailedEvent struct {
	BaseEvent
	Signature string
	Reason    string
}

// TradeProcessedEvent is emitted after a trade has been priced.
type TradeProcessedEvent struct {
	BaseEvent
	Trade     *domain.EnrichedTrade
	Persisted bool
}

// PoolStateUpdatedEvent is emitted when the pool cache accepts new reserves.
type PoolStateUpdatedEvent struct {
	BaseEvent
	Mint                 string
	Pool                 string
	Slot                 uint64
	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
}

// TokenGraduatedEvent is emitted when a token leaves the bonding curve.
type TokenGraduatedEvent struct {
	BaseEvent
	Mint      string
	Signature string
	Slot      uint64
}

// StreamConnectedEvent is emitted when a program stream (re)subscribes.
type StreamConnectedEvent struct {
	BaseEvent
	Program string
}

// StreamDisconnectedEvent is emitted when a program stream drops.
type StreamDisconnectedEvent struct {
	BaseEvent
	Program  string
	Reason   string
	Downtime time.Duration
}

// RecoveryBatchCompletedEvent is emitted at the end of a recovery batch.
type RecoveryBatchCompletedEvent struct {
	BaseEvent
	BatchID   string
	Checked   int
	Recovered int
	Failed    int
	Status    string
}

// AlertRaisedEvent is emitted when the performance monitor opens an alert.
type AlertRaisedEvent struct {
	BaseEvent
	AlertID  string
	Kind     string
	Severity string
	Metric   string
	Value    float64
}

// AlertResolvedEvent is emitted when an active alert clears.
type AlertResolvedEvent struct {
	BaseEvent
	AlertID string
	Kind    string
	Metric  string
}
