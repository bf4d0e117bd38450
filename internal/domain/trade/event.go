package trade

import (
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tradesync/lib/ring"
)

// EventStatus is the outcome of one sync unit of work.
type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventApplied EventStatus = "applied"
	EventSkipped EventStatus = "skipped"
	EventFailed  EventStatus = "failed"
)

// SyncEvent tracks a single DatabaseSync or reconciliation unit of work.
type SyncEvent struct {
	ID        string
	Type      string
	TradeID   string
	Payload   any
	Timestamp time.Time
	Status    EventStatus
	Detail    string
}

// NewSyncEvent returns a pending event stamped with now.
func NewSyncEvent(eventType string, payload any, now time.Time) SyncEvent {
	return SyncEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: now.UTC(),
		Status:    EventPending,
	}
}

// AuditTrail keeps the most recent sync events in memory.
type AuditTrail struct {
	events *ring.Buffer[SyncEvent]
}

// NewAuditTrail returns a trail holding capacity events.
func NewAuditTrail(capacity int) *AuditTrail {
	return &AuditTrail{events: ring.New[SyncEvent](capacity)}
}

// Record stores ev.
func (a *AuditTrail) Record(ev SyncEvent) {
	if a == nil {
		return
	}
	a.events.Push(ev)
}

// Events returns the recorded events, oldest first.
func (a *AuditTrail) Events() []SyncEvent {
	if a == nil {
		return nil
	}
	return a.events.Snapshot()
}
