package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// DOMAIN EVENTS
// =============================================================================

type EventType string

const (
	EventBookingTransitioned EventType = "booking.transitioned"
	EventPenaltyApplied      EventType = "penalty.applied"
	EventPenaltyActivated    EventType = "penalty.activated"
	EventPenaltyCancelled    EventType = "penalty.cancelled"
	EventPenaltyExpired      EventType = "penalty.expired"
	EventAppealSubmitted     EventType = "appeal.submitted"
	EventAppealProcessed     EventType = "appeal.processed"
	EventAccountSuspended    EventType = "account.suspended"
	EventAccountReinstated   EventType = "account.reinstated"
)

// Event is a structured fact. Formatting and delivery to humans happen
// downstream.
type Event struct {
	ID         string
	Type       EventType
	At         time.Time
	ActorID    string
	ProviderID string
	Data       map[string]any
}

func NewEvent(t EventType, at time.Time, actorID, providerID string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		At:         at,
		ActorID:    actorID,
		ProviderID: providerID,
		Data:       data,
	}
}

// EventSink receives events after the state change they describe has been
// committed. Emit failures never roll back that change.
type EventSink interface {
	Emit(ctx context.Context, e Event) error
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }
