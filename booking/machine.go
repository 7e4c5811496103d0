/*
Package booking implements the booking state machine.

PURPOSE:
  Every booking status change goes through Machine. It checks the
  transition graph, authorizes the actor, writes with a compare-and-set on
  the current status and emits a booking.transitioned event.

STATE GRAPH:
  pending   -> confirmed | cancelled | rejected | cancelled_by_system
  confirmed -> completed | cancelled | no_show  | cancelled_by_system
  completed, cancelled, rejected, no_show, cancelled_by_system are terminal

RACES:
  Two callers acting on the same booking both read the same status. Only one
  conditional update succeeds; the other re-reads, finds the new status and
  gets ErrInvalidTransition. Nothing is locked in process.

PENALTIES:
  The machine never computes penalties. Cancel reports a
  LateCancellationCandidate when the provider cancels a booking it had
  committed to; the caller hands it to the penalty service.

SEE ALSO:
  - domain/status.go: The transition graph
  - penalty/service.go: Consumes candidates and no-show outcomes
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// MACHINE
// =============================================================================

type Machine struct {
	bookings domain.BookingStore
	accounts domain.AccountStore
	events   domain.EventSink
	clock    domain.Clock
	attempts int
}

func NewMachine(bookings domain.BookingStore, accounts domain.AccountStore, events domain.EventSink, clock domain.Clock) *Machine {
	if events == nil {
		events = domain.NopSink{}
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Machine{
		bookings: bookings,
		accounts: accounts,
		events:   events,
		clock:    clock,
		attempts: domain.DefaultAttempts,
	}
}

// NewBooking is the input of Create.
type NewBooking struct {
	ClientID    string
	ProviderID  string
	ServiceType string
	ScheduledAt time.Time
	Amount      domain.Money
}

// LateCancellationCandidate is reported when a provider cancels a booking it
// had committed to. LeadTime is ScheduledAt minus the cancellation instant and
// is negative when the scheduled time already passed.
type LateCancellationCandidate struct {
	BookingID  string
	ProviderID string
	LeadTime   time.Duration
	At         time.Time
}

// CancelResult is the outcome of Cancel.
type CancelResult struct {
	Booking   *domain.Booking
	Candidate *LateCancellationCandidate
}

func (m *Machine) Get(ctx context.Context, id string) (*domain.Booking, error) {
	return m.bookings.GetBooking(ctx, id)
}

// =============================================================================
// CREATE
// =============================================================================

// Create inserts a pending booking for a provider that can accept bookings.
// The account is checked again after the insert: if a suspension landed in
// between, the new booking is cancelled by the system and
// ErrProviderUnavailable is returned.
func (m *Machine) Create(ctx context.Context, actor domain.Actor, in NewBooking) (*domain.Booking, error) {
	if err := validateNew(in); err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleClient && actor.ID != in.ClientID {
		return nil, &domain.AuthorizationError{ActorID: actor.ID, Action: "book for another client"}
	}
	if actor.Role == domain.RoleProvider {
		return nil, &domain.AuthorizationError{ActorID: actor.ID, Action: "create bookings"}
	}

	if err := m.ensureAvailable(ctx, in.ProviderID); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if !in.ScheduledAt.After(now) {
		return nil, domain.Invalid("scheduled_at", "must be in the future")
	}
	if in.Amount.Currency == "" {
		in.Amount.Currency = domain.DefaultCurrency
	}

	b := &domain.Booking{
		ID:              uuid.NewString(),
		ClientID:        in.ClientID,
		ProviderID:      in.ProviderID,
		ServiceType:     in.ServiceType,
		ScheduledAt:     in.ScheduledAt,
		Amount:          in.Amount,
		Status:          domain.BookingPending,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	if err := m.bookings.CreateBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	m.emit(ctx, b, "", actor, now)

	if err := m.ensureAvailable(ctx, in.ProviderID); err != nil {
		if errors.Is(err, domain.ErrProviderUnavailable) {
			if _, cerr := m.CancelBySystem(ctx, b.ID, "provider suspended"); cerr != nil && !errors.Is(cerr, domain.ErrInvalidTransition) {
				return nil, fmt.Errorf("withdraw booking %s: %w", b.ID, cerr)
			}
		}
		return nil, err
	}
	return b, nil
}

func validateNew(in NewBooking) error {
	switch {
	case strings.TrimSpace(in.ClientID) == "":
		return domain.Invalid("client_id", "required")
	case strings.TrimSpace(in.ProviderID) == "":
		return domain.Invalid("provider_id", "required")
	case in.ScheduledAt.IsZero():
		return domain.Invalid("scheduled_at", "required")
	case in.Amount.IsNegative():
		return domain.Invalid("amount", "must not be negative")
	}
	return nil
}

func (m *Machine) ensureAvailable(ctx context.Context, providerID string) error {
	acct, err := m.accounts.GetAccount(ctx, providerID)
	if err != nil {
		return err
	}
	if !acct.CanAcceptBookings() {
		return fmt.Errorf("provider %s is %s: %w", providerID, acct.Status, domain.ErrProviderUnavailable)
	}
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Confirm moves a pending booking to confirmed. Assigned provider only.
func (m *Machine) Confirm(ctx context.Context, id string, actor domain.Actor) (*domain.Booking, error) {
	return m.transition(ctx, id, actor, domain.BookingConfirmed, step{
		authorize: providerOnly("confirm"),
		patch: func(_ *domain.Booking, p *domain.BookingPatch, _ time.Time) {
			yes := true
			p.ConfirmedManually = &yes
		},
	})
}

// Cancel moves a pending or confirmed booking to cancelled on behalf of the
// client or the assigned provider.
func (m *Machine) Cancel(ctx context.Context, id string, actor domain.Actor, reason string) (*CancelResult, error) {
	var by domain.CancelledBy
	var before *domain.Booking
	b, err := m.transition(ctx, id, actor, domain.BookingCancelled, step{
		authorize: func(b *domain.Booking, a domain.Actor) error {
			switch {
			case a.Owns(b.ProviderID):
				by = domain.CancelledByProvider
			case a.Role == domain.RoleClient && a.ID == b.ClientID:
				by = domain.CancelledByClient
			default:
				return &domain.AuthorizationError{ActorID: a.ID, Action: "cancel booking " + b.ID}
			}
			return nil
		},
		patch: func(b *domain.Booking, p *domain.BookingPatch, now time.Time) {
			before = b
			p.CancelledBy = &by
			p.CancelledAt = &now
			p.CancellationReason = &reason
		},
	})
	if err != nil {
		return nil, err
	}

	res := &CancelResult{Booking: b}
	if by == domain.CancelledByProvider && lateEligible(before) {
		res.Candidate = &LateCancellationCandidate{
			BookingID:  b.ID,
			ProviderID: b.ProviderID,
			LeadTime:   b.ScheduledAt.Sub(*b.CancelledAt),
			At:         *b.CancelledAt,
		}
	}
	return res, nil
}

// lateEligible holds for a booking the provider had committed to: still
// pending, or confirmed by the provider.
func lateEligible(prev *domain.Booking) bool {
	if prev == nil {
		return false
	}
	return prev.Status == domain.BookingPending ||
		(prev.Status == domain.BookingConfirmed && prev.ConfirmedManually)
}

// Reject moves a pending booking to rejected. Assigned provider only.
func (m *Machine) Reject(ctx context.Context, id string, actor domain.Actor, reason string) (*domain.Booking, error) {
	return m.transition(ctx, id, actor, domain.BookingRejected, step{
		authorize: providerOnly("reject"),
		patch: func(_ *domain.Booking, p *domain.BookingPatch, _ time.Time) {
			p.CancellationReason = &reason
		},
	})
}

// MarkNoShow records that the provider did not deliver a confirmed booking.
func (m *Machine) MarkNoShow(ctx context.Context, id string, actor domain.Actor) (*domain.Booking, error) {
	return m.transition(ctx, id, actor, domain.BookingNoShow, step{authorize: providerAdminOrSystem("mark no-show")})
}

func (m *Machine) MarkCompleted(ctx context.Context, id string, actor domain.Actor) (*domain.Booking, error) {
	return m.transition(ctx, id, actor, domain.BookingCompleted, step{authorize: providerAdminOrSystem("mark completed")})
}

// AutoExpire cancels a pending booking whose scheduled time passed without
// confirmation.
func (m *Machine) AutoExpire(ctx context.Context, id string) (*domain.Booking, error) {
	return m.transition(ctx, id, domain.SystemActor, domain.BookingCancelledBySystem, step{
		authorize: systemOnly("expire"),
		check: func(b *domain.Booking, now time.Time) error {
			if b.Status != domain.BookingPending || !b.ScheduledAt.Before(now) {
				return &domain.TransitionError{Entity: "booking", ID: b.ID, From: string(b.Status), To: string(domain.BookingCancelledBySystem)}
			}
			return nil
		},
		patch: systemCancel("expired without confirmation"),
	})
}

// CancelBySystem cancels an open booking because its provider was suspended.
func (m *Machine) CancelBySystem(ctx context.Context, id, reason string) (*domain.Booking, error) {
	return m.transition(ctx, id, domain.SystemActor, domain.BookingCancelledBySystem, step{
		authorize: systemOnly("cancel"),
		patch:     systemCancel(reason),
	})
}

// MarkPenaltyApplied sets the idempotency flag on a terminal booking. The
// status must still be expected.
func (m *Machine) MarkPenaltyApplied(ctx context.Context, id string, expected domain.BookingStatus) error {
	yes := true
	_, err := m.bookings.ConditionalUpdateBooking(ctx, id, expected, domain.BookingPatch{PenaltyApplied: &yes})
	return err
}

// =============================================================================
// TRANSITION CORE
// =============================================================================

type step struct {
	authorize func(b *domain.Booking, a domain.Actor) error
	check     func(b *domain.Booking, now time.Time) error
	patch     func(b *domain.Booking, p *domain.BookingPatch, now time.Time)
}

func (m *Machine) transition(ctx context.Context, id string, actor domain.Actor, to domain.BookingStatus, s step) (*domain.Booking, error) {
	var updated *domain.Booking
	var from domain.BookingStatus
	var at time.Time

	err := domain.Retry(ctx, m.attempts, func() error {
		b, err := m.bookings.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if s.authorize != nil {
			if err := s.authorize(b, actor); err != nil {
				return err
			}
		}
		if !b.Status.CanTransition(to) {
			return &domain.TransitionError{Entity: "booking", ID: id, From: string(b.Status), To: string(to)}
		}
		now := m.clock.Now()
		if s.check != nil {
			if err := s.check(b, now); err != nil {
				return err
			}
		}

		status := to
		patch := domain.BookingPatch{Status: &status, StatusChangedAt: &now}
		if s.patch != nil {
			s.patch(b, &patch, now)
		}
		updated, err = m.bookings.ConditionalUpdateBooking(ctx, id, b.Status, patch)
		from, at = b.Status, now
		return err
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, updated, from, actor, at)
	return updated, nil
}

func (m *Machine) emit(ctx context.Context, b *domain.Booking, from domain.BookingStatus, actor domain.Actor, at time.Time) {
	_ = m.events.Emit(ctx, domain.NewEvent(domain.EventBookingTransitioned, at, actor.ID, b.ProviderID, map[string]any{
		"bookingId": b.ID,
		"from":      string(from),
		"to":        string(b.Status),
	}))
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func providerOnly(action string) func(*domain.Booking, domain.Actor) error {
	return func(b *domain.Booking, a domain.Actor) error {
		if !a.Owns(b.ProviderID) {
			return &domain.AuthorizationError{ActorID: a.ID, Action: action + " booking " + b.ID}
		}
		return nil
	}
}

func providerAdminOrSystem(action string) func(*domain.Booking, domain.Actor) error {
	return func(b *domain.Booking, a domain.Actor) error {
		if a.Owns(b.ProviderID) || a.IsAdmin() || a.IsSystem() {
			return nil
		}
		return &domain.AuthorizationError{ActorID: a.ID, Action: action + " booking " + b.ID}
	}
}

func systemOnly(action string) func(*domain.Booking, domain.Actor) error {
	return func(b *domain.Booking, a domain.Actor) error {
		if !a.IsSystem() {
			return &domain.AuthorizationError{ActorID: a.ID, Action: action + " booking " + b.ID}
		}
		return nil
	}
}

func systemCancel(reason string) func(*domain.Booking, *domain.BookingPatch, time.Time) {
	return func(_ *domain.Booking, p *domain.BookingPatch, now time.Time) {
		by := domain.CancelledBySystem
		p.CancelledBy = &by
		p.CancelledAt = &now
		p.CancellationReason = &reason
	}
}
