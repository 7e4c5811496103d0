package penalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/account"
	"github.com/cortate/trust-engine/booking"
	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// SERVICE - Calculator -> persist -> account effects -> booking flag
// =============================================================================

// Service is the single path by which penalties come into existence, used by
// the HTTP layer and the sweeper alike.
type Service struct {
	stores   domain.Stores
	calc     *Calculator
	accounts *account.Manager
	machine  *booking.Machine
	events   domain.EventSink
	clock    domain.Clock
	attempts int
}

func NewService(stores domain.Stores, calc *Calculator, accounts *account.Manager, machine *booking.Machine, events domain.EventSink, clock domain.Clock) *Service {
	if events == nil {
		events = domain.NopSink{}
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Service{
		stores:   stores,
		calc:     calc,
		accounts: accounts,
		machine:  machine,
		events:   events,
		clock:    clock,
		attempts: domain.DefaultAttempts,
	}
}

func (s *Service) Calculator() *Calculator { return s.calc }

// Outcome is the result of a penalize call. Penalty is nil when the proposal
// was not warranted.
type Outcome struct {
	Proposal Proposal
	Penalty  *domain.Penalty
}

// =============================================================================
// BOOKING PENALTIES
// =============================================================================

// PenalizeBooking assesses ev against the provider of bookingID. The booking
// amount is used when ev carries none. Manual-review types are never applied
// for the system actor.
func (s *Service) PenalizeBooking(ctx context.Context, bookingID string, ev Event, actor domain.Actor) (*Outcome, error) {
	if !actor.IsSystem() && !actor.IsAdmin() {
		return nil, &domain.AuthorizationError{ActorID: actor.ID, Action: "apply penalties"}
	}
	b, err := s.stores.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.PenaltyApplied {
		return nil, fmt.Errorf("booking %s: %w", bookingID, domain.ErrDuplicatePenalty)
	}
	if err := eligible(b, ev.Type); err != nil {
		return nil, err
	}
	if ev.Amount.IsZero() && ev.Amount.Currency == "" {
		ev.Amount = b.Amount
	}

	out, err := s.assess(ctx, b.ProviderID, ev)
	if err != nil {
		return nil, err
	}
	if !out.Proposal.Warranted {
		return out, nil
	}
	if out.Proposal.RequiresReview && actor.IsSystem() {
		return out, nil
	}

	p := s.build(out.Proposal, b.ProviderID, b.ID, actor, !out.Proposal.RequiresReview)
	p, err = s.persist(ctx, p)
	if err != nil {
		return nil, err
	}
	out.Penalty = p

	if err := s.machine.MarkPenaltyApplied(ctx, b.ID, b.Status); err != nil {
		return nil, fmt.Errorf("flag booking %s: %w", b.ID, err)
	}
	return out, nil
}

// PenalizeCancellation assesses a late cancellation candidate reported by the
// booking machine.
func (s *Service) PenalizeCancellation(ctx context.Context, c *booking.LateCancellationCandidate) (*Outcome, error) {
	lead := c.LeadTime
	return s.PenalizeBooking(ctx, c.BookingID, Event{Type: domain.PenaltyLateCancellation, LeadTime: &lead}, domain.SystemActor)
}

// =============================================================================
// MANUAL PENALTIES
// =============================================================================

// ManualRequest is an admin-initiated penalty. Immediate penalties are active
// at once; the others wait for Activate.
type ManualRequest struct {
	ProviderID  string
	BookingID   string
	Event       Event
	Immediate   bool
	Reason      string
	Description string
}

func (s *Service) ApplyManual(ctx context.Context, actor domain.Actor, req ManualRequest) (*Outcome, error) {
	if !actor.IsAdmin() {
		return nil, &domain.AuthorizationError{ActorID: actor.ID, Action: "apply manual penalties"}
	}
	if strings.TrimSpace(req.ProviderID) == "" {
		return nil, domain.Invalid("provider_id", "required")
	}
	ev := req.Event
	var b *domain.Booking
	if req.BookingID != "" {
		var err error
		if b, err = s.stores.GetBooking(ctx, req.BookingID); err != nil {
			return nil, err
		}
		if b.ProviderID != req.ProviderID {
			return nil, domain.Invalid("booking_id", "booking belongs to another provider")
		}
		if ev.Amount.IsZero() && ev.Amount.Currency == "" {
			ev.Amount = b.Amount
		}
	}

	out, err := s.assess(ctx, req.ProviderID, ev)
	if err != nil {
		return nil, err
	}
	if !out.Proposal.Warranted {
		return out, nil
	}

	p := s.build(out.Proposal, req.ProviderID, req.BookingID, actor, req.Immediate)
	p.AutoApplied = false
	if req.Reason != "" {
		p.Reason = req.Reason
	}
	if req.Description != "" {
		p.Description = req.Description
	}
	if p, err = s.persist(ctx, p); err != nil {
		return nil, err
	}
	out.Penalty = p

	if b != nil && !b.PenaltyApplied && b.Status.IsTerminal() {
		if err := s.machine.MarkPenaltyApplied(ctx, b.ID, b.Status); err != nil && !domain.IsRetryable(err) {
			return nil, err
		}
	}
	return out, nil
}

// Activate turns a pending penalty active. The suspension window starts now.
func (s *Service) Activate(ctx context.Context, penaltyID string, actor domain.Actor) (*domain.Penalty, error) {
	if !actor.IsAdmin() {
		return nil, &domain.AuthorizationError{ActorID: actor.ID, Action: "activate penalties"}
	}
	var updated *domain.Penalty
	err := domain.Retry(ctx, s.attempts, func() error {
		p, err := s.stores.GetPenalty(ctx, penaltyID)
		if err != nil {
			return err
		}
		if p.Status != domain.PenaltyPending {
			return &domain.TransitionError{Entity: "penalty", ID: p.ID, From: string(p.Status), To: string(domain.PenaltyActive)}
		}
		now := s.clock.Now()
		active := domain.PenaltyActive
		susp := window(p.Suspension.Days, now)
		updated, err = s.stores.ConditionalUpdatePenalty(ctx, p.ID,
			domain.PenaltyExpectation{Status: domain.PenaltyPending},
			domain.PenaltyPatch{Status: &active, Suspension: &susp})
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.accounts.ApplyEffects(ctx, updated); err != nil {
		return updated, err
	}
	s.emit(ctx, domain.EventPenaltyActivated, actor, updated)
	return updated, nil
}

// Preview runs the calculator for a provider without persisting anything and
// estimates what applying the proposal would do to the account.
func (s *Service) Preview(ctx context.Context, providerID string, ev Event) (Assessment, error) {
	out, err := s.assess(ctx, providerID, ev)
	if err != nil {
		return Assessment{}, err
	}
	pr := out.Proposal
	now := s.clock.Now()

	a, err := s.stores.GetAccount(ctx, providerID)
	if err != nil {
		return Assessment{}, err
	}
	active, err := s.stores.FindActivePenalties(ctx, providerID)
	if err != nil {
		return Assessment{}, err
	}
	recent, err := s.stores.FindPenaltiesByProvider(ctx, providerID, now.Add(-s.calc.rules.RepeatWindow))
	if err != nil {
		return Assessment{}, err
	}
	nonCancelled := 0
	for _, p := range recent {
		if p.Status != domain.PenaltyCancelled {
			nonCancelled++
		}
	}
	monthly, err := s.monthlyRevenue(ctx, providerID, now)
	if err != nil {
		return Assessment{}, err
	}

	as := Assessment{
		Proposal: pr,
		Impact:   EstimateImpact(a, len(active), monthly, pr, now),
		Warnings: Warnings(a, nonCancelled, pr),
	}
	if pr.Warranted {
		as.Recommendations = Recommendations(pr.Type)
	}
	return as, nil
}

// monthlyRevenue sums the provider's completed bookings scheduled inside the
// revenue window.
func (s *Service) monthlyRevenue(ctx context.Context, providerID string, now time.Time) (decimal.Decimal, error) {
	done, err := s.stores.FindBookingsByProvider(ctx, providerID,
		[]domain.BookingStatus{domain.BookingCompleted},
		domain.TimeRange{From: now.Add(-RevenueWindow), To: now})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, b := range done {
		total = total.Add(b.Amount.Amount)
	}
	return total, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (*domain.Penalty, error) {
	return s.stores.GetPenalty(ctx, id)
}

// ListForProvider returns the provider's penalties matching f, newest first,
// with totals over all of them.
func (s *Service) ListForProvider(ctx context.Context, providerID string, f domain.PenaltyFilter) ([]*domain.Penalty, ProviderSummary, error) {
	if _, err := s.stores.GetAccount(ctx, providerID); err != nil {
		return nil, ProviderSummary{}, err
	}
	all, err := s.stores.ListPenalties(ctx, domain.PenaltyFilter{ProviderID: providerID})
	if err != nil {
		return nil, ProviderSummary{}, err
	}
	f.ProviderID = providerID
	var out []*domain.Penalty
	for _, p := range all {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	return out, Summarize(all), nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (s *Service) assess(ctx context.Context, providerID string, ev Event) (*Outcome, error) {
	if _, err := s.stores.GetAccount(ctx, providerID); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	horizon := s.calc.rules.Cumulative.Window
	if s.calc.rules.RepeatWindow > horizon {
		horizon = s.calc.rules.RepeatWindow
	}
	history, err := s.stores.FindPenaltiesByProvider(ctx, providerID, now.Add(-horizon))
	if err != nil {
		return nil, err
	}
	if ev.Type == domain.PenaltyRejection {
		if err := s.countRejections(ctx, providerID, &ev, now); err != nil {
			return nil, err
		}
	}
	p, err := s.calc.Calculate(ev, history, now)
	if err != nil {
		return nil, err
	}
	return &Outcome{Proposal: p}, nil
}

// countRejections derives the rejection counts from the provider's rejected
// bookings: since midnight of the current day, and over the last seven days.
// Counts carried by the event are replaced.
func (s *Service) countRejections(ctx context.Context, providerID string, ev *Event, now time.Time) error {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	today, err := s.stores.CountByStatusSince(ctx, providerID, domain.BookingRejected, midnight)
	if err != nil {
		return err
	}
	week, err := s.stores.CountByStatusSince(ctx, providerID, domain.BookingRejected, now.Add(-7*domain.Day))
	if err != nil {
		return err
	}
	ev.RejectionsToday, ev.RejectionsWeek = today, week
	return nil
}

func (s *Service) build(pr Proposal, providerID, bookingID string, actor domain.Actor, active bool) *domain.Penalty {
	now := s.clock.Now()
	p := &domain.Penalty{
		ID:               uuid.NewString(),
		ProviderID:       providerID,
		BookingID:        bookingID,
		Type:             pr.Type,
		Severity:         pr.Severity,
		Status:           domain.PenaltyPending,
		Reason:           pr.Reason,
		Description:      pr.Description,
		Monetary:         domain.MonetaryRecord{Status: domain.MonetaryNone, RefundAmount: decimal.Zero},
		Suspension:       domain.SuspensionRecord{Days: pr.Effects.SuspensionDays()},
		Appeal:           domain.AppealRecord{Status: domain.AppealNone},
		ReputationImpact: pr.Effects.Reputation,
		CumulativeScore:  pr.CumulativeScore,
		AppliedBy:        actor.ID,
		AutoApplied:      actor.IsSystem(),
		CreatedAt:        now,
	}
	if pr.Effects.Monetary != nil {
		p.Monetary.Amount = pr.Effects.Monetary.Amount
		p.Monetary.Status = domain.MonetaryPending
	}
	if active {
		p.Status = domain.PenaltyActive
		p.Suspension = window(p.Suspension.Days, now)
	}
	return p
}

// persist stores p and, when active, applies its effects. A duplicate for the
// same booking is resolved by re-applying the existing penalty's effects, so
// a call that failed half way can be retried.
func (s *Service) persist(ctx context.Context, p *domain.Penalty) (*domain.Penalty, error) {
	err := s.stores.CreatePenalty(ctx, p)
	if errors.Is(err, domain.ErrDuplicatePenalty) && p.AutoApplied {
		existing, ferr := s.existingForBooking(ctx, p.ProviderID, p.BookingID)
		if ferr != nil {
			return nil, ferr
		}
		if existing.Status == domain.PenaltyActive {
			if err := s.accounts.ApplyEffects(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create penalty: %w", err)
	}

	if p.Status == domain.PenaltyActive {
		if err := s.accounts.ApplyEffects(ctx, p); err != nil {
			return nil, err
		}
	}
	s.emit(ctx, domain.EventPenaltyApplied, domain.Actor{ID: p.AppliedBy}, p)
	return p, nil
}

func (s *Service) existingForBooking(ctx context.Context, providerID, bookingID string) (*domain.Penalty, error) {
	all, err := s.stores.FindPenaltiesByProvider(ctx, providerID, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.BookingID == bookingID && p.Status != domain.PenaltyCancelled {
			return p, nil
		}
	}
	return nil, &domain.NotFoundError{Entity: "penalty for booking", ID: bookingID}
}

// eligible checks that the booking's outcome matches the penalty type.
func eligible(b *domain.Booking, t domain.PenaltyType) error {
	ok := b.Status.IsTerminal()
	switch t {
	case domain.PenaltyNoShow:
		ok = b.Status == domain.BookingNoShow
	case domain.PenaltyLateCancellation:
		ok = b.Status == domain.BookingCancelled && b.CancelledBy == domain.CancelledByProvider
	}
	if !ok {
		return fmt.Errorf("booking %s is %s, cannot assess %s: %w", b.ID, b.Status, t, domain.ErrInvalidTransition)
	}
	return nil
}

func window(days int, start time.Time) domain.SuspensionRecord {
	if days <= 0 {
		return domain.SuspensionRecord{}
	}
	end := domain.AddDays(start, days)
	return domain.SuspensionRecord{Days: days, StartDate: &start, EndDate: &end}
}

func (s *Service) emit(ctx context.Context, t domain.EventType, actor domain.Actor, p *domain.Penalty) {
	_ = s.events.Emit(ctx, domain.NewEvent(t, s.clock.Now(), actor.ID, p.ProviderID, map[string]any{
		"penaltyId":      p.ID,
		"bookingId":      p.BookingID,
		"type":           string(p.Type),
		"severity":       string(p.Severity),
		"status":         string(p.Status),
		"suspensionDays": p.Suspension.Days,
		"amount":         p.Monetary.Amount.Amount.String(),
	}))
}
