/*
Package account is the only writer of provider account status.

PURPOSE:
  Manager turns an active penalty into account consequences: suspension with
  a cascade over the provider's open bookings, a warning status, a history
  entry and a reliability recomputation. It also lifts suspensions once no
  suspending penalty remains.

SUSPENSION INVARIANT:
  A non-banned account is suspended exactly when one of its active penalties
  has a suspension window that has not ended. ApplyEffects establishes it on
  the way in; LiftIfClear re-establishes it on the way out.

ORDERING:
  The account is marked suspended before the cascade runs. Booking creation
  checks the account after inserting, so a booking created during the cascade
  either sees the suspension and withdraws itself, or is found by the
  cascade. RepairCascades in the sweeper re-runs the cascade for every
  suspended account.

RELIABILITY:
  score = min(current, max(1.0, 5.0 - min(0.3 * activePenalties, 2.0)))
  The score only ever decreases through this path.

SEE ALSO:
  - booking/machine.go: CancelBySystem is the cascade edge
  - penalty/service.go: Calls ApplyEffects after persisting a penalty
  - appeal/workflow.go: Calls LiftIfClear after cancelling a penalty
*/
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/booking"
	"github.com/cortate/trust-engine/domain"
)

var (
	reliabilityStep = decimal.RequireFromString("0.3")
	reliabilityCap  = decimal.NewFromInt(2)
)

// Reliability applies the reliability formula for activeCount active
// penalties to the current score.
func Reliability(current decimal.Decimal, activeCount int) decimal.Decimal {
	penalty := decimal.Min(reliabilityStep.Mul(decimal.NewFromInt(int64(activeCount))), reliabilityCap)
	target := decimal.Max(domain.MinReliability, domain.MaxReliability.Sub(penalty))
	if current.IsZero() || current.GreaterThan(domain.MaxReliability) {
		current = domain.MaxReliability
	}
	return decimal.Min(current, target)
}

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	accounts  domain.AccountStore
	penalties domain.PenaltyStore
	bookings  domain.BookingStore
	machine   *booking.Machine
	events    domain.EventSink
	clock     domain.Clock
	attempts  int
}

func NewManager(stores domain.Stores, machine *booking.Machine, events domain.EventSink, clock domain.Clock) *Manager {
	if events == nil {
		events = domain.NopSink{}
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Manager{
		accounts:  stores,
		penalties: stores,
		bookings:  stores,
		machine:   machine,
		events:    events,
		clock:     clock,
		attempts:  domain.DefaultAttempts,
	}
}

func (m *Manager) Get(ctx context.Context, providerID string) (*domain.ProviderAccount, error) {
	return m.accounts.GetAccount(ctx, providerID)
}

// Register creates a provider account in good standing.
func (m *Manager) Register(ctx context.Context, providerID, ownerID, businessName string) (*domain.ProviderAccount, error) {
	if providerID == "" || ownerID == "" {
		return nil, domain.Invalid("provider_id", "provider and owner are required")
	}
	a := &domain.ProviderAccount{
		ProviderID:       providerID,
		OwnerID:          ownerID,
		BusinessName:     businessName,
		Status:           domain.AccountActive,
		ReliabilityScore: domain.MaxReliability,
	}
	if err := m.accounts.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("register provider %s: %w", providerID, err)
	}
	return a, nil
}

// =============================================================================
// APPLY EFFECTS
// =============================================================================

// ApplyEffects applies the consequences of an active penalty. Safe to call
// again for the same penalty: the history entry is written once and the
// status updates converge.
func (m *Manager) ApplyEffects(ctx context.Context, p *domain.Penalty) error {
	if p.Status != domain.PenaltyActive {
		return fmt.Errorf("penalty %s is %s: %w", p.ID, p.Status, domain.ErrInvalidTransition)
	}
	now := m.clock.Now()

	suspending := p.Suspension.ActiveAt(now)
	if suspending {
		if err := m.suspend(ctx, p, now); err != nil {
			return err
		}
	} else if p.Suspension.Days == 0 {
		if err := m.warn(ctx, p.ProviderID); err != nil {
			return err
		}
	}

	if err := m.appendHistory(ctx, p); err != nil {
		return err
	}
	if err := m.recomputeReliability(ctx, p.ProviderID); err != nil {
		return err
	}

	if suspending {
		if err := m.Cascade(ctx, p.ProviderID); err != nil {
			return fmt.Errorf("cascade after penalty %s: %w", p.ID, err)
		}
	}
	return nil
}

func (m *Manager) suspend(ctx context.Context, p *domain.Penalty, now time.Time) error {
	end := *p.Suspension.EndDate
	var changed bool
	err := domain.Retry(ctx, m.attempts, func() error {
		a, err := m.accounts.GetAccount(ctx, p.ProviderID)
		if err != nil {
			return err
		}
		if a.Status == domain.AccountBanned {
			changed = false
			return nil
		}
		until, reason := end, suspensionReason(p)
		if a.SuspendedUntil != nil && a.Status == domain.AccountSuspended && a.SuspendedUntil.After(until) {
			until, reason = *a.SuspendedUntil, a.SuspensionReason
		}
		// Written even when nothing changes: the version bump makes a
		// concurrent LiftIfClear re-read the active penalties.
		same := a.Status == domain.AccountSuspended && a.SuspendedUntil != nil && a.SuspendedUntil.Equal(until)
		_, err = m.accounts.UpdateAccountStatus(ctx, p.ProviderID, a.Version, domain.AccountSuspended, &until, reason)
		changed = err == nil && !same
		return err
	})
	if err != nil {
		return fmt.Errorf("suspend provider %s: %w", p.ProviderID, err)
	}
	if changed {
		m.emit(ctx, domain.EventAccountSuspended, now, p.ProviderID, map[string]any{
			"penaltyId": p.ID,
			"until":     end,
			"days":      p.Suspension.Days,
		})
	}
	return nil
}

func (m *Manager) warn(ctx context.Context, providerID string) error {
	return domain.Retry(ctx, m.attempts, func() error {
		a, err := m.accounts.GetAccount(ctx, providerID)
		if err != nil {
			return err
		}
		if a.Status != domain.AccountActive {
			return nil
		}
		_, err = m.accounts.UpdateAccountStatus(ctx, providerID, a.Version, domain.AccountWarning, nil, "")
		return err
	})
}

func (m *Manager) appendHistory(ctx context.Context, p *domain.Penalty) error {
	a, err := m.accounts.GetAccount(ctx, p.ProviderID)
	if err != nil {
		return err
	}
	for _, h := range a.PenaltyHistory {
		if h.PenaltyID == p.ID {
			return nil
		}
	}
	return m.accounts.AppendPenaltyHistory(ctx, p.ProviderID, domain.PenaltyHistoryEntry{
		PenaltyID: p.ID,
		Type:      p.Type,
		Severity:  p.Severity,
		AppliedAt: m.clock.Now(),
		Amount:    p.Monetary.Amount.Amount,
	})
}

func (m *Manager) recomputeReliability(ctx context.Context, providerID string) error {
	active, err := m.penalties.FindActivePenalties(ctx, providerID)
	if err != nil {
		return err
	}
	return domain.Retry(ctx, m.attempts, func() error {
		a, err := m.accounts.GetAccount(ctx, providerID)
		if err != nil {
			return err
		}
		score := Reliability(a.ReliabilityScore, len(active))
		if score.Equal(a.ReliabilityScore) {
			return nil
		}
		_, err = m.accounts.UpdateReliability(ctx, providerID, a.Version, score)
		return err
	})
}

// =============================================================================
// CASCADE
// =============================================================================

// Cascade cancels every open booking of the provider scheduled from now on.
// Bookings that reached a terminal state concurrently are fine; any other
// failure is returned after the remaining bookings have been tried.
func (m *Manager) Cascade(ctx context.Context, providerID string) error {
	open, err := m.bookings.FindBookingsByProvider(ctx, providerID,
		[]domain.BookingStatus{domain.BookingPending, domain.BookingConfirmed},
		domain.After(m.clock.Now()))
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range open {
		_, err := m.machine.CancelBySystem(ctx, b.ID, "provider suspended")
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			errs = append(errs, fmt.Errorf("booking %s: %w", b.ID, err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// LIFT
// =============================================================================

// LiftIfClear reinstates the provider when no active penalty other than
// excludingPenaltyID still suspends it. Otherwise SuspendedUntil is moved to
// the latest remaining end.
func (m *Manager) LiftIfClear(ctx context.Context, providerID, excludingPenaltyID string) error {
	now := m.clock.Now()
	var lifted bool
	err := domain.Retry(ctx, m.attempts, func() error {
		lifted = false
		// The account is read before the penalties so that a suspension
		// landing in between bumps the version and fails the write below.
		a, err := m.accounts.GetAccount(ctx, providerID)
		if err != nil {
			return err
		}
		if a.Status == domain.AccountBanned {
			return nil
		}
		active, err := m.penalties.FindActivePenalties(ctx, providerID)
		if err != nil {
			return err
		}
		latest := latestSuspending(active, excludingPenaltyID, now)
		if latest == nil {
			if a.Status != domain.AccountSuspended {
				return nil
			}
			_, err = m.accounts.UpdateAccountStatus(ctx, providerID, a.Version, domain.AccountActive, nil, "")
			lifted = err == nil
			return err
		}
		end := *latest.Suspension.EndDate
		if a.Status == domain.AccountSuspended && a.SuspendedUntil != nil && a.SuspendedUntil.Equal(end) {
			return nil
		}
		_, err = m.accounts.UpdateAccountStatus(ctx, providerID, a.Version, domain.AccountSuspended, &end, suspensionReason(latest))
		return err
	})
	if err != nil {
		return fmt.Errorf("lift provider %s: %w", providerID, err)
	}
	if lifted {
		m.emit(ctx, domain.EventAccountReinstated, now, providerID, map[string]any{
			"excludedPenaltyId": excludingPenaltyID,
		})
	}
	return nil
}

// latestSuspending returns the active penalty, other than excluding, whose
// suspension window ends last and has not ended at now.
func latestSuspending(active []*domain.Penalty, excluding string, now time.Time) *domain.Penalty {
	var latest *domain.Penalty
	for _, p := range active {
		if p.ID == excluding || !p.Suspension.ActiveAt(now) {
			continue
		}
		if latest == nil || p.Suspension.EndDate.After(*latest.Suspension.EndDate) {
			latest = p
		}
	}
	return latest
}

// =============================================================================
// HELPERS
// =============================================================================

func suspensionReason(p *domain.Penalty) string {
	if p.Reason == "" {
		return string(p.Type)
	}
	return fmt.Sprintf("%s: %s", p.Type, p.Reason)
}

func (m *Manager) emit(ctx context.Context, t domain.EventType, at time.Time, providerID string, data map[string]any) {
	_ = m.events.Emit(ctx, domain.NewEvent(t, at, domain.SystemActor.ID, providerID, data))
}
