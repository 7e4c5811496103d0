/*
Package sweeper runs the periodic passes that keep bookings, penalties and
accounts consistent without a human in the loop.

PURPOSE:
  Bookings left pending past their time are expired, unpunished no-shows and
  late provider cancellations are penalized, finished suspensions are lifted
  and suspended providers are checked for bookings that escaped the cascade.

PASSES:
  ExpireBookings:    pending + ScheduledAt < now  -> cancelled_by_system
  DetectViolations:  no_show / late provider cancellation, not yet penalized,
                     status changed inside the lookback -> Penalizer
  ExpireSuspensions: active penalty + EndDate < now -> expired, then lift
  RepairCascades:    suspended provider -> cascade again

FAULT TOLERANCE:
  A failing item is recorded in the pass Result and the pass moves on.
  Re-running any pass over unchanged data changes nothing: expiry and
  detection only see items that are still in their input state, and the
  booking PenaltyApplied flag is the detection guard.

LEASE:
  With several replicas, a Lease ensures one runner per pass at a time. A
  pass whose lease is held elsewhere is reported as Skipped.

SEE ALSO:
  - scheduler.go: Runs the passes on two cadences
  - lease.go: Local and Redis leases
  - penalty/service.go: PenalizeBooking
*/
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cortate/trust-engine/account"
	"github.com/cortate/trust-engine/booking"
	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/penalty"
)

// DefaultLookback bounds how far back DetectViolations looks for bookings.
const DefaultLookback = 24 * time.Hour

// Pass names, also used as lease keys.
const (
	PassExpireBookings    = "expire-bookings"
	PassDetectViolations  = "detect-violations"
	PassExpireSuspensions = "expire-suspensions"
	PassRepairCascades    = "repair-cascades"
)

// Result summarizes one pass.
type Result struct {
	Pass      string
	Examined  int
	Processed int
	Skipped   bool // lease held by another runner
	Errors    []error
}

// Err joins the item errors, nil when the pass was clean.
func (r Result) Err() error { return errors.Join(r.Errors...) }

func (r *Result) fail(id string, err error) {
	r.Errors = append(r.Errors, fmt.Errorf("%s %s: %w", r.Pass, id, err))
}

// Report is the outcome of RunOnce.
type Report struct {
	Results []Result
}

// Err joins the errors of every pass.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		errs = append(errs, res.Errors...)
	}
	return errors.Join(errs...)
}

// Get returns the result of the named pass.
func (r Report) Get(pass string) (Result, bool) {
	for _, res := range r.Results {
		if res.Pass == pass {
			return res, true
		}
	}
	return Result{}, false
}

// =============================================================================
// SWEEPER
// =============================================================================

type Sweeper struct {
	stores    domain.Stores
	machine   *booking.Machine
	penalties *penalty.Service
	accounts  *account.Manager
	events    domain.EventSink
	clock     domain.Clock
	logger    *slog.Logger

	Lookback time.Duration
	Lease    Lease
	LeaseTTL time.Duration
}

func New(stores domain.Stores, machine *booking.Machine, penalties *penalty.Service, accounts *account.Manager, events domain.EventSink, clock domain.Clock, logger *slog.Logger) *Sweeper {
	if events == nil {
		events = domain.NopSink{}
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		stores:    stores,
		machine:   machine,
		penalties: penalties,
		accounts:  accounts,
		events:    events,
		clock:     clock,
		logger:    logger,
		Lookback:  DefaultLookback,
		Lease:     NewLocalLease(clock),
		LeaseTTL:  5 * time.Minute,
	}
}

// RunOnce runs every pass in order: bookings first so that violations found
// by expiry are visible to detection, then suspensions and repair.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	return Report{Results: []Result{
		s.ExpireBookings(ctx),
		s.DetectViolations(ctx),
		s.ExpireSuspensions(ctx),
		s.RepairCascades(ctx),
	}}
}

// RunBookingPasses runs the passes on the booking cadence.
func (s *Sweeper) RunBookingPasses(ctx context.Context) Report {
	return Report{Results: []Result{s.ExpireBookings(ctx), s.DetectViolations(ctx)}}
}

// RunSuspensionPasses runs the passes on the suspension cadence.
func (s *Sweeper) RunSuspensionPasses(ctx context.Context) Report {
	return Report{Results: []Result{s.ExpireSuspensions(ctx), s.RepairCascades(ctx)}}
}

// =============================================================================
// PASSES
// =============================================================================

// ExpireBookings moves pending bookings whose time has passed to
// cancelled_by_system. No penalty is involved.
func (s *Sweeper) ExpireBookings(ctx context.Context) Result {
	return s.run(ctx, PassExpireBookings, func(res *Result) error {
		stale, err := s.stores.FindExpiredPending(ctx, s.clock.Now())
		if err != nil {
			return err
		}
		for _, b := range stale {
			res.Examined++
			if _, err := s.machine.AutoExpire(ctx, b.ID); err != nil {
				if errors.Is(err, domain.ErrInvalidTransition) {
					continue
				}
				res.fail(b.ID, err)
				continue
			}
			res.Processed++
		}
		return nil
	})
}

// DetectViolations penalizes no-shows and late provider cancellations that
// happened inside the lookback and have not been penalized yet.
func (s *Sweeper) DetectViolations(ctx context.Context) Result {
	return s.run(ctx, PassDetectViolations, func(res *Result) error {
		since := s.clock.Now().Add(-s.lookback())
		candidates, err := s.stores.FindUnpenalized(ctx,
			[]domain.BookingStatus{domain.BookingNoShow, domain.BookingCancelled}, since)
		if err != nil {
			return err
		}
		window := s.penalties.Calculator().Rules().LateCancellation.Window
		for _, b := range candidates {
			ev, ok := s.violation(b, window)
			if !ok {
				continue
			}
			res.Examined++
			out, err := s.penalties.PenalizeBooking(ctx, b.ID, ev, domain.SystemActor)
			switch {
			case errors.Is(err, domain.ErrDuplicatePenalty):
				continue
			case err != nil:
				res.fail(b.ID, err)
				continue
			}
			if out.Penalty != nil {
				res.Processed++
				s.logger.InfoContext(ctx, "penalty applied",
					"booking_id", b.ID,
					"provider_id", b.ProviderID,
					"penalty_id", out.Penalty.ID,
					"type", out.Penalty.Type,
					"severity", out.Penalty.Severity)
			}
		}
		return nil
	})
}

// violation maps a booking to the event the Penalizer assesses. Client and
// system cancellations are never penalized.
func (s *Sweeper) violation(b *domain.Booking, window time.Duration) (penalty.Event, bool) {
	switch b.Status {
	case domain.BookingNoShow:
		return penalty.Event{Type: domain.PenaltyNoShow}, true
	case domain.BookingCancelled:
		if b.CancelledBy != domain.CancelledByProvider || b.CancelledAt == nil {
			return penalty.Event{}, false
		}
		lead := b.LeadTime(*b.CancelledAt)
		if window > 0 && lead >= window {
			return penalty.Event{}, false
		}
		return penalty.Event{Type: domain.PenaltyLateCancellation, LeadTime: &lead}, true
	}
	return penalty.Event{}, false
}

// ExpireSuspensions marks active penalties whose suspension has ended as
// expired and lifts each affected provider once.
func (s *Sweeper) ExpireSuspensions(ctx context.Context) Result {
	return s.run(ctx, PassExpireSuspensions, func(res *Result) error {
		now := s.clock.Now()
		ended, err := s.stores.FindExpiredSuspensions(ctx, now)
		if err != nil {
			return err
		}
		providers := map[string]bool{}
		var order []string
		for _, p := range ended {
			res.Examined++
			expired := domain.PenaltyExpired
			updated, err := s.stores.ConditionalUpdatePenalty(ctx, p.ID,
				domain.PenaltyExpectation{Status: domain.PenaltyActive},
				domain.PenaltyPatch{Status: &expired, ExpiredAt: &now})
			if err != nil {
				if domain.IsRetryable(err) {
					// changed under us; the next run sees the new state
					continue
				}
				res.fail(p.ID, err)
				continue
			}
			res.Processed++
			_ = s.events.Emit(ctx, domain.NewEvent(domain.EventPenaltyExpired, now, domain.SystemActor.ID, updated.ProviderID,
				map[string]any{"penaltyId": updated.ID}))
			if !providers[updated.ProviderID] {
				providers[updated.ProviderID] = true
				order = append(order, updated.ProviderID)
			}
		}
		for _, id := range order {
			if err := s.accounts.LiftIfClear(ctx, id, ""); err != nil {
				res.fail(id, err)
			}
		}
		return nil
	})
}

// RepairCascades re-runs the cascade for every suspended provider. Accounts
// whose suspension is already over are handed to LiftIfClear instead.
func (s *Sweeper) RepairCascades(ctx context.Context) Result {
	return s.run(ctx, PassRepairCascades, func(res *Result) error {
		suspended, err := s.stores.FindAccountsByStatus(ctx, domain.AccountSuspended)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, a := range suspended {
			res.Examined++
			if a.SuspendedUntil != nil && !a.SuspendedUntil.After(now) {
				if err := s.accounts.LiftIfClear(ctx, a.ProviderID, ""); err != nil {
					res.fail(a.ProviderID, err)
					continue
				}
				res.Processed++
				continue
			}
			if err := s.accounts.Cascade(ctx, a.ProviderID); err != nil {
				res.fail(a.ProviderID, err)
				continue
			}
			res.Processed++
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Sweeper) lookback() time.Duration {
	if s.Lookback <= 0 {
		return DefaultLookback
	}
	return s.Lookback
}

// run wraps a pass with the lease and logging. An error from body is a
// failure of the pass query itself.
func (s *Sweeper) run(ctx context.Context, pass string, body func(*Result) error) Result {
	res := Result{Pass: pass}
	if s.Lease != nil {
		held, err := s.Lease.Acquire(ctx, pass, s.LeaseTTL)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("%s lease: %w", pass, err))
			return res
		}
		if !held {
			res.Skipped = true
			s.logger.DebugContext(ctx, "sweep pass skipped, lease held elsewhere", "pass", pass)
			return res
		}
		defer func() {
			if err := s.Lease.Release(context.WithoutCancel(ctx), pass); err != nil {
				s.logger.WarnContext(ctx, "lease release failed", "pass", pass, "error", err)
			}
		}()
	}

	started := time.Now()
	if err := body(&res); err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("%s: %w", pass, err))
	}

	attrs := []any{
		"pass", pass,
		"examined", res.Examined,
		"processed", res.Processed,
		"errors", len(res.Errors),
		"duration", time.Since(started),
	}
	switch {
	case len(res.Errors) > 0:
		s.logger.WarnContext(ctx, "sweep pass finished with errors", append(attrs, "error", res.Err())...)
	case res.Processed > 0:
		s.logger.InfoContext(ctx, "sweep pass finished", attrs...)
	default:
		s.logger.DebugContext(ctx, "sweep pass finished", attrs...)
	}
	return res
}
