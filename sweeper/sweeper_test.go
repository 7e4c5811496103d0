package sweeper_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortate/trust-engine/account"
	"github.com/cortate/trust-engine/booking"
	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/domain/store"
	"github.com/cortate/trust-engine/events"
	"github.com/cortate/trust-engine/penalty"
	"github.com/cortate/trust-engine/sweeper"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

var (
	client   = domain.Actor{ID: "client-1", Role: domain.RoleClient}
	provider = domain.Actor{ID: "owner-1", Role: domain.RoleProvider, ProviderID: "prov-1"}
)

// flakyStores fails booking updates for one ID with a non-retryable error.
type flakyStores struct {
	domain.Stores
	failID string
}

func (f *flakyStores) ConditionalUpdateBooking(ctx context.Context, id string, expected domain.BookingStatus, patch domain.BookingPatch) (*domain.Booking, error) {
	if id == f.failID {
		return nil, errors.New("disk on fire")
	}
	return f.Stores.ConditionalUpdateBooking(ctx, id, expected, patch)
}

type fixture struct {
	stores   *flakyStores
	clock    *domain.ManualClock
	rec      *events.Recorder
	machine  *booking.Machine
	accounts *account.Manager
	service  *penalty.Service
	sweeper  *sweeper.Sweeper
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	stores := &flakyStores{Stores: mem}
	require.NoError(t, mem.CreateAccount(context.Background(), &domain.ProviderAccount{
		ProviderID:       "prov-1",
		OwnerID:          "owner-1",
		Status:           domain.AccountActive,
		ReliabilityScore: decimal.NewFromInt(5),
	}))
	clock := domain.NewManualClock(t0)
	rec := events.NewRecorder()
	machine := booking.NewMachine(stores, stores, rec, clock)
	accounts := account.NewManager(stores, machine, rec, clock)
	service := penalty.NewService(stores, penalty.NewCalculator(penalty.DefaultRules()), accounts, machine, rec, clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		stores:   stores,
		clock:    clock,
		rec:      rec,
		machine:  machine,
		accounts: accounts,
		service:  service,
		sweeper:  sweeper.New(stores, machine, service, accounts, rec, clock, logger),
	}
}

func (f *fixture) book(t *testing.T, in time.Duration) *domain.Booking {
	t.Helper()
	b, err := f.machine.Create(context.Background(), client, booking.NewBooking{
		ClientID:    "client-1",
		ProviderID:  "prov-1",
		ServiceType: "haircut",
		ScheduledAt: f.clock.Now().Add(in),
		Amount:      domain.NewMoney(10000, ""),
	})
	require.NoError(t, err)
	return b
}

// noShow books, confirms, lets the time pass and records a no-show.
func (f *fixture) noShow(t *testing.T) *domain.Booking {
	t.Helper()
	ctx := context.Background()
	b := f.book(t, 2*time.Hour)
	_, err := f.machine.Confirm(ctx, b.ID, provider)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Hour)
	b, err = f.machine.MarkNoShow(ctx, b.ID, provider)
	require.NoError(t, err)
	return b
}

func (f *fixture) penalties(t *testing.T) []*domain.Penalty {
	t.Helper()
	ps, err := f.stores.ListPenalties(context.Background(), domain.PenaltyFilter{ProviderID: "prov-1"})
	require.NoError(t, err)
	return ps
}

func (f *fixture) account(t *testing.T) *domain.ProviderAccount {
	t.Helper()
	a, err := f.stores.GetAccount(context.Background(), "prov-1")
	require.NoError(t, err)
	return a
}

// =============================================================================
// EXPIRE BOOKINGS
// =============================================================================

func TestExpireBookings_CancelsStalePending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: one booking left pending past its time and one still ahead
	stale := f.book(t, time.Hour)
	ahead := f.book(t, 48*time.Hour)
	f.clock.Advance(2 * time.Hour)

	// WHEN
	res := f.sweeper.ExpireBookings(ctx)

	// THEN
	require.NoError(t, res.Err())
	assert.Equal(t, 1, res.Processed)

	got, err := f.stores.GetBooking(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelledBySystem, got.Status)
	assert.Equal(t, domain.CancelledBySystem, got.CancelledBy)

	got, err = f.stores.GetBooking(ctx, ahead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingPending, got.Status)

	// no penalty for an expired booking
	assert.Empty(t, f.penalties(t))
}

func TestExpireBookings_OneFailureDoesNotStopThePass(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: two stale bookings, one of which cannot be written
	broken := f.book(t, time.Hour)
	fine := f.book(t, time.Hour)
	f.clock.Advance(2 * time.Hour)
	f.stores.failID = broken.ID

	// WHEN
	res := f.sweeper.ExpireBookings(ctx)

	// THEN: the healthy booking is expired and the failure is reported
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), broken.ID)
	assert.Equal(t, 1, res.Processed)

	got, err := f.stores.GetBooking(ctx, fine.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelledBySystem, got.Status)
}

// =============================================================================
// DETECT VIOLATIONS
// =============================================================================

func TestDetectViolations_PenalizesNoShowOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: a first no-show
	b := f.noShow(t)

	// WHEN
	res := f.sweeper.DetectViolations(ctx)

	// THEN: a minor no-show penalty at half the booking amount
	require.NoError(t, res.Err())
	assert.Equal(t, 1, res.Processed)

	ps := f.penalties(t)
	require.Len(t, ps, 1)
	p := ps[0]
	assert.Equal(t, domain.PenaltyNoShow, p.Type)
	assert.Equal(t, domain.SeverityMinor, p.Severity)
	assert.Equal(t, domain.PenaltyActive, p.Status)
	assert.True(t, p.AutoApplied)
	assert.Equal(t, b.ID, p.BookingID)
	assert.True(t, decimal.NewFromInt(5000).Equal(p.Monetary.Amount.Amount), p.Monetary.Amount.Amount.String())
	assert.Equal(t, 0, p.Suspension.Days)

	got, err := f.stores.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.PenaltyApplied)
	assert.Equal(t, domain.AccountWarning, f.account(t).Status)

	// WHEN: the pass runs again over unchanged data
	again := f.sweeper.DetectViolations(ctx)

	// THEN: nothing new
	require.NoError(t, again.Err())
	assert.Equal(t, 0, again.Processed)
	assert.Len(t, f.penalties(t), 1)
}

func TestDetectViolations_RepeatNoShowSuspendsAndCascades(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: a penalized no-show and a second one the next day
	f.noShow(t)
	f.sweeper.DetectViolations(ctx)
	f.clock.Advance(domain.Day)
	f.noShow(t)
	future := f.book(t, 72*time.Hour)

	// WHEN
	res := f.sweeper.DetectViolations(ctx)

	// THEN: moderate, seven days, sixty percent
	require.NoError(t, res.Err())
	ps := f.penalties(t)
	require.Len(t, ps, 2)
	latest := ps[0]
	assert.Equal(t, domain.SeverityModerate, latest.Severity)
	assert.Equal(t, 7, latest.Suspension.Days)
	assert.True(t, decimal.NewFromInt(6000).Equal(latest.Monetary.Amount.Amount))

	a := f.account(t)
	assert.Equal(t, domain.AccountSuspended, a.Status)
	require.NotNil(t, a.SuspendedUntil)
	assert.True(t, a.SuspendedUntil.Equal(*latest.Suspension.EndDate))

	got, err := f.stores.GetBooking(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelledBySystem, got.Status)
}

func TestDetectViolations_LateProviderCancellation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: a provider cancels 30 minutes before the appointment
	b := f.book(t, 30*time.Minute)
	_, err := f.machine.Cancel(ctx, b.ID, provider, "double booked")
	require.NoError(t, err)

	// WHEN
	res := f.sweeper.DetectViolations(ctx)

	// THEN
	require.NoError(t, res.Err())
	ps := f.penalties(t)
	require.Len(t, ps, 1)
	assert.Equal(t, domain.PenaltyLateCancellation, ps[0].Type)
	assert.Equal(t, domain.SeverityModerate, ps[0].Severity)
}

func TestDetectViolations_IgnoresClientAndEarlyCancellations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: a client cancellation and an early provider cancellation
	b1 := f.book(t, 30*time.Minute)
	_, err := f.machine.Cancel(ctx, b1.ID, client, "changed plans")
	require.NoError(t, err)
	b2 := f.book(t, 5*time.Hour)
	_, err = f.machine.Cancel(ctx, b2.ID, provider, "closed")
	require.NoError(t, err)

	// WHEN
	res := f.sweeper.DetectViolations(ctx)

	// THEN
	require.NoError(t, res.Err())
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, f.penalties(t))
}

func TestDetectViolations_OutsideLookbackIsIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: a no-show two days old
	f.noShow(t)
	f.clock.Advance(2 * domain.Day)

	// WHEN
	res := f.sweeper.DetectViolations(ctx)

	// THEN
	require.NoError(t, res.Err())
	assert.Empty(t, f.penalties(t))
}

// =============================================================================
// EXPIRE SUSPENSIONS
// =============================================================================

func TestExpireSuspensions_ExpiresAndLifts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: a suspended provider
	f.noShow(t)
	f.sweeper.DetectViolations(ctx)
	f.clock.Advance(domain.Day)
	f.noShow(t)
	f.sweeper.DetectViolations(ctx)
	require.Equal(t, domain.AccountSuspended, f.account(t).Status)

	// WHEN: the suspension ran out
	f.clock.Advance(8 * domain.Day)
	res := f.sweeper.ExpireSuspensions(ctx)

	// THEN
	require.NoError(t, res.Err())
	assert.Equal(t, 1, res.Processed)
	a := f.account(t)
	assert.Equal(t, domain.AccountActive, a.Status)
	assert.Nil(t, a.SuspendedUntil)

	expired, err := f.stores.ListPenalties(ctx, domain.PenaltyFilter{Status: domain.PenaltyExpired})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.NotNil(t, expired[0].ExpiredAt)
	assert.Len(t, f.rec.ByType(domain.EventPenaltyExpired), 1)
	assert.Len(t, f.rec.ByType(domain.EventAccountReinstated), 1)

	// WHEN: run again
	again := f.sweeper.ExpireSuspensions(ctx)

	// THEN
	assert.Equal(t, 0, again.Processed)
	assert.Len(t, f.rec.ByType(domain.EventAccountReinstated), 1)
}

func TestExpireSuspensions_KeepsOverlappingSuspension(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}

	// GIVEN: a 3-day and a 10-day suspension
	for _, days := range []int{3, 10} {
		_, err := f.service.ApplyManual(ctx, admin, penalty.ManualRequest{
			ProviderID: "prov-1",
			Immediate:  true,
			Event: penalty.Event{Type: domain.PenaltyCustom, Custom: &penalty.CustomTerms{
				Severity: domain.SeverityModerate, Days: days, Reason: "manual",
			}},
		})
		require.NoError(t, err)
	}

	// WHEN: the short one ends
	f.clock.Advance(4 * domain.Day)
	res := f.sweeper.ExpireSuspensions(ctx)

	// THEN: still suspended until the long one ends
	require.NoError(t, res.Err())
	a := f.account(t)
	assert.Equal(t, domain.AccountSuspended, a.Status)
	require.NotNil(t, a.SuspendedUntil)
	assert.True(t, a.SuspendedUntil.Equal(domain.AddDays(t0, 10)))
}

// =============================================================================
// REPAIR CASCADES
// =============================================================================

func TestRepairCascades_CancelsBookingsThatSlippedThrough(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}

	// GIVEN: a suspended provider with a booking inserted behind the machine's back
	_, err := f.service.ApplyManual(ctx, admin, penalty.ManualRequest{
		ProviderID: "prov-1",
		Immediate:  true,
		Event: penalty.Event{Type: domain.PenaltyCustom, Custom: &penalty.CustomTerms{
			Severity: domain.SeveritySevere, Days: 5, Reason: "manual",
		}},
	})
	require.NoError(t, err)
	slipped := &domain.Booking{
		ID: "slipped", ClientID: "client-1", ProviderID: "prov-1",
		ScheduledAt: t0.Add(48 * time.Hour), Amount: domain.NewMoney(1000, ""),
		Status: domain.BookingPending, CreatedAt: t0, StatusChangedAt: t0,
	}
	require.NoError(t, f.stores.CreateBooking(ctx, slipped))

	// WHEN
	res := f.sweeper.RepairCascades(ctx)

	// THEN
	require.NoError(t, res.Err())
	got, err := f.stores.GetBooking(ctx, "slipped")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelledBySystem, got.Status)
}

// =============================================================================
// RUN ONCE / LEASE
// =============================================================================

func TestRunOnce_IsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: work for every pass
	f.noShow(t)
	f.book(t, time.Hour)
	f.clock.Advance(2 * time.Hour)

	// WHEN
	first := f.sweeper.RunOnce(ctx)
	penaltiesAfterFirst := len(f.penalties(t))
	eventsAfterFirst := len(f.rec.Events())
	second := f.sweeper.RunOnce(ctx)

	// THEN
	require.NoError(t, first.Err())
	require.NoError(t, second.Err())
	assert.Equal(t, 1, penaltiesAfterFirst)
	assert.Len(t, f.penalties(t), penaltiesAfterFirst)
	assert.Len(t, f.rec.Events(), eventsAfterFirst)
	for _, r := range second.Results {
		assert.Equal(t, 0, r.Processed, r.Pass)
	}
}

func TestRun_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: another runner holds the expiry lease
	lease := sweeper.NewLocalLease(f.clock)
	f.sweeper.Lease = lease
	held, err := lease.Acquire(ctx, sweeper.PassExpireBookings, time.Minute)
	require.NoError(t, err)
	require.True(t, held)
	f.book(t, time.Hour)
	f.clock.Advance(30 * time.Second)

	// WHEN
	res := f.sweeper.ExpireBookings(ctx)

	// THEN
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, res.Examined)

	// WHEN: the foreign lease ran out
	f.clock.Advance(2 * time.Hour)
	res = f.sweeper.ExpireBookings(ctx)

	// THEN
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Processed)
}

func TestLocalLease_ReleaseFreesTheName(t *testing.T) {
	ctx := context.Background()
	lease := sweeper.NewLocalLease(domain.NewManualClock(t0))

	ok, err := lease.Acquire(ctx, "x", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = lease.Acquire(ctx, "x", time.Hour)
	assert.False(t, ok)

	require.NoError(t, lease.Release(ctx, "x"))
	ok, _ = lease.Acquire(ctx, "x", time.Hour)
	assert.True(t, ok)
}

func TestScheduler_StartStop(t *testing.T) {
	f := setup(t)
	sc := sweeper.NewScheduler(f.sweeper, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sc.BookingInterval = time.Hour
	sc.SuspensionInterval = time.Hour

	sc.Start()
	sc.Start()
	sc.Stop()
	sc.Stop()

	report := sc.RunNow(context.Background())
	assert.Len(t, report.Results, 4)
}
