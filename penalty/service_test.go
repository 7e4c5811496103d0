package penalty_test

import (
	"context"
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
)

var (
	client   = domain.Actor{ID: "client-1", Role: domain.RoleClient}
	provider = domain.Actor{ID: "owner-1", Role: domain.RoleProvider, ProviderID: "prov-1"}
	admin    = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
)

type fixture struct {
	mem      *store.Memory
	clock    *domain.ManualClock
	rec      *events.Recorder
	machine  *booking.Machine
	accounts *account.Manager
	service  *penalty.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := domain.NewManualClock(now)
	rec := events.NewRecorder()
	machine := booking.NewMachine(mem, mem, rec, clock)
	accounts := account.NewManager(mem, machine, rec, clock)
	service := penalty.NewService(mem, penalty.NewCalculator(penalty.DefaultRules()), accounts, machine, rec, clock)

	_, err := accounts.Register(context.Background(), "prov-1", "owner-1", "Barber Uno")
	require.NoError(t, err)
	return &fixture{mem: mem, clock: clock, rec: rec, machine: machine, accounts: accounts, service: service}
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

// noShow returns a booking the provider confirmed and then missed.
func (f *fixture) noShow(t *testing.T) *domain.Booking {
	t.Helper()
	ctx := context.Background()
	b := f.book(t, time.Hour)
	_, err := f.machine.Confirm(ctx, b.ID, provider)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	b, err = f.machine.MarkNoShow(ctx, b.ID, provider)
	require.NoError(t, err)
	return b
}

func noShowEvent() penalty.Event {
	return penalty.Event{Type: domain.PenaltyNoShow}
}

// =============================================================================
// BOOKING PENALTIES
// =============================================================================

func TestPenalizeBooking_NoShow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := f.noShow(t)

	// WHEN
	out, err := f.service.PenalizeBooking(ctx, b.ID, noShowEvent(), domain.SystemActor)

	// THEN: a minor active penalty of half the booking amount
	require.NoError(t, err)
	require.NotNil(t, out.Penalty)
	p := out.Penalty
	assert.Equal(t, domain.SeverityMinor, p.Severity)
	assert.Equal(t, domain.PenaltyActive, p.Status)
	assert.True(t, p.AutoApplied)
	assert.True(t, p.Monetary.Amount.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, domain.MonetaryPending, p.Monetary.Status)

	// AND: the booking is flagged and the account warned
	got, err := f.mem.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.PenaltyApplied)

	acct, err := f.accounts.Get(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountWarning, acct.Status)
	assert.Len(t, f.rec.ByType(domain.EventPenaltyApplied), 1)

	// AND: the booking cannot be penalized twice
	_, err = f.service.PenalizeBooking(ctx, b.ID, noShowEvent(), domain.SystemActor)
	assert.ErrorIs(t, err, domain.ErrDuplicatePenalty)
}

func TestPenalizeBooking_RepeatNoShowSuspends(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: a first no-show already penalized
	_, err := f.service.PenalizeBooking(ctx, f.noShow(t).ID, noShowEvent(), domain.SystemActor)
	require.NoError(t, err)

	// AND: an open booking next week
	open := f.book(t, 3*domain.Day)

	// WHEN: a second no-show happens
	out, err := f.service.PenalizeBooking(ctx, f.noShow(t).ID, noShowEvent(), domain.SystemActor)

	// THEN: moderate, seven days, 60%
	require.NoError(t, err)
	p := out.Penalty
	assert.Equal(t, domain.SeverityModerate, p.Severity)
	assert.Equal(t, 1, out.Proposal.PriorCount)
	assert.Equal(t, 7, p.Suspension.Days)
	assert.True(t, p.Monetary.Amount.Amount.Equal(decimal.NewFromInt(6000)))

	// AND: the account is suspended and the open booking cascaded
	acct, err := f.accounts.Get(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountSuspended, acct.Status)

	got, err := f.mem.GetBooking(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelledBySystem, got.Status)
}

func TestPenalizeBooking_Refusals(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := f.noShow(t)

	// only the system and admins apply penalties
	_, err := f.service.PenalizeBooking(ctx, b.ID, noShowEvent(), provider)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	// the booking outcome must match the penalty type
	lead := time.Minute
	_, err = f.service.PenalizeBooking(ctx, b.ID, penalty.Event{Type: domain.PenaltyLateCancellation, LeadTime: &lead}, domain.SystemActor)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.service.PenalizeBooking(ctx, "missing", noShowEvent(), domain.SystemActor)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPenalizeBooking_ReviewTypesNeedAnAdmin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	b := f.book(t, time.Hour)
	_, err := f.machine.Confirm(ctx, b.ID, provider)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	_, err = f.machine.MarkCompleted(ctx, b.ID, provider)
	require.NoError(t, err)

	ev := penalty.Event{Type: domain.PenaltyPolicyViolation, ViolationKind: "fake_profile"}

	// WHEN: the system assesses a violation
	out, err := f.service.PenalizeBooking(ctx, b.ID, ev, domain.SystemActor)

	// THEN: nothing is applied
	require.NoError(t, err)
	assert.True(t, out.Proposal.RequiresReview)
	assert.Nil(t, out.Penalty)

	// WHEN: an admin assesses it
	out, err = f.service.PenalizeBooking(ctx, b.ID, ev, admin)

	// THEN: the penalty waits for activation
	require.NoError(t, err)
	require.NotNil(t, out.Penalty)
	assert.Equal(t, domain.PenaltyPending, out.Penalty.Status)
	assert.Nil(t, out.Penalty.Suspension.StartDate)

	acct, err := f.accounts.Get(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, acct.Status)
}

func TestPenalizeCancellation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: a provider cancels ninety minutes ahead
	b := f.book(t, 90*time.Minute)
	res, err := f.machine.Cancel(ctx, b.ID, provider, "double booked")
	require.NoError(t, err)
	require.NotNil(t, res.Candidate)

	// WHEN
	out, err := f.service.PenalizeCancellation(ctx, res.Candidate)

	// THEN
	require.NoError(t, err)
	require.NotNil(t, out.Penalty)
	assert.Equal(t, domain.PenaltyLateCancellation, out.Penalty.Type)
	assert.Equal(t, b.ID, out.Penalty.BookingID)
}

// =============================================================================
// MANUAL PENALTIES
// =============================================================================

func customRequest(immediate bool) penalty.ManualRequest {
	return penalty.ManualRequest{
		ProviderID: "prov-1",
		Immediate:  immediate,
		Reason:     "repeated complaints",
		Event: penalty.Event{
			Type: domain.PenaltyCustom,
			Custom: &penalty.CustomTerms{
				Severity: domain.SeverityModerate,
				Days:     3,
				Amount:   decimal.NewFromInt(15000),
				Impact:   decimal.RequireFromString("0.2"),
				Reason:   "complaints",
			},
		},
	}
}

func TestApplyManual_PendingThenActivate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.service.ApplyManual(ctx, provider, customRequest(false))
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	// GIVEN: a pending manual penalty
	out, err := f.service.ApplyManual(ctx, admin, customRequest(false))
	require.NoError(t, err)
	p := out.Penalty
	assert.Equal(t, domain.PenaltyPending, p.Status)
	assert.Equal(t, "repeated complaints", p.Reason)
	assert.False(t, p.AutoApplied)

	// WHEN: it is activated a day later
	f.clock.Advance(domain.Day)
	active, err := f.service.Activate(ctx, p.ID, admin)

	// THEN: the window starts at activation
	require.NoError(t, err)
	assert.Equal(t, domain.PenaltyActive, active.Status)
	assert.True(t, active.Suspension.StartDate.Equal(f.clock.Now()))
	assert.True(t, active.Suspension.EndDate.Equal(domain.AddDays(f.clock.Now(), 3)))

	acct, err := f.accounts.Get(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountSuspended, acct.Status)

	// activating twice is refused
	_, err = f.service.Activate(ctx, p.ID, admin)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApplyManual_Immediate(t *testing.T) {
	f := setup(t)

	out, err := f.service.ApplyManual(context.Background(), admin, customRequest(true))

	require.NoError(t, err)
	assert.Equal(t, domain.PenaltyActive, out.Penalty.Status)
	assert.True(t, out.Penalty.Suspension.ActiveAt(f.clock.Now()))
}

func TestApplyManual_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	req := customRequest(true)
	req.ProviderID = ""
	_, err := f.service.ApplyManual(ctx, admin, req)
	assert.ErrorIs(t, err, domain.ErrValidation)

	req = customRequest(true)
	req.ProviderID = "prov-404"
	_, err = f.service.ApplyManual(ctx, admin, req)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPreview_PersistsNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	lead := 30 * time.Minute
	pr, err := f.service.Preview(ctx, "prov-1", penalty.Event{
		Type:     domain.PenaltyLateCancellation,
		Amount:   domain.NewMoney(10000, ""),
		LeadTime: &lead,
	})
	require.NoError(t, err)
	assert.True(t, pr.Warranted)

	ps, _, err := f.service.ListForProvider(ctx, "prov-1", domain.PenaltyFilter{})
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestPreview_Impact(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: one completed booking of 10000 in the revenue window
	b := f.book(t, time.Hour)
	_, err := f.machine.Confirm(ctx, b.ID, provider)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	_, err = f.machine.MarkCompleted(ctx, b.ID, provider)
	require.NoError(t, err)

	// WHEN: a severe seven-day penalty is previewed
	as, err := f.service.Preview(ctx, "prov-1", penalty.Event{
		Type: domain.PenaltyCustom,
		Custom: &penalty.CustomTerms{
			Severity: domain.SeveritySevere,
			Days:     7,
			Amount:   decimal.NewFromInt(20000),
			Impact:   decimal.RequireFromString("0.5"),
			Reason:   "fraud attempt",
		},
	})
	require.NoError(t, err)

	// THEN: the account projection follows the reliability formula
	im := as.Impact
	assert.Equal(t, domain.AccountActive, im.PreviousStatus)
	assert.Equal(t, domain.AccountSuspended, im.NewStatus)
	require.NotNil(t, im.SuspendedUntil)
	assert.True(t, im.SuspendedUntil.Equal(domain.AddDays(f.clock.Now(), 7)))
	assert.True(t, im.NewReliability.Equal(decimal.RequireFromString("4.7")), im.NewReliability.String())
	assert.True(t, im.Visibility.Equal(decimal.RequireFromString("0.5")))

	// AND: revenue impact adds the fine, the suspended days and lost visibility
	r := im.Revenue
	assert.Equal(t, "10000", r.MonthlyRevenue.String())
	assert.Equal(t, "20000", r.Immediate.String())
	assert.Equal(t, "2333", r.Suspension.String())
	assert.Equal(t, "3000", r.Visibility.String())
	assert.Equal(t, "25333", r.Total.String())

	assert.Contains(t, as.Warnings, "severe penalties require admin approval")

	// AND: the account itself is untouched
	acct, err := f.accounts.Get(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountActive, acct.Status)
}

func TestPreview_WarningsAndRecommendations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: three immediate penalties, the first of which suspends
	for i := 0; i < 3; i++ {
		_, err := f.service.ApplyManual(ctx, admin, customRequest(true))
		require.NoError(t, err)
	}

	// WHEN
	as, err := f.service.Preview(ctx, "prov-1", penalty.Event{
		Type:   domain.PenaltyNoShow,
		Amount: domain.NewMoney(10000, ""),
	})

	// THEN
	require.NoError(t, err)
	assert.Contains(t, as.Warnings, "provider is already suspended")
	assert.Contains(t, as.Warnings, "provider has 3 recent penalties")
	assert.Len(t, as.Recommendations, 4)
	assert.Equal(t, domain.AccountSuspended, as.Impact.PreviousStatus)
}

// =============================================================================
// REJECTIONS
// =============================================================================

// reject creates n bookings and has the provider reject each of them.
func (f *fixture) reject(t *testing.T, n int) *domain.Booking {
	t.Helper()
	var last *domain.Booking
	for i := 0; i < n; i++ {
		b := f.book(t, 48*time.Hour)
		var err error
		last, err = f.machine.Reject(context.Background(), b.ID, provider, "busy")
		require.NoError(t, err)
	}
	return last
}

func TestRejection_CountsDerivedFromBookings(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: five rejections today
	last := f.reject(t, 5)

	// WHEN: the last one is assessed with no counts supplied
	out, err := f.service.PenalizeBooking(ctx, last.ID, penalty.Event{Type: domain.PenaltyRejection}, admin)

	// THEN: the day tier applies
	require.NoError(t, err)
	require.NotNil(t, out.Penalty)
	assert.Equal(t, domain.SeverityModerate, out.Penalty.Severity)
	assert.Equal(t, 1, out.Penalty.Suspension.Days)
}

func TestRejection_SuppliedCountsIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: no rejections at all
	// WHEN: the caller claims many
	as, err := f.service.Preview(ctx, "prov-1", penalty.Event{
		Type:            domain.PenaltyRejection,
		RejectionsToday: 10,
		RejectionsWeek:  30,
	})

	// THEN: nothing is warranted
	require.NoError(t, err)
	assert.False(t, as.Warranted)
}

func TestRejection_YesterdayCountsForWeekOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// GIVEN: three rejections yesterday
	f.reject(t, 3)
	f.clock.Advance(domain.Day)

	// WHEN
	as, err := f.service.Preview(ctx, "prov-1", penalty.Event{Type: domain.PenaltyRejection})

	// THEN: below both the day and the week thresholds
	require.NoError(t, err)
	assert.False(t, as.Warranted)

	// WHEN: three more today
	f.reject(t, 3)
	as, err = f.service.Preview(ctx, "prov-1", penalty.Event{Type: domain.PenaltyRejection})

	// THEN: the minor day tier applies
	require.NoError(t, err)
	assert.True(t, as.Warranted)
	assert.Equal(t, domain.SeverityMinor, as.Severity)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListForProviderAndStats(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.service.PenalizeBooking(ctx, f.noShow(t).ID, noShowEvent(), domain.SystemActor)
	require.NoError(t, err)
	_, err = f.service.ApplyManual(ctx, admin, customRequest(false))
	require.NoError(t, err)

	// filtered list, summary over everything
	ps, sum, err := f.service.ListForProvider(ctx, "prov-1", domain.PenaltyFilter{Status: domain.PenaltyPending})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, domain.PenaltyCustom, ps[0].Type)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Active)
	assert.True(t, sum.MonetaryTotal.Equal(decimal.NewFromInt(20000)))
	assert.Equal(t, 3, sum.SuspensionDays)

	_, _, err = f.service.ListForProvider(ctx, "prov-404", domain.PenaltyFilter{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// stats
	_, err = f.service.Stats(ctx, provider, "7d")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	st, err := f.service.Stats(ctx, admin, "fortnight")
	require.NoError(t, err)
	assert.Equal(t, "30d", st.Period)
	assert.Equal(t, 2, st.Totals.Total)
	assert.Equal(t, 1, st.Totals.Active)
	assert.Len(t, st.ByType, 2)
	require.Len(t, st.TopProviders, 1)
	assert.Equal(t, "prov-1", st.TopProviders[0].Key)
	assert.Equal(t, 2, st.TopProviders[0].Count)
	require.Len(t, st.Timeline, 1)
	assert.Equal(t, f.clock.Now().Format("2006-01-02"), st.Timeline[0].Key)
}
