// Package storetest holds the behavior every domain.Stores backend must
// share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortate/trust-engine/domain"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) domain.Stores

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("BookingRoundTrip", func(t *testing.T) { testBookingRoundTrip(t, newStore(t)) })
	t.Run("BookingConditionalUpdate", func(t *testing.T) { testBookingConditionalUpdate(t, newStore(t)) })
	t.Run("BookingConcurrentUpdate", func(t *testing.T) { testBookingConcurrentUpdate(t, newStore(t)) })
	t.Run("BookingQueries", func(t *testing.T) { testBookingQueries(t, newStore(t)) })
	t.Run("PenaltyRoundTrip", func(t *testing.T) { testPenaltyRoundTrip(t, newStore(t)) })
	t.Run("PenaltyOnePerBooking", func(t *testing.T) { testPenaltyOnePerBooking(t, newStore(t)) })
	t.Run("PenaltyConditionalUpdate", func(t *testing.T) { testPenaltyConditionalUpdate(t, newStore(t)) })
	t.Run("PenaltyQueries", func(t *testing.T) { testPenaltyQueries(t, newStore(t)) })
	t.Run("AccountVersioning", func(t *testing.T) { testAccountVersioning(t, newStore(t)) })
	t.Run("AccountHistoryAndStatus", func(t *testing.T) { testAccountHistoryAndStatus(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func newBooking(id string, status domain.BookingStatus, scheduled time.Time) *domain.Booking {
	return &domain.Booking{
		ID:              id,
		ClientID:        "client-1",
		ProviderID:      "prov-1",
		ServiceType:     "haircut",
		ScheduledAt:     scheduled,
		Amount:          domain.NewMoney(10000, "CLP"),
		Status:          status,
		CreatedAt:       t0,
		StatusChangedAt: t0,
	}
}

func newPenalty(id, bookingID string, status domain.PenaltyStatus, created time.Time) *domain.Penalty {
	return &domain.Penalty{
		ID:               id,
		ProviderID:       "prov-1",
		BookingID:        bookingID,
		Type:             domain.PenaltyNoShow,
		Severity:         domain.SeverityMinor,
		Status:           status,
		Reason:           "no-show",
		Monetary:         domain.MonetaryRecord{Amount: domain.NewMoney(5000, "CLP"), Status: domain.MonetaryPending, RefundAmount: decimal.Zero},
		Appeal:           domain.AppealRecord{Status: domain.AppealNone},
		ReputationImpact: decimal.RequireFromString("0.1"),
		AppliedBy:        "system",
		AutoApplied:      true,
		CreatedAt:        created,
	}
}

func newAccount(id string) *domain.ProviderAccount {
	return &domain.ProviderAccount{
		ProviderID:       id,
		OwnerID:          "owner-" + id,
		BusinessName:     "Barber " + id,
		Status:           domain.AccountActive,
		ReliabilityScore: decimal.NewFromInt(5),
	}
}

func bookingIDs(bs []*domain.Booking) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.ID)
	}
	return out
}

func penaltyIDs(ps []*domain.Penalty) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

// =============================================================================
// BOOKINGS
// =============================================================================

func testBookingRoundTrip(t *testing.T, s domain.Stores) {
	ctx := context.Background()
	b := newBooking("b1", domain.BookingPending, t0.Add(24*time.Hour))
	b.Amount = domain.Money{Amount: decimal.RequireFromString("12500.50"), Currency: "CLP"}

	require.NoError(t, s.CreateBooking(ctx, b))

	got, err := s.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "prov-1", got.ProviderID)
	assert.Equal(t, domain.BookingPending, got.Status)
	assert.True(t, got.ScheduledAt.Equal(b.ScheduledAt))
	assert.True(t, b.Amount.Amount.Equal(got.Amount.Amount))
	assert.Equal(t, "CLP", got.Amount.Currency)
	assert.Nil(t, got.CancelledAt)

	_, err = s.GetBooking(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))

	assert.ErrorIs(t, s.CreateBooking(ctx, b), domain.ErrConflict)
}

func testBookingConditionalUpdate(t *testing.T, s domain.Stores) {
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, newBooking("b1", domain.BookingPending, t0.Add(time.Hour))))

	// GIVEN: a patch that cancels the booking
	cancelled := domain.BookingCancelled
	by := domain.CancelledByProvider
	at := t0.Add(10 * time.Minute)
	reason := "sick"
	patch := domain.BookingPatch{Status: &cancelled, CancelledBy: &by, CancelledAt: &at, CancellationReason: &reason, StatusChangedAt: &at}

	// WHEN: the expected status is wrong
	_, err := s.ConditionalUpdateBooking(ctx, "b1", domain.BookingConfirmed, patch)

	// THEN: nothing changes
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	got, _ := s.GetBooking(ctx, "b1")
	assert.Equal(t, domain.BookingPending, got.Status)

	// WHEN: it matches
	updated, err := s.ConditionalUpdateBooking(ctx, "b1", domain.BookingPending, patch)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, updated.Status)
	got, err = s.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.CancelledByProvider, got.CancelledBy)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, got.CancelledAt.Equal(at))
	assert.True(t, got.StatusChangedAt.Equal(at))
	assert.Equal(t, "sick", got.CancellationReason)

	_, err = s.ConditionalUpdateBooking(ctx, "missing", domain.BookingPending, patch)
	assert.True(t, domain.IsNotFound(err))
}

func testBookingConcurrentUpdate(t *testing.T, s domain.Stores) {
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, newBooking("b1", domain.BookingPending, t0.Add(time.Hour))))

	confirmed := domain.BookingConfirmed
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConditionalUpdateBooking(ctx, "b1", domain.BookingPending, domain.BookingPatch{Status: &confirmed})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, domain.ErrConcurrentModification) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func testBookingQueries(t *testing.T, s domain.Stores) {
	ctx := context.Background()
	now := t0.Add(3 * time.Hour)

	stale := newBooking("stale", domain.BookingPending, t0.Add(time.Hour))
	future := newBooking("future", domain.BookingPending, t0.Add(48*time.Hour))
	confirmed := newBooking("confirmed", domain.BookingConfirmed, t0.Add(72*time.Hour))
	other := newBooking("other", domain.BookingPending, t0.Add(48*time.Hour))
	other.ProviderID = "prov-2"
	noShow := newBooking("noshow", domain.BookingNoShow, t0.Add(2*time.Hour))
	noShow.StatusChangedAt = t0.Add(2 * time.Hour)
	oldNoShow := newBooking("old-noshow", domain.BookingNoShow, t0.Add(-72*time.Hour))
	oldNoShow.StatusChangedAt = t0.Add(-70 * time.Hour)
	flagged := newBooking("flagged", domain.BookingNoShow, t0.Add(2*time.Hour))
	flagged.StatusChangedAt = t0.Add(2 * time.Hour)
	flagged.PenaltyApplied = true

	for _, b := range []*domain.Booking{stale, future, confirmed, other, noShow, oldNoShow, flagged} {
		require.NoError(t, s.CreateBooking(ctx, b))
	}

	open, err := s.FindBookingsByProvider(ctx, "prov-1",
		[]domain.BookingStatus{domain.BookingPending, domain.BookingConfirmed}, domain.After(now))
	require.NoError(t, err)
	assert.Equal(t, []string{"future", "confirmed"}, bookingIDs(open))

	bounded, err := s.FindBookingsByProvider(ctx, "prov-1",
		[]domain.BookingStatus{domain.BookingPending, domain.BookingConfirmed},
		domain.TimeRange{From: now, To: t0.Add(72 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"future"}, bookingIDs(bounded))

	expired, err := s.FindExpiredPending(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, bookingIDs(expired))

	unpenalized, err := s.FindUnpenalized(ctx, []domain.BookingStatus{domain.BookingNoShow}, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"noshow"}, bookingIDs(unpenalized))

	recentNoShows, err := s.CountByStatusSince(ctx, "prov-1", domain.BookingNoShow, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, recentNoShows)
	allNoShows, err := s.CountByStatusSince(ctx, "prov-1", domain.BookingNoShow, t0.Add(-96*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, allNoShows)
	otherPending, err := s.CountByStatusSince(ctx, "prov-2", domain.BookingPending, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, otherPending)
}

// =============================================================================
// PENALTIES
// =============================================================================

func testPenaltyRoundTrip(t *testing.T, s domain.Stores) {
	ctx := context.Background()
	p := newPenalty("p1", "b1", domain.PenaltyActive, t0)
	start, end := t0, domain.AddDays(t0, 7)
	p.Suspension = domain.SuspensionRecord{Days: 7, StartDate: &start, EndDate: &end}

	require.NoError(t, s.CreatePenalty(ctx, p))

	got, err := s.GetPenalty(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.BookingID)
	assert.Equal(t, domain.PenaltyActive, got.Status)
	assert.Equal(t, domain.AppealNone, got.Appeal.Status)
	assert.True(t, decimal.NewFromInt(5000).Equal(got.Monetary.Amount.Amount))
	assert.Equal(t, domain.MonetaryPending, got.Monetary.Status)
	assert.Equal(t, 7, got.Suspension.Days)
	require.NotNil(t, got.Suspension.EndDate)
	assert.True(t, got.Suspension.EndDate.Equal(end))
	assert.True(t, decimal.RequireFromString("0.1").Equal(got.ReputationImpact))
	assert.True(t, got.AutoApplied)

	_, err = s.GetPenalty(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func testPenaltyOnePerBooking(t *testing.T, s domain.Stores) {
	ctx := context.Background()

	require.NoError(t, s.CreatePenalty(ctx, newPenalty("p1", "b1", domain.PenaltyActive, t0)))

	// a second live penalty for the same booking is refused
	err := s.CreatePenalty(ctx, newPenalty("p2", "b1", domain.PenaltyPending, t0))
	assert.ErrorIs(t, err, domain.ErrDuplicatePenalty)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// penalties without a booking are unconstrained
	require.NoError(t, s.CreatePenalty(ctx, newPenalty("p3", "", domain.PenaltyActive, t0)))
	require.NoError(t, s.CreatePenalty(ctx, newPenalty("p4", "", domain.PenaltyActive, t0)))

	// cancelling frees the booking
	cancelled := domain.PenaltyCancelled
	_, err = s.ConditionalUpdatePenalty(ctx, "p1", domain.PenaltyExpectation{Status: domain.PenaltyActive},
		domain.PenaltyPatch{Status: &cancelled})
	require.NoError(t, err)
	require.NoError(t, s.CreatePenalty(ctx, newPenalty("p5", "b1", domain.PenaltyActive, t0)))
}

func testPenaltyConditionalUpdate(t *testing.T, s domain.Stores) {
	ctx := context.Background()
	require.NoError(t, s.CreatePenalty(ctx, newPenalty("p1", "b1", domain.PenaltyActive, t0)))

	submitted := t0.Add(time.Hour)
	appeal := domain.AppealRecord{
		Status:      domain.AppealPending,
		Reason:      "medical_emergency",
		Statement:   "hospital",
		Evidence:    []string{"https://example.com/note.pdf"},
		SubmittedAt: &submitted,
		SubmittedBy: "owner-1",
	}

	// WHEN: the appeal expectation does not hold
	_, err := s.ConditionalUpdatePenalty(ctx, "p1",
		domain.PenaltyExpectation{Status: domain.PenaltyActive, AppealStatus: domain.AppealStatusPtr(domain.AppealPending)},
		domain.PenaltyPatch{Appeal: &appeal})

	// THEN
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	// WHEN: it holds
	updated, err := s.ConditionalUpdatePenalty(ctx, "p1",
		domain.PenaltyExpectation{Status: domain.PenaltyActive, AppealStatus: domain.AppealStatusPtr(domain.AppealNone)},
		domain.PenaltyPatch{Appeal: &appeal})

	// THEN
	require.NoError(t, err)
	assert.Equal(t, domain.AppealPending, updated.Appeal.Status)

	got, err := s.GetPenalty(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppealPending, got.Appeal.Status)
	assert.Equal(t, "hospital", got.Appeal.Statement)
	assert.Equal(t, []string{"https://example.com/note.pdf"}, got.Appeal.Evidence)
	require.NotNil(t, got.Appeal.SubmittedAt)
	assert.True(t, got.Appeal.SubmittedAt.Equal(submitted))

	// a refund stamp survives the round trip
	refundedAt := t0.Add(2 * time.Hour)
	mon := got.Monetary
	mon.RefundAmount = decimal.NewFromInt(2000)
	mon.RefundProcessed = true
	mon.RefundedAt = &refundedAt
	_, err = s.ConditionalUpdatePenalty(ctx, "p1", domain.PenaltyExpectation{Status: domain.PenaltyActive},
		domain.PenaltyPatch{Monetary: &mon})
	require.NoError(t, err)

	got, err = s.GetPenalty(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2000).Equal(got.Monetary.RefundAmount))
	assert.True(t, got.Monetary.RefundProcessed)
}

func testPenaltyQueries(t *testing.T, s domain.Stores) {
	ctx := context.Background()
	now := domain.AddDays(t0, 10)

	ended := newPenalty("ended", "", domain.PenaltyActive, t0)
	endedStart, endedEnd := t0, domain.AddDays(t0, 3)
	ended.Suspension = domain.SuspensionRecord{Days: 3, StartDate: &endedStart, EndDate: &endedEnd}

	running := newPenalty("running", "", domain.PenaltyActive, domain.AddDays(t0, 8))
	runStart, runEnd := domain.AddDays(t0, 8), domain.AddDays(t0, 15)
	running.Suspension = domain.SuspensionRecord{Days: 7, StartDate: &runStart, EndDate: &runEnd}

	cancelled := newPenalty("cancelled", "", domain.PenaltyCancelled, domain.AddDays(t0, 1))
	cancelled.Type = domain.PenaltyRejection

	appealed := newPenalty("appealed", "", domain.PenaltyActive, domain.AddDays(t0, 2))
	submitted := domain.AddDays(t0, 3)
	appealed.Appeal = domain.AppealRecord{Status: domain.AppealPending, SubmittedAt: &submitted}

	earlier := newPenalty("earlier-appeal", "", domain.PenaltyActive, domain.AddDays(t0, 5))
	earlierSubmitted := domain.AddDays(t0, 2)
	earlier.Appeal = domain.AppealRecord{Status: domain.AppealPending, SubmittedAt: &earlierSubmitted}

	otherProvider := newPenalty("other", "", domain.PenaltyActive, t0)
	otherProvider.ProviderID = "prov-2"

	for _, p := range []*domain.Penalty{ended, running, cancelled, appealed, earlier, otherProvider} {
		require.NoError(t, s.CreatePenalty(ctx, p))
	}

	active, err := s.FindActivePenalties(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"running", "earlier-appeal", "appealed", "ended"}, penaltyIDs(active))

	since := domain.AddDays(t0, 1)
	recent, err := s.FindPenaltiesByProvider(ctx, "prov-1", since)
	require.NoError(t, err)
	assert.Equal(t, []string{"running", "earlier-appeal", "appealed", "cancelled"}, penaltyIDs(recent))

	expired, err := s.FindExpiredSuspensions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"ended"}, penaltyIDs(expired))

	pending, err := s.FindPendingAppeals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"earlier-appeal", "appealed"}, penaltyIDs(pending))

	rejections, err := s.ListPenalties(ctx, domain.PenaltyFilter{Type: domain.PenaltyRejection})
	require.NoError(t, err)
	assert.Equal(t, []string{"cancelled"}, penaltyIDs(rejections))

	all, err := s.ListPenalties(ctx, domain.PenaltyFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func testAccountVersioning(t *testing.T, s domain.Stores) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("prov-1")))
	assert.ErrorIs(t, s.CreateAccount(ctx, newAccount("prov-1")), domain.ErrConflict)

	a, err := s.GetAccount(ctx, "prov-1")
	require.NoError(t, err)
	v := a.Version

	// WHEN: suspended at the current version
	until := domain.AddDays(t0, 7)
	updated, err := s.UpdateAccountStatus(ctx, "prov-1", v, domain.AccountSuspended, &until, "no_show")

	// THEN: the version moves on
	require.NoError(t, err)
	assert.Equal(t, domain.AccountSuspended, updated.Status)
	require.NotNil(t, updated.SuspendedUntil)
	assert.True(t, updated.SuspendedUntil.Equal(until))
	assert.Equal(t, "no_show", updated.SuspensionReason)
	assert.Greater(t, updated.Version, v)

	// WHEN: a stale writer tries
	_, err = s.UpdateReliability(ctx, "prov-1", v, decimal.RequireFromString("4.7"))

	// THEN
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	updated, err = s.UpdateReliability(ctx, "prov-1", updated.Version, decimal.RequireFromString("4.7"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("4.7").Equal(updated.ReliabilityScore))
	assert.Equal(t, domain.AccountSuspended, updated.Status)

	// lifting clears the window
	updated, err = s.UpdateAccountStatus(ctx, "prov-1", updated.Version, domain.AccountActive, nil, "")
	require.NoError(t, err)
	assert.Nil(t, updated.SuspendedUntil)
	assert.Empty(t, updated.SuspensionReason)

	_, err = s.UpdateAccountStatus(ctx, "missing", 0, domain.AccountActive, nil, "")
	assert.True(t, domain.IsNotFound(err))
	_, err = s.GetAccount(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func testAccountHistoryAndStatus(t *testing.T, s domain.Stores) {
	ctx := context.Background()
	for _, id := range []string{"prov-1", "prov-2", "prov-3"} {
		require.NoError(t, s.CreateAccount(ctx, newAccount(id)))
	}

	for i, pid := range []string{"p1", "p2"} {
		require.NoError(t, s.AppendPenaltyHistory(ctx, "prov-1", domain.PenaltyHistoryEntry{
			PenaltyID: pid,
			Type:      domain.PenaltyNoShow,
			Severity:  domain.SeverityMinor,
			AppliedAt: t0.Add(time.Duration(i) * time.Hour),
			Amount:    decimal.NewFromInt(5000),
		}))
	}
	assert.True(t, domain.IsNotFound(s.AppendPenaltyHistory(ctx, "missing", domain.PenaltyHistoryEntry{PenaltyID: "x"})))

	a, err := s.GetAccount(ctx, "prov-1")
	require.NoError(t, err)
	require.Len(t, a.PenaltyHistory, 2)
	assert.Equal(t, "p1", a.PenaltyHistory[0].PenaltyID)
	assert.Equal(t, "p2", a.PenaltyHistory[1].PenaltyID)
	assert.True(t, decimal.NewFromInt(5000).Equal(a.PenaltyHistory[0].Amount))

	for _, id := range []string{"prov-3", "prov-1"} {
		acc, err := s.GetAccount(ctx, id)
		require.NoError(t, err)
		until := domain.AddDays(t0, 3)
		_, err = s.UpdateAccountStatus(ctx, id, acc.Version, domain.AccountSuspended, &until, "test")
		require.NoError(t, err)
	}

	suspended, err := s.FindAccountsByStatus(ctx, domain.AccountSuspended)
	require.NoError(t, err)
	require.Len(t, suspended, 2)
	assert.Equal(t, "prov-1", suspended[0].ProviderID)
	assert.Equal(t, "prov-3", suspended[1].ProviderID)
	assert.Len(t, suspended[0].PenaltyHistory, 2)
}
