package domain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category error
		client   bool
	}{
		{"appeal exists", domain.ErrAppealExists, domain.ErrInvalidTransition, true},
		{"window expired", domain.ErrAppealWindowExpired, domain.ErrTimeWindowExpired, true},
		{"duplicate penalty", domain.ErrDuplicatePenalty, domain.ErrConflict, true},
		{"concurrent modification", domain.ErrConcurrentModification, domain.ErrConflict, true},
		{"provider unavailable", domain.ErrProviderUnavailable, domain.ErrInvalidTransition, true},
		{"transition", &domain.TransitionError{Entity: "booking", ID: "b1", From: "completed", To: "cancelled"}, domain.ErrInvalidTransition, true},
		{"validation", domain.Invalid("amount", "must not be negative"), domain.ErrValidation, true},
		{"authorization", &domain.AuthorizationError{ActorID: "u1", Action: "confirm"}, domain.ErrNotAuthorized, true},
		{"not found", &domain.NotFoundError{Entity: "penalty", ID: "p1"}, domain.ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := errors.Join(errors.New("context"), tt.err)
			assert.ErrorIs(t, wrapped, tt.category)
			assert.Equal(t, tt.client, domain.IsClientError(tt.err))
		})
	}

	assert.True(t, domain.IsNotFound(&domain.NotFoundError{Entity: "booking", ID: "x"}))
	assert.Equal(t, "booking b1: cannot move from completed to cancelled",
		(&domain.TransitionError{Entity: "booking", ID: "b1", From: "completed", To: "cancelled"}).Error())
}

// =============================================================================
// RETRY
// =============================================================================

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("stops on success", func(t *testing.T) {
		calls := 0
		err := domain.Retry(ctx, 5, func() error {
			calls++
			if calls < 3 {
				return domain.ErrConcurrentModification
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		err := domain.Retry(ctx, 5, func() error {
			calls++
			return domain.ErrAppealExists
		})
		assert.ErrorIs(t, err, domain.ErrAppealExists)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up with a conflict", func(t *testing.T) {
		calls := 0
		err := domain.Retry(ctx, 3, func() error {
			calls++
			return domain.ErrConcurrentModification
		})
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, 3, calls)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := domain.Retry(cctx, 3, func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// =============================================================================
// STATE GRAPHS
// =============================================================================

func TestBookingTransitions(t *testing.T) {
	allowed := map[domain.BookingStatus][]domain.BookingStatus{
		domain.BookingPending:   {domain.BookingConfirmed, domain.BookingCancelled, domain.BookingRejected, domain.BookingCancelledBySystem},
		domain.BookingConfirmed: {domain.BookingCompleted, domain.BookingCancelled, domain.BookingNoShow, domain.BookingCancelledBySystem},
	}
	all := []domain.BookingStatus{
		domain.BookingPending, domain.BookingConfirmed, domain.BookingCompleted, domain.BookingCancelled,
		domain.BookingRejected, domain.BookingNoShow, domain.BookingCancelledBySystem,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
		_, open := allowed[from]
		assert.Equal(t, !open, from.IsTerminal(), from)
	}
}

func TestAppealTransitions(t *testing.T) {
	assert.True(t, domain.AppealNone.CanTransition(domain.AppealPending))
	assert.True(t, domain.AppealPending.CanTransition(domain.AppealApproved))
	assert.True(t, domain.AppealPending.CanTransition(domain.AppealRejected))
	assert.False(t, domain.AppealNone.CanTransition(domain.AppealApproved))
	assert.False(t, domain.AppealApproved.CanTransition(domain.AppealPending))
	assert.False(t, domain.AppealRejected.CanTransition(domain.AppealApproved))
}

func TestPenaltyExpectation(t *testing.T) {
	p := &domain.Penalty{Status: domain.PenaltyActive, Appeal: domain.AppealRecord{Status: domain.AppealPending}}

	assert.True(t, domain.PenaltyExpectation{Status: domain.PenaltyActive}.Matches(p))
	assert.True(t, domain.PenaltyExpectation{Status: domain.PenaltyActive, AppealStatus: domain.AppealStatusPtr(domain.AppealPending)}.Matches(p))
	assert.False(t, domain.PenaltyExpectation{Status: domain.PenaltyActive, AppealStatus: domain.AppealStatusPtr(domain.AppealNone)}.Matches(p))
	assert.False(t, domain.PenaltyExpectation{Status: domain.PenaltyPending}.Matches(p))
}

// =============================================================================
// VALUES
// =============================================================================

func TestSeverity(t *testing.T) {
	assert.Equal(t, domain.SeverityModerate, domain.SeverityMinor.Escalate())
	assert.Equal(t, domain.SeveritySevere, domain.SeverityModerate.Escalate())
	assert.Equal(t, domain.SeveritySevere, domain.SeveritySevere.Escalate())
	assert.Equal(t, []int{1, 3, 5}, []int{
		domain.SeverityMinor.Weight(), domain.SeverityModerate.Weight(), domain.SeveritySevere.Weight(),
	})
	assert.False(t, domain.Severity("fatal").Valid())
}

func TestMoney(t *testing.T) {
	m := domain.NewMoney(10001, "")
	assert.Equal(t, domain.DefaultCurrency, m.Currency)
	assert.True(t, m.Percent(decimal.RequireFromString("0.5")).Amount.Equal(decimal.NewFromInt(5001)))
	assert.True(t, m.Scale(decimal.RequireFromString("1.5")).Amount.Equal(decimal.NewFromInt(15002)))
}

func TestActor(t *testing.T) {
	owner := domain.Actor{ID: "u1", Role: domain.RoleProvider, ProviderID: "p1"}
	assert.True(t, owner.Owns("p1"))
	assert.False(t, owner.Owns("p2"))
	assert.False(t, domain.Actor{ID: "u2", Role: domain.RoleClient, ProviderID: "p1"}.Owns("p1"))
	assert.True(t, domain.SystemActor.IsSystem())
}

func TestSuspensionWindow(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	end := domain.AddDays(start, 7)
	s := domain.SuspensionRecord{Days: 7, StartDate: &start, EndDate: &end}

	assert.True(t, s.ActiveAt(start))
	assert.True(t, s.ActiveAt(end.Add(-time.Second)))
	assert.False(t, s.ActiveAt(end))
	assert.False(t, domain.SuspensionRecord{}.ActiveAt(start))

	r := domain.TimeRange{From: start, To: end}
	assert.True(t, r.Contains(start))
	assert.False(t, r.Contains(end))
	assert.True(t, domain.After(start).Contains(end.Add(1000*time.Hour)))
}

func TestAccountCanAcceptBookings(t *testing.T) {
	for status, want := range map[domain.AccountStatus]bool{
		domain.AccountActive:    true,
		domain.AccountWarning:   true,
		domain.AccountSuspended: false,
		domain.AccountBanned:    false,
	} {
		a := &domain.ProviderAccount{Status: status}
		assert.Equal(t, want, a.CanAcceptBookings(), status)
	}
}
