package penalty

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/account"
	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// ASSESSMENT - Proposal plus what applying it would do to the provider
// =============================================================================

// Assessment is returned by Preview. It never reflects persisted state.
type Assessment struct {
	Proposal
	Impact          Impact
	Warnings        []string
	Recommendations []string
}

// Impact estimates the consequences of applying a proposal now.
type Impact struct {
	PreviousReliability decimal.Decimal
	NewReliability      decimal.Decimal
	PreviousStatus      domain.AccountStatus
	NewStatus           domain.AccountStatus
	SuspendedUntil      *time.Time

	// Visibility is the fraction by which search placement drops.
	Visibility decimal.Decimal
	Revenue    RevenueImpact
}

// RevenueImpact is expressed in the currency of the provider's completed
// bookings over the revenue window.
type RevenueImpact struct {
	MonthlyRevenue decimal.Decimal
	Immediate      decimal.Decimal
	Suspension     decimal.Decimal
	Visibility     decimal.Decimal
	Total          decimal.Decimal
}

// RevenueWindow is the lookback used to estimate monthly revenue.
const RevenueWindow = 30 * domain.Day

// RecentPenaltyWarning is the number of recent penalties from which a
// warning is raised.
const RecentPenaltyWarning = 3

var (
	visibilityDrop = map[domain.Severity]decimal.Decimal{
		domain.SeverityModerate: decimal.RequireFromString("0.2"),
		domain.SeveritySevere:   decimal.RequireFromString("0.5"),
	}
	bookingLoss = map[domain.Severity]decimal.Decimal{
		domain.SeverityModerate: decimal.RequireFromString("0.1"),
		domain.SeveritySevere:   decimal.RequireFromString("0.3"),
	}
	daysPerMonth = decimal.NewFromInt(30)
)

// EstimateImpact projects pr onto the account. activeCount is the number of
// active penalties before pr; monthly is the provider's revenue over the
// revenue window.
func EstimateImpact(a *domain.ProviderAccount, activeCount int, monthly decimal.Decimal, pr Proposal, now time.Time) Impact {
	im := Impact{
		PreviousReliability: a.ReliabilityScore,
		NewReliability:      a.ReliabilityScore,
		PreviousStatus:      a.Status,
		NewStatus:           a.Status,
		SuspendedUntil:      a.SuspendedUntil,
		Visibility:          decimal.Zero,
		Revenue: RevenueImpact{
			MonthlyRevenue: monthly,
			Immediate:      decimal.Zero,
			Suspension:     decimal.Zero,
			Visibility:     decimal.Zero,
			Total:          decimal.Zero,
		},
	}
	if !pr.Warranted {
		return im
	}

	im.NewReliability = account.Reliability(a.ReliabilityScore, activeCount+1)
	if v, ok := visibilityDrop[pr.Severity]; ok {
		im.Visibility = v
	}

	days := pr.Effects.SuspensionDays()
	switch {
	case a.Status == domain.AccountBanned:
	case days > 0:
		until := domain.AddDays(now, days)
		if a.Status == domain.AccountSuspended && a.SuspendedUntil != nil && a.SuspendedUntil.After(until) {
			until = *a.SuspendedUntil
		}
		im.NewStatus = domain.AccountSuspended
		im.SuspendedUntil = &until
	case a.Status == domain.AccountActive:
		im.NewStatus = domain.AccountWarning
	}

	r := &im.Revenue
	r.Immediate = pr.Effects.MonetaryAmount()
	r.Suspension = monthly.Div(daysPerMonth).Mul(decimal.NewFromInt(int64(days))).Round(0)
	if loss, ok := bookingLoss[pr.Severity]; ok {
		r.Visibility = monthly.Mul(loss).Round(0)
	}
	r.Total = r.Immediate.Add(r.Suspension).Add(r.Visibility)
	return im
}

// Warnings lists conditions an admin should weigh before applying pr.
// recent counts the provider's non-cancelled penalties in the repeat window.
func Warnings(a *domain.ProviderAccount, recent int, pr Proposal) []string {
	var out []string
	if a.Status == domain.AccountSuspended {
		out = append(out, "provider is already suspended")
	}
	if recent >= RecentPenaltyWarning {
		out = append(out, fmt.Sprintf("provider has %d recent penalties", recent))
	}
	if pr.Warranted && pr.Severity == domain.SeveritySevere {
		out = append(out, "severe penalties require admin approval")
	}
	return out
}

var recommendations = map[domain.PenaltyType][]string{
	domain.PenaltyNoShow: {
		"confirm every booking an hour before it starts",
		"set calendar reminders for upcoming bookings",
		"report problems to the client ahead of time",
		"keep availability up to date",
	},
	domain.PenaltyLateCancellation: {
		"cancel at least two hours before the service",
		"review the agenda every day",
		"leave buffer time between bookings",
		"announce schedule changes as soon as they are known",
	},
	domain.PenaltyRejection: {
		"keep the calendar current",
		"only accept bookings that can be honoured",
		"reduce availability when overbooked",
		"publish real working hours",
	},
	domain.PenaltyPoorService: {
		"ask for feedback after each service",
		"read reviews and act on them",
		"consider additional training",
		"improve communication with clients",
	},
	domain.PenaltyPolicyViolation: {
		"review the platform terms",
		"keep client communication inside the app",
		"respect the pricing policy",
		"keep profile information truthful",
	},
}

// Recommendations returns advice for a provider penalized with t.
func Recommendations(t domain.PenaltyType) []string {
	return append([]string(nil), recommendations[t]...)
}
