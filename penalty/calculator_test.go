package penalty_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/penalty"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func prior(t domain.PenaltyType, sev domain.Severity, age time.Duration, status domain.PenaltyStatus) *domain.Penalty {
	return &domain.Penalty{
		ID:        fmt.Sprintf("%s-%s-%d", t, sev, age),
		Type:      t,
		Severity:  sev,
		Status:    status,
		CreatedAt: now.Add(-age),
	}
}

func lead(d time.Duration) *time.Duration { return &d }

func calc() *penalty.Calculator { return penalty.NewCalculator(penalty.DefaultRules()) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_RepeatNoShow(t *testing.T) {
	// GIVEN: one prior no-show in the last 30 days
	history := []*domain.Penalty{
		prior(domain.PenaltyNoShow, domain.SeverityMinor, 10*domain.Day, domain.PenaltyActive),
	}

	// WHEN: a new no-show on a 10,000 booking is calculated
	p, err := calc().Calculate(penalty.Event{
		Type:   domain.PenaltyNoShow,
		Amount: domain.NewMoney(10000, "CLP"),
	}, history, now)

	// THEN: moderate, 7 days, 6,000
	require.NoError(t, err)
	assert.True(t, p.Warranted)
	assert.Equal(t, domain.SeverityModerate, p.Severity)
	assert.Equal(t, 7, p.Effects.SuspensionDays())
	assert.True(t, p.Effects.MonetaryAmount().Equal(decimal.NewFromInt(6000)), "got %s", p.Effects.MonetaryAmount())
	assert.True(t, p.Effects.Reputation.Equal(dec("0.3")))
}

func TestScenarioB_LateCancellationNinetyMinutes(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{
		Type:     domain.PenaltyLateCancellation,
		Amount:   domain.NewMoney(10000, "CLP"),
		LeadTime: lead(90 * time.Minute),
	}, nil, now)

	require.NoError(t, err)
	assert.True(t, p.Warranted)
	assert.Equal(t, domain.SeverityMinor, p.Severity)
	assert.True(t, p.Effects.MonetaryAmount().Equal(decimal.NewFromInt(1000)))
	assert.Nil(t, p.Effects.Suspension)
}

func TestScenarioC_CumulativeScoreEscalates(t *testing.T) {
	// GIVEN: active penalties worth 12 points (5+5+1+1), none of them rejections
	history := []*domain.Penalty{
		prior(domain.PenaltyPolicyViolation, domain.SeveritySevere, 40*domain.Day, domain.PenaltyActive),
		prior(domain.PenaltyPoorService, domain.SeveritySevere, 50*domain.Day, domain.PenaltyActive),
		prior(domain.PenaltyLateCancellation, domain.SeverityMinor, 60*domain.Day, domain.PenaltyActive),
		prior(domain.PenaltyLateCancellation, domain.SeverityMinor, 70*domain.Day, domain.PenaltyActive),
	}

	// WHEN: a minor rejection penalty is proposed
	p, err := calc().Calculate(penalty.Event{
		Type:            domain.PenaltyRejection,
		Amount:          domain.NewMoney(10000, "CLP"),
		RejectionsToday: 3,
	}, history, now)

	// THEN: escalated to moderate with at least 3 days
	require.NoError(t, err)
	assert.Equal(t, 12, p.CumulativeScore)
	assert.Equal(t, penalty.RiskHigh, p.Risk)
	assert.Equal(t, "high_risk", p.Escalation)
	assert.Equal(t, domain.SeverityModerate, p.Severity)
	assert.GreaterOrEqual(t, p.Effects.SuspensionDays(), 3)
	assert.True(t, p.Effects.Reputation.Equal(dec("0.13")))
}

func TestScenarioC_MonetaryTimesOnePointFive(t *testing.T) {
	history := []*domain.Penalty{
		prior(domain.PenaltyPolicyViolation, domain.SeveritySevere, 40*domain.Day, domain.PenaltyActive),
		prior(domain.PenaltyPolicyViolation, domain.SeveritySevere, 41*domain.Day, domain.PenaltyActive),
		prior(domain.PenaltyRejection, domain.SeverityMinor, 42*domain.Day, domain.PenaltyActive),
		prior(domain.PenaltyRejection, domain.SeverityMinor, 43*domain.Day, domain.PenaltyActive),
	}

	p, err := calc().Calculate(penalty.Event{
		Type:     domain.PenaltyLateCancellation,
		Amount:   domain.NewMoney(10000, "CLP"),
		LeadTime: lead(90 * time.Minute),
	}, history, now)

	require.NoError(t, err)
	assert.Equal(t, domain.SeverityModerate, p.Severity)
	assert.Equal(t, 3, p.Effects.SuspensionDays())
	assert.True(t, p.Effects.MonetaryAmount().Equal(decimal.NewFromInt(1500)))
}

// =============================================================================
// NO SHOW
// =============================================================================

func TestNoShow_Tiers(t *testing.T) {
	cases := []struct {
		name   string
		priors int
		sev    domain.Severity
		days   int
		amount int64
	}{
		{"first offense", 0, domain.SeverityMinor, 0, 5000},
		{"one prior", 1, domain.SeverityModerate, 7, 6000},
		{"two priors", 2, domain.SeveritySevere, 14, 8000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var history []*domain.Penalty
			for i := 0; i < tc.priors; i++ {
				// expired priors still count as repeats but add nothing to the score
				h := prior(domain.PenaltyNoShow, domain.SeverityMinor, time.Duration(i+1)*domain.Day, domain.PenaltyExpired)
				history = append(history, h)
			}
			p, err := calc().Calculate(penalty.Event{Type: domain.PenaltyNoShow, Amount: domain.NewMoney(10000, "")}, history, now)
			require.NoError(t, err)
			assert.Equal(t, tc.sev, p.Severity)
			assert.Equal(t, tc.days, p.Effects.SuspensionDays())
			assert.True(t, p.Effects.MonetaryAmount().Equal(decimal.NewFromInt(tc.amount)), "got %s", p.Effects.MonetaryAmount())
		})
	}
}

func TestNoShow_OldAndCancelledPriorsIgnored(t *testing.T) {
	history := []*domain.Penalty{
		prior(domain.PenaltyNoShow, domain.SeverityMinor, 31*domain.Day, domain.PenaltyExpired),
		prior(domain.PenaltyNoShow, domain.SeverityMinor, 2*domain.Day, domain.PenaltyCancelled),
	}

	p, err := calc().Calculate(penalty.Event{Type: domain.PenaltyNoShow, Amount: domain.NewMoney(10000, "")}, history, now)

	require.NoError(t, err)
	assert.Equal(t, 0, p.PriorCount)
	assert.Equal(t, domain.SeverityMinor, p.Severity)
}

func TestNoShow_ZeroAmountHasNoMonetaryEffect(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{Type: domain.PenaltyNoShow, Amount: domain.NewMoney(0, "")}, nil, now)

	require.NoError(t, err)
	assert.True(t, p.Warranted)
	assert.Nil(t, p.Effects.Monetary)
}

// =============================================================================
// LATE CANCELLATION
// =============================================================================

func TestLateCancellation_NotWarrantedAtTwoHours(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{
		Type: domain.PenaltyLateCancellation, Amount: domain.NewMoney(10000, ""), LeadTime: lead(2 * time.Hour),
	}, nil, now)

	require.NoError(t, err)
	assert.False(t, p.Warranted)
	assert.Nil(t, p.Effects.Monetary)
}

func TestLateCancellation_UnderOneHour(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{
		Type: domain.PenaltyLateCancellation, Amount: domain.NewMoney(10000, ""), LeadTime: lead(30 * time.Minute),
	}, nil, now)

	require.NoError(t, err)
	assert.Equal(t, domain.SeverityModerate, p.Severity)
	assert.True(t, p.Effects.MonetaryAmount().Equal(decimal.NewFromInt(3000)))
	assert.Nil(t, p.Effects.Suspension)
}

func TestLateCancellation_UnderOneHourWithTwoPriorsSuspends(t *testing.T) {
	history := []*domain.Penalty{
		prior(domain.PenaltyLateCancellation, domain.SeverityMinor, domain.Day, domain.PenaltyExpired),
		prior(domain.PenaltyLateCancellation, domain.SeverityMinor, 2*domain.Day, domain.PenaltyExpired),
	}

	p, err := calc().Calculate(penalty.Event{
		Type: domain.PenaltyLateCancellation, Amount: domain.NewMoney(10000, ""), LeadTime: lead(10 * time.Minute),
	}, history, now)

	require.NoError(t, err)
	assert.Equal(t, 3, p.Effects.SuspensionDays())
}

func TestLateCancellation_ThreePriorsEscalates(t *testing.T) {
	var history []*domain.Penalty
	for i := 1; i <= 3; i++ {
		history = append(history, prior(domain.PenaltyLateCancellation, domain.SeverityMinor, time.Duration(i)*domain.Day, domain.PenaltyExpired))
	}

	p, err := calc().Calculate(penalty.Event{
		Type: domain.PenaltyLateCancellation, Amount: domain.NewMoney(10000, ""), LeadTime: lead(90 * time.Minute),
	}, history, now)

	require.NoError(t, err)
	assert.Equal(t, domain.SeverityModerate, p.Severity)
	assert.Equal(t, 2, p.Effects.SuspensionDays())
	assert.True(t, p.Effects.MonetaryAmount().Equal(decimal.NewFromInt(1500)))
	assert.True(t, p.Effects.Reputation.Equal(dec("0.15")))
}

func TestLateCancellation_MissingLeadTimeIsValidationError(t *testing.T) {
	_, err := calc().Calculate(penalty.Event{Type: domain.PenaltyLateCancellation, Amount: domain.NewMoney(10000, "")}, nil, now)

	assert.ErrorIs(t, err, domain.ErrValidation)
}

// =============================================================================
// REJECTION
// =============================================================================

func TestRejection_Thresholds(t *testing.T) {
	cases := []struct {
		name      string
		today     int
		week      int
		warranted bool
		sev       domain.Severity
		days      int
	}{
		{"below", 2, 10, false, "", 0},
		{"three today", 3, 3, true, domain.SeverityMinor, 0},
		{"five today", 5, 5, true, domain.SeverityModerate, 1},
		{"fifteen this week", 2, 15, true, domain.SeveritySevere, 7},
		{"five today wins over week", 5, 20, true, domain.SeverityModerate, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := calc().Calculate(penalty.Event{
				Type: domain.PenaltyRejection, Amount: domain.NewMoney(10000, ""),
				RejectionsToday: tc.today, RejectionsWeek: tc.week,
			}, nil, now)
			require.NoError(t, err)
			assert.Equal(t, tc.warranted, p.Warranted)
			if tc.warranted {
				assert.Equal(t, tc.sev, p.Severity)
				assert.Equal(t, tc.days, p.Effects.SuspensionDays())
				assert.Nil(t, p.Effects.Monetary)
			}
		})
	}
}

// =============================================================================
// POOR SERVICE AND POLICY VIOLATIONS
// =============================================================================

func TestPoorService_SustainedLowAverage(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{
		Type:    domain.PenaltyPoorService,
		Reviews: penalty.ReviewStats{Average: dec("2.7"), Total: 12},
	}, nil, now)

	require.NoError(t, err)
	assert.True(t, p.RequiresReview)
	assert.Equal(t, domain.SeveritySevere, p.Severity)
	assert.Equal(t, 7, p.Effects.SuspensionDays())
}

func TestPoorService_RecentLowRatings(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{
		Type:    domain.PenaltyPoorService,
		Reviews: penalty.ReviewStats{Average: dec("4.1"), Total: 40, Recent: []int{1, 2, 5, 2}},
	}, nil, now)

	require.NoError(t, err)
	assert.Equal(t, domain.SeverityModerate, p.Severity)
	assert.Equal(t, 3, p.Effects.SuspensionDays())
}

func TestPoorService_TooFewReviews(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{
		Type:    domain.PenaltyPoorService,
		Reviews: penalty.ReviewStats{Average: dec("1.0"), Total: 4, Recent: []int{1}},
	}, nil, now)

	require.NoError(t, err)
	assert.False(t, p.Warranted)
	assert.True(t, p.RequiresReview)
}

func TestPolicyViolation_Catalog(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{Type: domain.PenaltyPolicyViolation, ViolationKind: "fake_profile"}, nil, now)

	require.NoError(t, err)
	assert.True(t, p.RequiresReview)
	assert.Equal(t, domain.SeveritySevere, p.Severity)
	assert.Equal(t, 60, p.Effects.SuspensionDays())
	assert.True(t, p.Effects.Reputation.Equal(dec("1.0")))
}

func TestPolicyViolation_UnknownKindFallsBack(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{Type: domain.PenaltyPolicyViolation, ViolationKind: "something_new"}, nil, now)

	require.NoError(t, err)
	assert.Equal(t, domain.SeverityMinor, p.Severity)
	assert.Equal(t, 3, p.Effects.SuspensionDays())
}

func TestPolicyViolation_RepeatDoublesDaysAndCapsImpact(t *testing.T) {
	history := []*domain.Penalty{
		prior(domain.PenaltyPolicyViolation, domain.SeverityMinor, domain.Day, domain.PenaltyExpired),
		prior(domain.PenaltyPolicyViolation, domain.SeverityMinor, 2*domain.Day, domain.PenaltyExpired),
	}

	p, err := calc().Calculate(penalty.Event{Type: domain.PenaltyPolicyViolation, ViolationKind: "inappropriate_behavior"}, history, now)

	require.NoError(t, err)
	assert.Equal(t, domain.SeveritySevere, p.Severity)
	assert.Equal(t, 60, p.Effects.SuspensionDays())
	assert.True(t, p.Effects.Reputation.Equal(dec("1.0")), "got %s", p.Effects.Reputation)
}

// =============================================================================
// CUMULATIVE AND VALIDATION
// =============================================================================

func TestCumulative_MediumScoreForcesOneDay(t *testing.T) {
	history := []*domain.Penalty{
		prior(domain.PenaltyRejection, domain.SeveritySevere, 5*domain.Day, domain.PenaltyActive),
	}

	p, err := calc().Calculate(penalty.Event{
		Type: domain.PenaltyLateCancellation, Amount: domain.NewMoney(10000, ""), LeadTime: lead(90 * time.Minute),
	}, history, now)

	require.NoError(t, err)
	assert.Equal(t, "repeat_offender", p.Escalation)
	assert.Equal(t, domain.SeverityMinor, p.Severity)
	assert.Equal(t, 1, p.Effects.SuspensionDays())
	assert.True(t, p.Effects.MonetaryAmount().Equal(decimal.NewFromInt(1200)))
}

func TestCumulative_OnlyActiveWithinNinetyDays(t *testing.T) {
	history := []*domain.Penalty{
		prior(domain.PenaltyRejection, domain.SeveritySevere, 91*domain.Day, domain.PenaltyActive),
		prior(domain.PenaltyRejection, domain.SeveritySevere, 5*domain.Day, domain.PenaltyExpired),
		prior(domain.PenaltyRejection, domain.SeverityModerate, 5*domain.Day, domain.PenaltyActive),
	}

	assert.Equal(t, 3, penalty.CumulativeScore(history, now.Add(-90*domain.Day)))
}

func TestCumulative_SevereStaysSevere(t *testing.T) {
	history := []*domain.Penalty{
		prior(domain.PenaltyRejection, domain.SeveritySevere, 5*domain.Day, domain.PenaltyActive),
		prior(domain.PenaltyRejection, domain.SeveritySevere, 6*domain.Day, domain.PenaltyActive),
	}

	p, err := calc().Calculate(penalty.Event{
		Type: domain.PenaltyPolicyViolation, ViolationKind: "fake_profile",
	}, history, now)

	require.NoError(t, err)
	assert.Equal(t, domain.SeveritySevere, p.Severity)
	assert.Equal(t, 60, p.Effects.SuspensionDays())
}

func TestCalculate_NegativeAmountIsValidationError(t *testing.T) {
	_, err := calc().Calculate(penalty.Event{Type: domain.PenaltyNoShow, Amount: domain.NewMoney(-5, "")}, nil, now)

	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.True(t, domain.IsClientError(err))
}

func TestCalculate_UnknownTypeIsValidationError(t *testing.T) {
	_, err := calc().Calculate(penalty.Event{Type: "weird"}, nil, now)

	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCustom_UsesAdminTerms(t *testing.T) {
	p, err := calc().Calculate(penalty.Event{
		Type: domain.PenaltyCustom,
		Custom: &penalty.CustomTerms{
			Severity: domain.SeverityModerate, Days: 2, Amount: decimal.NewFromInt(2500), Reason: "manual",
		},
	}, nil, now)

	require.NoError(t, err)
	assert.Equal(t, domain.SeverityModerate, p.Severity)
	assert.Equal(t, 2, p.Effects.SuspensionDays())
	assert.True(t, p.Effects.MonetaryAmount().Equal(decimal.NewFromInt(2500)))
}

func TestCustom_NegativeDaysRejected(t *testing.T) {
	_, err := calc().Calculate(penalty.Event{
		Type:   domain.PenaltyCustom,
		Custom: &penalty.CustomTerms{Severity: domain.SeverityMinor, Days: -1},
	}, nil, now)

	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDefaultRulesValidate(t *testing.T) {
	require.NoError(t, penalty.DefaultRules().Validate())

	r := penalty.DefaultRules()
	r.Violations.Fallback = "missing"
	assert.ErrorIs(t, r.Validate(), domain.ErrValidation)
}
