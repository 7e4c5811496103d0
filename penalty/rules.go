package penalty

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// RULES - Everything the calculator decides on is data
// =============================================================================

// Rules parameterize the Calculator. DefaultRules returns the production
// values; factory.ParseRules builds Rules from JSON.
type Rules struct {
	// RepeatWindow bounds the history used for repeat-offense counts.
	RepeatWindow time.Duration

	NoShow           []Tier
	LateCancellation LateCancellationRules
	Rejection        []RejectionTier
	PoorService      PoorServiceRules
	Violations       ViolationRules
	Cumulative       CumulativeRules
}

// Tier is one severity step. A tier applies when the number of prior
// same-type penalties is at least MinPriors.
type Tier struct {
	MinPriors int
	Severity  domain.Severity
	Percent   decimal.Decimal // share of the booking amount
	Days      int
	Impact    decimal.Decimal
}

type LateCancellationRules struct {
	// Window is the lead time under which a provider cancellation counts.
	Window time.Duration

	// Bands are ordered by ascending MaxLead. The first band whose MaxLead
	// exceeds the lead time applies.
	Bands []LateBand

	Repeat RepeatEscalation
}

type LateBand struct {
	MaxLead  time.Duration
	Severity domain.Severity
	Percent  decimal.Decimal
	Impact   decimal.Decimal

	// SuspendDays applies once the provider has SuspendAfter priors.
	SuspendDays  int
	SuspendAfter int
}

// RepeatEscalation raises a proposal for providers with many priors of the
// same type.
type RepeatEscalation struct {
	MinPriors    int
	Severity     domain.Severity
	MinDays      int
	DaysFactor   int
	AmountFactor decimal.Decimal
	ImpactFactor decimal.Decimal
	ImpactCap    decimal.Decimal // zero means uncapped
}

type RejectionScope string

const (
	ScopeDay  RejectionScope = "day"
	ScopeWeek RejectionScope = "week"
)

// RejectionTier is evaluated in order; the first match applies.
type RejectionTier struct {
	Scope    RejectionScope
	MinCount int
	Severity domain.Severity
	Days     int
	Impact   decimal.Decimal
}

type PoorServiceRules struct {
	AverageBelow decimal.Decimal
	MinReviews   int
	Sustained    Tier

	LowRating     int // ratings at or below this count as low
	MinLowRatings int
	LowWindow     time.Duration
	Recent        Tier
}

type ViolationRules struct {
	Catalog  map[string]Violation
	Fallback string
	Repeat   RepeatEscalation
}

type Violation struct {
	Severity domain.Severity
	Days     int
	Impact   decimal.Decimal
	Reason   string
}

type CumulativeRules struct {
	Window time.Duration

	HighScore        int
	HighAmountFactor decimal.Decimal
	HighImpactFactor decimal.Decimal
	// EscalatedMinDays maps the severity after escalation to its floor.
	EscalatedMinDays map[domain.Severity]int

	MediumScore        int
	MediumAmountFactor decimal.Decimal
	MediumMinDays      int
}

// =============================================================================
// DEFAULTS
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func DefaultRules() Rules {
	return Rules{
		RepeatWindow: 30 * domain.Day,
		NoShow: []Tier{
			{MinPriors: 0, Severity: domain.SeverityMinor, Percent: d("0.5"), Days: 0, Impact: d("0.1")},
			{MinPriors: 1, Severity: domain.SeverityModerate, Percent: d("0.6"), Days: 7, Impact: d("0.3")},
			{MinPriors: 2, Severity: domain.SeveritySevere, Percent: d("0.8"), Days: 14, Impact: d("0.5")},
		},
		LateCancellation: LateCancellationRules{
			Window: 2 * time.Hour,
			Bands: []LateBand{
				{MaxLead: time.Hour, Severity: domain.SeverityModerate, Percent: d("0.3"), Impact: d("0.2"), SuspendDays: 3, SuspendAfter: 2},
				{MaxLead: 2 * time.Hour, Severity: domain.SeverityMinor, Percent: d("0.1"), Impact: d("0.1"), SuspendDays: 1, SuspendAfter: 5},
			},
			Repeat: RepeatEscalation{
				MinPriors:    3,
				Severity:     domain.SeverityModerate,
				MinDays:      2,
				DaysFactor:   1,
				AmountFactor: d("1.5"),
				ImpactFactor: d("1.5"),
			},
		},
		Rejection: []RejectionTier{
			{Scope: ScopeDay, MinCount: 5, Severity: domain.SeverityModerate, Days: 1, Impact: d("0.3")},
			{Scope: ScopeWeek, MinCount: 15, Severity: domain.SeveritySevere, Days: 7, Impact: d("0.5")},
			{Scope: ScopeDay, MinCount: 3, Severity: domain.SeverityMinor, Days: 0, Impact: d("0.1")},
		},
		PoorService: PoorServiceRules{
			AverageBelow:  d("3.0"),
			MinReviews:    10,
			Sustained:     Tier{Severity: domain.SeveritySevere, Days: 7, Impact: d("0.4")},
			LowRating:     2,
			MinLowRatings: 3,
			LowWindow:     30 * domain.Day,
			Recent:        Tier{Severity: domain.SeverityModerate, Days: 3, Impact: d("0.2")},
		},
		Violations: ViolationRules{
			Catalog: map[string]Violation{
				"inappropriate_behavior": {Severity: domain.SeveritySevere, Days: 30, Impact: d("0.8"), Reason: "inappropriate behavior towards a client"},
				"fake_profile":           {Severity: domain.SeveritySevere, Days: 60, Impact: d("1.0"), Reason: "false information in profile"},
				"price_manipulation":     {Severity: domain.SeverityModerate, Days: 14, Impact: d("0.4"), Reason: "off-platform price manipulation"},
				"spam_solicitation":      {Severity: domain.SeverityMinor, Days: 3, Impact: d("0.2"), Reason: "off-platform contact solicitation"},
				"hygiene_standards":      {Severity: domain.SeverityModerate, Days: 7, Impact: d("0.3"), Reason: "hygiene standards not met"},
			},
			Fallback: "spam_solicitation",
			Repeat: RepeatEscalation{
				MinPriors:    2,
				Severity:     domain.SeveritySevere,
				DaysFactor:   2,
				AmountFactor: decimal.NewFromInt(1),
				ImpactFactor: d("1.5"),
				ImpactCap:    d("1.0"),
			},
		},
		Cumulative: CumulativeRules{
			Window:           90 * domain.Day,
			HighScore:        10,
			HighAmountFactor: d("1.5"),
			HighImpactFactor: d("1.3"),
			EscalatedMinDays: map[domain.Severity]int{
				domain.SeverityModerate: 3,
				domain.SeveritySevere:   14,
			},
			MediumScore:        5,
			MediumAmountFactor: d("1.2"),
			MediumMinDays:      1,
		},
	}
}

// Validate checks the invariants the calculator relies on.
func (r Rules) Validate() error {
	if r.RepeatWindow <= 0 {
		return domain.Invalid("repeat_window", "must be positive")
	}
	if len(r.NoShow) == 0 {
		return domain.Invalid("no_show", "at least one tier required")
	}
	for i, t := range r.NoShow {
		if err := validateTier("no_show", t); err != nil {
			return err
		}
		if i > 0 && t.MinPriors <= r.NoShow[i-1].MinPriors {
			return domain.Invalid("no_show", "tiers must have increasing min_priors")
		}
	}
	if r.LateCancellation.Window <= 0 || len(r.LateCancellation.Bands) == 0 {
		return domain.Invalid("late_cancellation", "window and bands required")
	}
	for i, b := range r.LateCancellation.Bands {
		if i > 0 && b.MaxLead <= r.LateCancellation.Bands[i-1].MaxLead {
			return domain.Invalid("late_cancellation", "bands must have increasing max_lead")
		}
		if !b.Severity.Valid() || b.Percent.IsNegative() {
			return domain.Invalid("late_cancellation", "invalid band")
		}
	}
	for _, t := range r.Rejection {
		if (t.Scope != ScopeDay && t.Scope != ScopeWeek) || !t.Severity.Valid() {
			return domain.Invalid("rejection", "invalid tier")
		}
	}
	if _, ok := r.Violations.Catalog[r.Violations.Fallback]; !ok {
		return domain.Invalid("violations", "fallback kind must be in the catalog")
	}
	if r.Cumulative.Window <= 0 || r.Cumulative.MediumScore > r.Cumulative.HighScore {
		return domain.Invalid("cumulative", "window must be positive and medium <= high")
	}
	return nil
}

func validateTier(field string, t Tier) error {
	if !t.Severity.Valid() {
		return domain.Invalid(field, "unknown severity "+string(t.Severity))
	}
	if t.Days < 0 || t.Percent.IsNegative() || t.Impact.IsNegative() {
		return domain.Invalid(field, "negative values not allowed")
	}
	return nil
}

// ViolationKinds lists the catalog keys in a stable order.
func (r Rules) ViolationKinds() []string {
	kinds := make([]string, 0, len(r.Violations.Catalog))
	for k := range r.Violations.Catalog {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
