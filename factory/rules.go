/*
Package factory provides JSON to Go conversion of the penalty rules.

PURPOSE:
  Converts a JSON rules document into penalty.Rules. Every section is
  optional: missing sections keep the values of penalty.DefaultRules, so an
  operator can change one threshold without restating the rest.

JSON SCHEMA:
  {
    "repeat_window_days": 30,
    "no_show": [
      {"min_priors": 0, "severity": "minor", "percent": "0.5", "days": 0, "impact": "0.1"},
      {"min_priors": 1, "severity": "moderate", "percent": "0.6", "days": 7, "impact": "0.3"}
    ],
    "late_cancellation": {
      "window_minutes": 120,
      "bands": [
        {"max_lead_minutes": 60, "severity": "moderate", "percent": "0.3",
         "impact": "0.2", "suspend_days": 3, "suspend_after": 2}
      ],
      "repeat": {"min_priors": 3, "severity": "moderate", "min_days": 2,
                 "amount_factor": "1.5", "impact_factor": "1.5"}
    },
    "rejection": [{"scope": "day", "min_count": 5, "severity": "moderate", "days": 1, "impact": "0.3"}],
    "poor_service": {...},
    "violations": {"catalog": {"fake_profile": {"severity": "severe", "days": 60, "impact": "1.0"}}},
    "cumulative": {"window_days": 90, "high_score": 10, "medium_score": 5}
  }

  Decimals may be JSON numbers or strings.

USAGE:
  f := NewRulesFactory()
  rules, err := f.ParseRules(jsonString)
  calc := penalty.NewCalculator(rules)

SEE ALSO:
  - penalty/rules.go: Rules and DefaultRules
  - cmd/server/main.go: "rules" command prints the effective rules
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/penalty"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RulesJSON is the JSON representation of penalty.Rules.
type RulesJSON struct {
	RepeatWindowDays int                   `json:"repeat_window_days,omitempty"`
	NoShow           []TierJSON            `json:"no_show,omitempty"`
	LateCancellation *LateCancellationJSON `json:"late_cancellation,omitempty"`
	Rejection        []RejectionTierJSON   `json:"rejection,omitempty"`
	PoorService      *PoorServiceJSON      `json:"poor_service,omitempty"`
	Violations       *ViolationsJSON       `json:"violations,omitempty"`
	Cumulative       *CumulativeJSON       `json:"cumulative,omitempty"`
}

type TierJSON struct {
	MinPriors int             `json:"min_priors"`
	Severity  string          `json:"severity"`
	Percent   decimal.Decimal `json:"percent"`
	Days      int             `json:"days"`
	Impact    decimal.Decimal `json:"impact"`
}

type LateCancellationJSON struct {
	WindowMinutes int            `json:"window_minutes,omitempty"`
	Bands         []LateBandJSON `json:"bands,omitempty"`
	Repeat        *RepeatJSON    `json:"repeat,omitempty"`
}

type LateBandJSON struct {
	MaxLeadMinutes int             `json:"max_lead_minutes"`
	Severity       string          `json:"severity"`
	Percent        decimal.Decimal `json:"percent"`
	Impact         decimal.Decimal `json:"impact"`
	SuspendDays    int             `json:"suspend_days,omitempty"`
	SuspendAfter   int             `json:"suspend_after,omitempty"`
}

type RepeatJSON struct {
	MinPriors    int              `json:"min_priors"`
	Severity     string           `json:"severity"`
	MinDays      int              `json:"min_days,omitempty"`
	DaysFactor   int              `json:"days_factor,omitempty"`
	AmountFactor *decimal.Decimal `json:"amount_factor,omitempty"`
	ImpactFactor *decimal.Decimal `json:"impact_factor,omitempty"`
	ImpactCap    *decimal.Decimal `json:"impact_cap,omitempty"`
}

type RejectionTierJSON struct {
	Scope    string          `json:"scope"` // day, week
	MinCount int             `json:"min_count"`
	Severity string          `json:"severity"`
	Days     int             `json:"days"`
	Impact   decimal.Decimal `json:"impact"`
}

type PoorServiceJSON struct {
	AverageBelow  *decimal.Decimal `json:"average_below,omitempty"`
	MinReviews    int              `json:"min_reviews,omitempty"`
	Sustained     *TierJSON        `json:"sustained,omitempty"`
	LowRating     int              `json:"low_rating,omitempty"`
	MinLowRatings int              `json:"min_low_ratings,omitempty"`
	LowWindowDays int              `json:"low_window_days,omitempty"`
	Recent        *TierJSON        `json:"recent,omitempty"`
}

type ViolationsJSON struct {
	// Catalog entries are merged into the default catalog by kind.
	Catalog  map[string]ViolationJSON `json:"catalog,omitempty"`
	Fallback string                   `json:"fallback,omitempty"`
	Repeat   *RepeatJSON              `json:"repeat,omitempty"`
}

type ViolationJSON struct {
	Severity string          `json:"severity"`
	Days     int             `json:"days"`
	Impact   decimal.Decimal `json:"impact"`
	Reason   string          `json:"reason,omitempty"`
}

type CumulativeJSON struct {
	WindowDays         int              `json:"window_days,omitempty"`
	HighScore          int              `json:"high_score,omitempty"`
	HighAmountFactor   *decimal.Decimal `json:"high_amount_factor,omitempty"`
	HighImpactFactor   *decimal.Decimal `json:"high_impact_factor,omitempty"`
	EscalatedMinDays   map[string]int   `json:"escalated_min_days,omitempty"`
	MediumScore        int              `json:"medium_score,omitempty"`
	MediumAmountFactor *decimal.Decimal `json:"medium_amount_factor,omitempty"`
	MediumMinDays      *int             `json:"medium_min_days,omitempty"`
}

// =============================================================================
// RULES FACTORY
// =============================================================================

// RulesFactory converts JSON rules to penalty.Rules.
type RulesFactory struct {
	base penalty.Rules
}

// NewRulesFactory returns a factory that overlays onto penalty.DefaultRules.
func NewRulesFactory() *RulesFactory {
	return &RulesFactory{base: penalty.DefaultRules()}
}

// ParseRules parses a JSON string into validated Rules.
func (f *RulesFactory) ParseRules(jsonStr string) (penalty.Rules, error) {
	var rj RulesJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return penalty.Rules{}, fmt.Errorf("failed to parse rules JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// LoadFile reads and parses a rules file. An empty path yields the defaults.
func (f *RulesFactory) LoadFile(path string) (penalty.Rules, error) {
	if path == "" {
		return f.base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return penalty.Rules{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	return f.ParseRules(string(raw))
}

// FromJSON overlays rj onto the defaults and validates the result.
func (f *RulesFactory) FromJSON(rj RulesJSON) (penalty.Rules, error) {
	r := penalty.DefaultRules()

	if rj.RepeatWindowDays > 0 {
		r.RepeatWindow = days(rj.RepeatWindowDays)
	}
	if len(rj.NoShow) > 0 {
		r.NoShow = nil
		for _, tj := range rj.NoShow {
			r.NoShow = append(r.NoShow, parseTier(tj))
		}
	}
	if lc := rj.LateCancellation; lc != nil {
		if lc.WindowMinutes > 0 {
			r.LateCancellation.Window = time.Duration(lc.WindowMinutes) * time.Minute
		}
		if len(lc.Bands) > 0 {
			r.LateCancellation.Bands = nil
			for _, bj := range lc.Bands {
				r.LateCancellation.Bands = append(r.LateCancellation.Bands, penalty.LateBand{
					MaxLead:      time.Duration(bj.MaxLeadMinutes) * time.Minute,
					Severity:     domain.Severity(bj.Severity),
					Percent:      bj.Percent,
					Impact:       bj.Impact,
					SuspendDays:  bj.SuspendDays,
					SuspendAfter: bj.SuspendAfter,
				})
			}
		}
		if lc.Repeat != nil {
			r.LateCancellation.Repeat = parseRepeat(*lc.Repeat, r.LateCancellation.Repeat)
		}
	}
	if len(rj.Rejection) > 0 {
		r.Rejection = nil
		for _, tj := range rj.Rejection {
			r.Rejection = append(r.Rejection, penalty.RejectionTier{
				Scope:    penalty.RejectionScope(tj.Scope),
				MinCount: tj.MinCount,
				Severity: domain.Severity(tj.Severity),
				Days:     tj.Days,
				Impact:   tj.Impact,
			})
		}
	}
	if ps := rj.PoorService; ps != nil {
		parsePoorService(*ps, &r.PoorService)
	}
	if v := rj.Violations; v != nil {
		for kind, vj := range v.Catalog {
			r.Violations.Catalog[kind] = penalty.Violation{
				Severity: domain.Severity(vj.Severity),
				Days:     vj.Days,
				Impact:   vj.Impact,
				Reason:   vj.Reason,
			}
		}
		if v.Fallback != "" {
			r.Violations.Fallback = v.Fallback
		}
		if v.Repeat != nil {
			r.Violations.Repeat = parseRepeat(*v.Repeat, r.Violations.Repeat)
		}
	}
	if c := rj.Cumulative; c != nil {
		parseCumulative(*c, &r.Cumulative)
	}

	if err := r.Validate(); err != nil {
		return penalty.Rules{}, fmt.Errorf("invalid rules: %w", err)
	}
	return r, nil
}

func days(n int) time.Duration { return time.Duration(n) * domain.Day }

func parseTier(tj TierJSON) penalty.Tier {
	return penalty.Tier{
		MinPriors: tj.MinPriors,
		Severity:  domain.Severity(tj.Severity),
		Percent:   tj.Percent,
		Days:      tj.Days,
		Impact:    tj.Impact,
	}
}

// parseRepeat starts from base so that omitted factors keep their defaults.
func parseRepeat(rj RepeatJSON, base penalty.RepeatEscalation) penalty.RepeatEscalation {
	out := base
	out.MinPriors = rj.MinPriors
	out.MinDays = rj.MinDays
	if rj.Severity != "" {
		out.Severity = domain.Severity(rj.Severity)
	}
	if rj.DaysFactor > 0 {
		out.DaysFactor = rj.DaysFactor
	}
	if rj.AmountFactor != nil {
		out.AmountFactor = *rj.AmountFactor
	}
	if rj.ImpactFactor != nil {
		out.ImpactFactor = *rj.ImpactFactor
	}
	if rj.ImpactCap != nil {
		out.ImpactCap = *rj.ImpactCap
	}
	return out
}

func parsePoorService(pj PoorServiceJSON, r *penalty.PoorServiceRules) {
	if pj.AverageBelow != nil {
		r.AverageBelow = *pj.AverageBelow
	}
	if pj.MinReviews > 0 {
		r.MinReviews = pj.MinReviews
	}
	if pj.Sustained != nil {
		r.Sustained = parseTier(*pj.Sustained)
	}
	if pj.LowRating > 0 {
		r.LowRating = pj.LowRating
	}
	if pj.MinLowRatings > 0 {
		r.MinLowRatings = pj.MinLowRatings
	}
	if pj.LowWindowDays > 0 {
		r.LowWindow = days(pj.LowWindowDays)
	}
	if pj.Recent != nil {
		r.Recent = parseTier(*pj.Recent)
	}
}

func parseCumulative(cj CumulativeJSON, r *penalty.CumulativeRules) {
	if cj.WindowDays > 0 {
		r.Window = days(cj.WindowDays)
	}
	if cj.HighScore > 0 {
		r.HighScore = cj.HighScore
	}
	if cj.HighAmountFactor != nil {
		r.HighAmountFactor = *cj.HighAmountFactor
	}
	if cj.HighImpactFactor != nil {
		r.HighImpactFactor = *cj.HighImpactFactor
	}
	for sev, n := range cj.EscalatedMinDays {
		r.EscalatedMinDays[domain.Severity(sev)] = n
	}
	if cj.MediumScore > 0 {
		r.MediumScore = cj.MediumScore
	}
	if cj.MediumAmountFactor != nil {
		r.MediumAmountFactor = *cj.MediumAmountFactor
	}
	if cj.MediumMinDays != nil {
		r.MediumMinDays = *cj.MediumMinDays
	}
}

// =============================================================================
// EXPORT
// =============================================================================

// ToJSON converts Rules to their full JSON representation.
func (f *RulesFactory) ToJSON(r penalty.Rules) RulesJSON {
	rj := RulesJSON{
		RepeatWindowDays: int(r.RepeatWindow / domain.Day),
		LateCancellation: &LateCancellationJSON{
			WindowMinutes: int(r.LateCancellation.Window / time.Minute),
			Repeat:        repeatJSON(r.LateCancellation.Repeat),
		},
		PoorService: &PoorServiceJSON{
			AverageBelow:  ptr(r.PoorService.AverageBelow),
			MinReviews:    r.PoorService.MinReviews,
			Sustained:     tierJSON(r.PoorService.Sustained),
			LowRating:     r.PoorService.LowRating,
			MinLowRatings: r.PoorService.MinLowRatings,
			LowWindowDays: int(r.PoorService.LowWindow / domain.Day),
			Recent:        tierJSON(r.PoorService.Recent),
		},
		Violations: &ViolationsJSON{
			Catalog:  map[string]ViolationJSON{},
			Fallback: r.Violations.Fallback,
			Repeat:   repeatJSON(r.Violations.Repeat),
		},
		Cumulative: &CumulativeJSON{
			WindowDays:         int(r.Cumulative.Window / domain.Day),
			HighScore:          r.Cumulative.HighScore,
			HighAmountFactor:   ptr(r.Cumulative.HighAmountFactor),
			HighImpactFactor:   ptr(r.Cumulative.HighImpactFactor),
			EscalatedMinDays:   map[string]int{},
			MediumScore:        r.Cumulative.MediumScore,
			MediumAmountFactor: ptr(r.Cumulative.MediumAmountFactor),
			MediumMinDays:      &r.Cumulative.MediumMinDays,
		},
	}
	for _, t := range r.NoShow {
		rj.NoShow = append(rj.NoShow, *tierJSON(t))
	}
	for _, b := range r.LateCancellation.Bands {
		rj.LateCancellation.Bands = append(rj.LateCancellation.Bands, LateBandJSON{
			MaxLeadMinutes: int(b.MaxLead / time.Minute),
			Severity:       string(b.Severity),
			Percent:        b.Percent,
			Impact:         b.Impact,
			SuspendDays:    b.SuspendDays,
			SuspendAfter:   b.SuspendAfter,
		})
	}
	for _, t := range r.Rejection {
		rj.Rejection = append(rj.Rejection, RejectionTierJSON{
			Scope:    string(t.Scope),
			MinCount: t.MinCount,
			Severity: string(t.Severity),
			Days:     t.Days,
			Impact:   t.Impact,
		})
	}
	for kind, v := range r.Violations.Catalog {
		rj.Violations.Catalog[kind] = ViolationJSON{
			Severity: string(v.Severity),
			Days:     v.Days,
			Impact:   v.Impact,
			Reason:   v.Reason,
		}
	}
	for sev, n := range r.Cumulative.EscalatedMinDays {
		rj.Cumulative.EscalatedMinDays[string(sev)] = n
	}
	return rj
}

func tierJSON(t penalty.Tier) *TierJSON {
	return &TierJSON{
		MinPriors: t.MinPriors,
		Severity:  string(t.Severity),
		Percent:   t.Percent,
		Days:      t.Days,
		Impact:    t.Impact,
	}
}

func repeatJSON(r penalty.RepeatEscalation) *RepeatJSON {
	return &RepeatJSON{
		MinPriors:    r.MinPriors,
		Severity:     string(r.Severity),
		MinDays:      r.MinDays,
		DaysFactor:   r.DaysFactor,
		AmountFactor: ptr(r.AmountFactor),
		ImpactFactor: ptr(r.ImpactFactor),
		ImpactCap:    ptr(r.ImpactCap),
	}
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
