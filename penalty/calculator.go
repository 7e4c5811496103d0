/*
Package penalty computes and applies penalties against providers.

PURPOSE:
  Calculator turns a violation event plus the provider's history into one
  Proposal. It is pure: no store access, no clock, no side effects. Service
  (service.go) persists proposals and hands them to the account manager.

CALCULATION ORDER:
  1. Count prior same-type penalties inside the repeat window
  2. Apply the type's base rule (tiers, bands or catalog)
  3. Apply the type's repeat escalation
  4. Apply the cumulative adjustment (weighted active penalties, 90 days)
  5. Round the monetary amount to whole currency units

HISTORY:
  The caller passes the provider's penalties. Cancelled penalties are ignored
  everywhere; the cumulative score only counts active ones.

SEE ALSO:
  - rules.go: The parameters of every step
  - factory/rules.go: Builds Rules from JSON
*/
package penalty

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// INPUT
// =============================================================================

// Event describes what happened. Only the fields of the event's type are read.
type Event struct {
	Type   domain.PenaltyType
	Amount domain.Money

	// late_cancellation
	LeadTime *time.Duration

	// rejection
	RejectionsToday int
	RejectionsWeek  int

	// poor_service
	Reviews ReviewStats

	// policy_violation
	ViolationKind string
	Details       string

	// custom
	Custom *CustomTerms
}

type ReviewStats struct {
	Average decimal.Decimal
	Total   int
	// Recent holds the ratings received inside the low-rating window.
	Recent []int
}

type CustomTerms struct {
	Severity domain.Severity
	Days     int
	Amount   decimal.Decimal
	Impact   decimal.Decimal
	Reason   string
}

// =============================================================================
// OUTPUT
// =============================================================================

type MonetaryEffect struct {
	Amount domain.Money
}

type SuspensionEffect struct {
	Days int
}

// Effects is the explicit effect set of a proposal. Nil means no effect of
// that kind.
type Effects struct {
	Monetary   *MonetaryEffect
	Suspension *SuspensionEffect
	Reputation decimal.Decimal
}

func (e Effects) SuspensionDays() int {
	if e.Suspension == nil {
		return 0
	}
	return e.Suspension.Days
}

func (e Effects) MonetaryAmount() decimal.Decimal {
	if e.Monetary == nil {
		return decimal.Zero
	}
	return e.Monetary.Amount.Amount
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Proposal is the calculator's single result. Warranted is false when the
// event does not meet any threshold; the other fields are then informative.
type Proposal struct {
	Type           domain.PenaltyType
	Severity       domain.Severity
	Effects        Effects
	Warranted      bool
	RequiresReview bool
	Reason         string
	Description    string

	PriorCount      int
	CumulativeScore int
	Risk            RiskLevel
	Escalation      string // "", "repeat_offender", "high_risk"
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	rules Rules
}

func NewCalculator(rules Rules) *Calculator {
	return &Calculator{rules: rules}
}

func (c *Calculator) Rules() Rules { return c.rules }

// draft carries unrounded values between steps.
type draft struct {
	severity domain.Severity
	amount   decimal.Decimal
	days     int
	impact   decimal.Decimal
	reason   string
}

// Calculate produces the proposal for ev given the provider's history as of
// now.
func (c *Calculator) Calculate(ev Event, history []*domain.Penalty, now time.Time) (Proposal, error) {
	if ev.Amount.IsNegative() {
		return Proposal{}, domain.Invalid("amount", "must not be negative")
	}
	if !ev.Type.Valid() {
		return Proposal{}, domain.Invalid("type", fmt.Sprintf("unknown penalty type %q", ev.Type))
	}

	priors := countPriors(history, ev.Type, now.Add(-c.rules.RepeatWindow))
	p := Proposal{Type: ev.Type, PriorCount: priors}

	var dr draft
	var ok bool
	var err error
	switch ev.Type {
	case domain.PenaltyNoShow:
		dr, ok = c.noShow(ev, priors), true
	case domain.PenaltyLateCancellation:
		dr, ok, err = c.lateCancellation(ev, priors)
	case domain.PenaltyRejection:
		dr, ok = c.rejection(ev)
	case domain.PenaltyPoorService:
		p.RequiresReview = true
		dr, ok = c.poorService(ev)
	case domain.PenaltyPolicyViolation:
		p.RequiresReview = true
		dr, ok = c.violation(ev, priors), true
	case domain.PenaltyCustom:
		dr, err = custom(ev)
		ok = err == nil
	}
	if err != nil {
		return Proposal{}, err
	}

	score := CumulativeScore(history, now.Add(-c.rules.Cumulative.Window))
	p.CumulativeScore = score
	p.Risk = c.risk(score)
	if !ok {
		p.Description = fmt.Sprintf("%s below penalty thresholds", ev.Type)
		return p, nil
	}

	p.Warranted = true
	if ev.Type != domain.PenaltyCustom {
		p.Escalation = c.cumulative(&dr, score)
	}
	p.Severity = dr.severity
	p.Reason = dr.reason
	p.Description = describe(ev, priors)
	p.Effects = Effects{Reputation: dr.impact}
	if amt := dr.amount.Round(0); amt.IsPositive() {
		p.Effects.Monetary = &MonetaryEffect{Amount: domain.Money{Amount: amt, Currency: ev.Amount.Currency}}
	}
	if dr.days > 0 {
		p.Effects.Suspension = &SuspensionEffect{Days: dr.days}
	}
	return p, nil
}

// =============================================================================
// PER-TYPE RULES
// =============================================================================

func (c *Calculator) noShow(ev Event, priors int) draft {
	tier := c.rules.NoShow[0]
	for _, t := range c.rules.NoShow {
		if priors >= t.MinPriors {
			tier = t
		}
	}
	return draft{
		severity: tier.Severity,
		amount:   ev.Amount.Amount.Mul(tier.Percent),
		days:     tier.Days,
		impact:   tier.Impact,
		reason:   "provider did not show up for a confirmed booking",
	}
}

func (c *Calculator) lateCancellation(ev Event, priors int) (draft, bool, error) {
	if ev.LeadTime == nil {
		return draft{}, false, domain.Invalid("lead_time", "required for late cancellation")
	}
	r := c.rules.LateCancellation
	lead := *ev.LeadTime
	if lead >= r.Window {
		return draft{}, false, nil
	}

	band := r.Bands[len(r.Bands)-1]
	for _, b := range r.Bands {
		if lead < b.MaxLead {
			band = b
			break
		}
	}
	dr := draft{
		severity: band.Severity,
		amount:   ev.Amount.Amount.Mul(band.Percent),
		impact:   band.Impact,
		reason:   fmt.Sprintf("cancelled %d minutes before the service", int(lead.Minutes())),
	}
	if priors >= band.SuspendAfter {
		dr.days = band.SuspendDays
	}
	repeat(&dr, r.Repeat, priors)
	return dr, true, nil
}

func (c *Calculator) rejection(ev Event) (draft, bool) {
	for _, t := range c.rules.Rejection {
		count := ev.RejectionsToday
		if t.Scope == ScopeWeek {
			count = ev.RejectionsWeek
		}
		if count >= t.MinCount {
			return draft{
				severity: t.Severity,
				amount:   decimal.Zero,
				days:     t.Days,
				impact:   t.Impact,
				reason:   fmt.Sprintf("%d rejections this %s", count, t.Scope),
			}, true
		}
	}
	return draft{}, false
}

func (c *Calculator) poorService(ev Event) (draft, bool) {
	r := c.rules.PoorService
	rs := ev.Reviews
	if rs.Total >= r.MinReviews && rs.Average.LessThan(r.AverageBelow) {
		return draft{
			severity: r.Sustained.Severity,
			amount:   decimal.Zero,
			days:     r.Sustained.Days,
			impact:   r.Sustained.Impact,
			reason:   fmt.Sprintf("average rating %s over %d reviews", rs.Average.StringFixed(2), rs.Total),
		}, true
	}
	low := 0
	for _, rating := range rs.Recent {
		if rating <= r.LowRating {
			low++
		}
	}
	if low >= r.MinLowRatings {
		return draft{
			severity: r.Recent.Severity,
			amount:   decimal.Zero,
			days:     r.Recent.Days,
			impact:   r.Recent.Impact,
			reason:   fmt.Sprintf("%d low ratings in the last %d days", low, int(r.LowWindow/domain.Day)),
		}, true
	}
	return draft{}, false
}

func (c *Calculator) violation(ev Event, priors int) draft {
	r := c.rules.Violations
	v, ok := r.Catalog[ev.ViolationKind]
	if !ok {
		v = r.Catalog[r.Fallback]
	}
	dr := draft{
		severity: v.Severity,
		amount:   decimal.Zero,
		days:     v.Days,
		impact:   v.Impact,
		reason:   v.Reason,
	}
	repeat(&dr, r.Repeat, priors)
	return dr
}

func custom(ev Event) (draft, error) {
	t := ev.Custom
	if t == nil {
		return draft{}, domain.Invalid("custom", "terms required")
	}
	if !t.Severity.Valid() {
		return draft{}, domain.Invalid("severity", "unknown severity "+string(t.Severity))
	}
	if t.Days < 0 || t.Amount.IsNegative() || t.Impact.IsNegative() {
		return draft{}, domain.Invalid("custom", "negative values not allowed")
	}
	return draft{severity: t.Severity, amount: t.Amount, days: t.Days, impact: t.Impact, reason: t.Reason}, nil
}

// repeat applies a repeat escalation when priors reach its threshold.
func repeat(dr *draft, r RepeatEscalation, priors int) {
	if r.MinPriors <= 0 || priors < r.MinPriors {
		return
	}
	dr.severity = r.Severity
	if r.DaysFactor > 1 {
		dr.days *= r.DaysFactor
	}
	if dr.days < r.MinDays {
		dr.days = r.MinDays
	}
	if !r.AmountFactor.IsZero() {
		dr.amount = dr.amount.Mul(r.AmountFactor)
	}
	if !r.ImpactFactor.IsZero() {
		dr.impact = dr.impact.Mul(r.ImpactFactor)
	}
	if !r.ImpactCap.IsZero() && dr.impact.GreaterThan(r.ImpactCap) {
		dr.impact = r.ImpactCap
	}
}

// =============================================================================
// CUMULATIVE ADJUSTMENT
// =============================================================================

// CumulativeScore sums severity weights of active penalties created at or
// after since.
func CumulativeScore(history []*domain.Penalty, since time.Time) int {
	score := 0
	for _, p := range history {
		if p.Status != domain.PenaltyActive || p.CreatedAt.Before(since) {
			continue
		}
		score += p.Severity.Weight()
	}
	return score
}

func (c *Calculator) cumulative(dr *draft, score int) string {
	r := c.rules.Cumulative
	switch {
	case score >= r.HighScore:
		if dr.severity != domain.SeveritySevere {
			dr.severity = dr.severity.Escalate()
			if floor := r.EscalatedMinDays[dr.severity]; dr.days < floor {
				dr.days = floor
			}
		}
		dr.amount = dr.amount.Mul(r.HighAmountFactor)
		dr.impact = dr.impact.Mul(r.HighImpactFactor)
		return "high_risk"
	case score >= r.MediumScore:
		dr.amount = dr.amount.Mul(r.MediumAmountFactor)
		if dr.days < r.MediumMinDays {
			dr.days = r.MediumMinDays
		}
		return "repeat_offender"
	}
	return ""
}

func (c *Calculator) risk(score int) RiskLevel {
	switch {
	case score >= c.rules.Cumulative.HighScore:
		return RiskHigh
	case score >= c.rules.Cumulative.MediumScore:
		return RiskMedium
	}
	return RiskLow
}

// =============================================================================
// HELPERS
// =============================================================================

func countPriors(history []*domain.Penalty, t domain.PenaltyType, since time.Time) int {
	n := 0
	for _, p := range history {
		if p.Type == t && p.Status != domain.PenaltyCancelled && !p.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

func describe(ev Event, priors int) string {
	switch ev.Type {
	case domain.PenaltyPolicyViolation:
		return fmt.Sprintf("policy violation %s (%d prior). %s", ev.ViolationKind, priors, ev.Details)
	case domain.PenaltyCustom:
		return ev.Details
	default:
		return fmt.Sprintf("%s with %d prior in window", ev.Type, priors)
	}
}
