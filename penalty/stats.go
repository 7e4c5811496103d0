package penalty

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// STATISTICS
// =============================================================================

// ProviderSummary totals a provider's penalties.
type ProviderSummary struct {
	Total          int
	Active         int
	MonetaryTotal  decimal.Decimal
	SuspensionDays int
}

func Summarize(ps []*domain.Penalty) ProviderSummary {
	s := ProviderSummary{MonetaryTotal: decimal.Zero}
	for _, p := range ps {
		s.Total++
		if p.Status == domain.PenaltyActive {
			s.Active++
		}
		s.MonetaryTotal = s.MonetaryTotal.Add(p.Monetary.Amount.Amount)
		s.SuspensionDays += p.Suspension.Days
	}
	return s
}

type Totals struct {
	Total          int
	Active         int
	Cancelled      int
	MonetaryTotal  decimal.Decimal
	SuspensionDays int
	PendingAppeals int
}

type Bucket struct {
	Key            string
	Count          int
	MonetaryTotal  decimal.Decimal
	AverageAmount  decimal.Decimal
	SuspensionDays int
}

type Stats struct {
	Period       string
	From         time.Time
	To           time.Time
	Totals       Totals
	ByType       []Bucket
	BySeverity   []Bucket
	Timeline     []Bucket // one per day, Key is YYYY-MM-DD
	TopProviders []Bucket // Key is the provider ID
}

// Periods accepted by Stats. Anything else means 30 days.
var periods = map[string]time.Duration{
	"7d":  7 * domain.Day,
	"30d": 30 * domain.Day,
	"90d": 90 * domain.Day,
	"1y":  365 * domain.Day,
}

// TopProvidersLimit bounds Stats.TopProviders.
const TopProvidersLimit = 10

// Stats aggregates every penalty created within the period. Admin only.
func (s *Service) Stats(ctx context.Context, actor domain.Actor, period string) (*Stats, error) {
	if !actor.IsAdmin() {
		return nil, &domain.AuthorizationError{ActorID: actor.ID, Action: "view penalty statistics"}
	}
	span, ok := periods[period]
	if !ok {
		period, span = "30d", periods["30d"]
	}
	now := s.clock.Now()
	from := now.Add(-span)
	ps, err := s.stores.ListPenalties(ctx, domain.PenaltyFilter{Since: &from})
	if err != nil {
		return nil, err
	}
	st := Aggregate(ps)
	st.Period, st.From, st.To = period, from, now
	return st, nil
}

// Aggregate computes totals and buckets over ps.
func Aggregate(ps []*domain.Penalty) *Stats {
	st := &Stats{Totals: Totals{MonetaryTotal: decimal.Zero}}
	byType := map[string]*Bucket{}
	bySeverity := map[string]*Bucket{}
	byDay := map[string]*Bucket{}
	byProvider := map[string]*Bucket{}

	for _, p := range ps {
		amount := p.Monetary.Amount.Amount
		st.Totals.Total++
		switch p.Status {
		case domain.PenaltyActive:
			st.Totals.Active++
		case domain.PenaltyCancelled:
			st.Totals.Cancelled++
		}
		if p.Appeal.Status == domain.AppealPending {
			st.Totals.PendingAppeals++
		}
		st.Totals.MonetaryTotal = st.Totals.MonetaryTotal.Add(amount)
		st.Totals.SuspensionDays += p.Suspension.Days

		add(byType, string(p.Type), p)
		add(bySeverity, string(p.Severity), p)
		add(byDay, p.CreatedAt.UTC().Format("2006-01-02"), p)
		add(byProvider, p.ProviderID, p)
	}

	st.ByType = byCount(byType)
	st.BySeverity = byCount(bySeverity)
	st.TopProviders = byCount(byProvider)
	if len(st.TopProviders) > TopProvidersLimit {
		st.TopProviders = st.TopProviders[:TopProvidersLimit]
	}
	st.Timeline = flatten(byDay)
	sort.Slice(st.Timeline, func(i, j int) bool { return st.Timeline[i].Key < st.Timeline[j].Key })
	return st
}

func add(m map[string]*Bucket, key string, p *domain.Penalty) {
	b, ok := m[key]
	if !ok {
		b = &Bucket{Key: key, MonetaryTotal: decimal.Zero}
		m[key] = b
	}
	b.Count++
	b.MonetaryTotal = b.MonetaryTotal.Add(p.Monetary.Amount.Amount)
	b.SuspensionDays += p.Suspension.Days
}

func flatten(m map[string]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		if b.Count > 0 {
			b.AverageAmount = b.MonetaryTotal.Div(decimal.NewFromInt(int64(b.Count))).Round(2)
		}
		out = append(out, *b)
	}
	return out
}

// byCount orders buckets by descending count, then key.
func byCount(m map[string]*Bucket) []Bucket {
	out := flatten(m)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}
