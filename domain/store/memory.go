// Package store provides the in-memory Stores implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds all three entity kinds behind one lock, so every conditional
// update is atomic. Values are copied on the way in and out.
type Memory struct {
	mu        sync.RWMutex
	bookings  map[string]*domain.Booking
	penalties map[string]*domain.Penalty
	accounts  map[string]*domain.ProviderAccount

	// bookingPenalty indexes the non-cancelled penalty of each booking.
	bookingPenalty map[string]string
}

var _ domain.Stores = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		bookings:       make(map[string]*domain.Booking),
		penalties:      make(map[string]*domain.Penalty),
		accounts:       make(map[string]*domain.ProviderAccount),
		bookingPenalty: make(map[string]string),
	}
}

// =============================================================================
// BOOKINGS
// =============================================================================

func (m *Memory) GetBooking(_ context.Context, id string) (*domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "booking", ID: id}
	}
	return copyBooking(b), nil
}

func (m *Memory) CreateBooking(_ context.Context, b *domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bookings[b.ID]; exists {
		return domain.ErrConflict
	}
	m.bookings[b.ID] = copyBooking(b)
	return nil
}

func (m *Memory) ConditionalUpdateBooking(_ context.Context, id string, expected domain.BookingStatus, patch domain.BookingPatch) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "booking", ID: id}
	}
	if b.Status != expected {
		return nil, domain.ErrConcurrentModification
	}
	patch.Apply(b)
	return copyBooking(b), nil
}

func (m *Memory) FindBookingsByProvider(_ context.Context, providerID string, statuses []domain.BookingStatus, r domain.TimeRange) ([]*domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Booking
	for _, b := range m.bookings {
		if b.ProviderID != providerID || !hasStatus(statuses, b.Status) || !r.Contains(b.ScheduledAt) {
			continue
		}
		out = append(out, copyBooking(b))
	}
	sortBookings(out)
	return out, nil
}

func (m *Memory) FindExpiredPending(_ context.Context, now time.Time) ([]*domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Booking
	for _, b := range m.bookings {
		if b.Status == domain.BookingPending && b.ScheduledAt.Before(now) {
			out = append(out, copyBooking(b))
		}
	}
	sortBookings(out)
	return out, nil
}

func (m *Memory) FindUnpenalized(_ context.Context, statuses []domain.BookingStatus, since time.Time) ([]*domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Booking
	for _, b := range m.bookings {
		if b.PenaltyApplied || !hasStatus(statuses, b.Status) || b.StatusChangedAt.Before(since) {
			continue
		}
		out = append(out, copyBooking(b))
	}
	sortBookings(out)
	return out, nil
}

func (m *Memory) CountByStatusSince(_ context.Context, providerID string, status domain.BookingStatus, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.bookings {
		if b.ProviderID == providerID && b.Status == status && !b.StatusChangedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// PENALTIES
// =============================================================================

func (m *Memory) GetPenalty(_ context.Context, id string) (*domain.Penalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.penalties[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "penalty", ID: id}
	}
	return copyPenalty(p), nil
}

func (m *Memory) CreatePenalty(_ context.Context, p *domain.Penalty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.penalties[p.ID]; exists {
		return domain.ErrConflict
	}
	if p.BookingID != "" && p.Status != domain.PenaltyCancelled {
		if _, taken := m.bookingPenalty[p.BookingID]; taken {
			return domain.ErrDuplicatePenalty
		}
		m.bookingPenalty[p.BookingID] = p.ID
	}
	m.penalties[p.ID] = copyPenalty(p)
	return nil
}

func (m *Memory) ConditionalUpdatePenalty(_ context.Context, id string, expect domain.PenaltyExpectation, patch domain.PenaltyPatch) (*domain.Penalty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.penalties[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "penalty", ID: id}
	}
	if !expect.Matches(p) {
		return nil, domain.ErrConcurrentModification
	}
	patch.Apply(p)
	if p.Status == domain.PenaltyCancelled && p.BookingID != "" && m.bookingPenalty[p.BookingID] == p.ID {
		delete(m.bookingPenalty, p.BookingID)
	}
	return copyPenalty(p), nil
}

func (m *Memory) FindActivePenalties(_ context.Context, providerID string) ([]*domain.Penalty, error) {
	return m.filterPenalties(domain.PenaltyFilter{ProviderID: providerID, Status: domain.PenaltyActive}), nil
}

func (m *Memory) FindPenaltiesByProvider(_ context.Context, providerID string, since time.Time) ([]*domain.Penalty, error) {
	return m.filterPenalties(domain.PenaltyFilter{ProviderID: providerID, Since: &since}), nil
}

func (m *Memory) FindExpiredSuspensions(_ context.Context, now time.Time) ([]*domain.Penalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Penalty
	for _, p := range m.penalties {
		s := p.Suspension
		if p.Status == domain.PenaltyActive && s.Days > 0 && s.EndDate != nil && s.EndDate.Before(now) {
			out = append(out, copyPenalty(p))
		}
	}
	sortPenalties(out)
	return out, nil
}

func (m *Memory) FindPendingAppeals(_ context.Context) ([]*domain.Penalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Penalty
	for _, p := range m.penalties {
		if p.Appeal.Status == domain.AppealPending {
			out = append(out, copyPenalty(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return submittedAt(out[i]).Before(submittedAt(out[j]))
	})
	return out, nil
}

func (m *Memory) ListPenalties(_ context.Context, f domain.PenaltyFilter) ([]*domain.Penalty, error) {
	return m.filterPenalties(f), nil
}

func (m *Memory) filterPenalties(f domain.PenaltyFilter) []*domain.Penalty {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Penalty
	for _, p := range m.penalties {
		if f.Match(p) {
			out = append(out, copyPenalty(p))
		}
	}
	sortPenalties(out)
	return out
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, providerID string) (*domain.ProviderAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[providerID]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "provider", ID: providerID}
	}
	return copyAccount(a), nil
}

func (m *Memory) CreateAccount(_ context.Context, a *domain.ProviderAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.ProviderID]; exists {
		return domain.ErrConflict
	}
	m.accounts[a.ProviderID] = copyAccount(a)
	return nil
}

func (m *Memory) UpdateAccountStatus(_ context.Context, providerID string, expectedVersion int64, status domain.AccountStatus, until *time.Time, reason string) (*domain.ProviderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.accountAt(providerID, expectedVersion)
	if err != nil {
		return nil, err
	}
	a.Status = status
	a.SuspendedUntil = copyTime(until)
	a.SuspensionReason = reason
	a.Version++
	return copyAccount(a), nil
}

func (m *Memory) UpdateReliability(_ context.Context, providerID string, expectedVersion int64, score decimal.Decimal) (*domain.ProviderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.accountAt(providerID, expectedVersion)
	if err != nil {
		return nil, err
	}
	a.ReliabilityScore = score
	a.Version++
	return copyAccount(a), nil
}

func (m *Memory) AppendPenaltyHistory(_ context.Context, providerID string, entry domain.PenaltyHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[providerID]
	if !ok {
		return &domain.NotFoundError{Entity: "provider", ID: providerID}
	}
	a.PenaltyHistory = append(a.PenaltyHistory, entry)
	return nil
}

func (m *Memory) FindAccountsByStatus(_ context.Context, status domain.AccountStatus) ([]*domain.ProviderAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ProviderAccount
	for _, a := range m.accounts {
		if a.Status == status {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (m *Memory) accountAt(providerID string, version int64) (*domain.ProviderAccount, error) {
	a, ok := m.accounts[providerID]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "provider", ID: providerID}
	}
	if a.Version != version {
		return nil, domain.ErrConcurrentModification
	}
	return a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func hasStatus(statuses []domain.BookingStatus, s domain.BookingStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func sortBookings(bs []*domain.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].ScheduledAt.Equal(bs[j].ScheduledAt) {
			return bs[i].ID < bs[j].ID
		}
		return bs[i].ScheduledAt.Before(bs[j].ScheduledAt)
	})
}

// sortPenalties orders newest first.
func sortPenalties(ps []*domain.Penalty) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.After(ps[j].CreatedAt)
	})
}

func submittedAt(p *domain.Penalty) time.Time {
	if p.Appeal.SubmittedAt == nil {
		return p.CreatedAt
	}
	return *p.Appeal.SubmittedAt
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyBooking(b *domain.Booking) *domain.Booking {
	c := *b
	c.CancelledAt = copyTime(b.CancelledAt)
	return &c
}

func copyPenalty(p *domain.Penalty) *domain.Penalty {
	c := *p
	c.Suspension.StartDate = copyTime(p.Suspension.StartDate)
	c.Suspension.EndDate = copyTime(p.Suspension.EndDate)
	c.Appeal.SubmittedAt = copyTime(p.Appeal.SubmittedAt)
	c.Appeal.ProcessedAt = copyTime(p.Appeal.ProcessedAt)
	c.Appeal.Evidence = append([]string(nil), p.Appeal.Evidence...)
	c.Monetary.RefundedAt = copyTime(p.Monetary.RefundedAt)
	c.CancelledAt = copyTime(p.CancelledAt)
	c.ExpiredAt = copyTime(p.ExpiredAt)
	return &c
}

func copyAccount(a *domain.ProviderAccount) *domain.ProviderAccount {
	c := *a
	c.SuspendedUntil = copyTime(a.SuspendedUntil)
	c.PenaltyHistory = append([]domain.PenaltyHistoryEntry(nil), a.PenaltyHistory...)
	return &c
}
