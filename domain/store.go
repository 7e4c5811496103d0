/*
store.go - Persistence contracts for bookings, penalties and accounts

PURPOSE:
  Defines the interface between the components and the database. The stores
  are the sole persistence boundary; components never keep state of their own
  between calls.

KEY INTERFACES:
  BookingStore:  Booking lookup and status compare-and-set
  PenaltyStore:  Penalty lookup, creation and conditional update
  AccountStore:  Provider account status and reliability with version CAS
  Stores:        The three above bundled, as every backend provides them

CONDITIONAL UPDATE CONTRACT:
  Every mutating write names its precondition (expected status, expectation or
  version). If the stored entity no longer matches, the write is rejected with
  ErrConcurrentModification and nothing is changed. Each call is atomic.

NO DELETES:
  No store exposes Delete. Cancelled and terminal entities are retained.

IMPLEMENTATIONS:
  - domain/store/memory.go: In-memory for testing and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgxpool

SEE ALSO:
  - retry.go: Bounded retry around conditional updates
*/
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BOOKING STORE
// =============================================================================

type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*Booking, error)

	CreateBooking(ctx context.Context, b *Booking) error

	// ConditionalUpdateBooking applies patch only if the stored status equals
	// expected. Returns the updated booking.
	ConditionalUpdateBooking(ctx context.Context, id string, expected BookingStatus, patch BookingPatch) (*Booking, error)

	// FindBookingsByProvider returns the provider's bookings in the given
	// statuses scheduled within r.
	FindBookingsByProvider(ctx context.Context, providerID string, statuses []BookingStatus, r TimeRange) ([]*Booking, error)

	// FindExpiredPending returns pending bookings scheduled before now.
	FindExpiredPending(ctx context.Context, now time.Time) ([]*Booking, error)

	// FindUnpenalized returns bookings in the given statuses whose status
	// changed at or after since and that have PenaltyApplied == false.
	FindUnpenalized(ctx context.Context, statuses []BookingStatus, since time.Time) ([]*Booking, error)

	// CountByStatusSince counts the provider's bookings currently in status
	// whose status changed at or after since.
	CountByStatusSince(ctx context.Context, providerID string, status BookingStatus, since time.Time) (int, error)
}

// =============================================================================
// PENALTY STORE
// =============================================================================

type PenaltyStore interface {
	GetPenalty(ctx context.Context, id string) (*Penalty, error)

	// CreatePenalty inserts p. Returns ErrDuplicatePenalty when p.BookingID is
	// set and a non-cancelled penalty for that booking exists.
	CreatePenalty(ctx context.Context, p *Penalty) error

	ConditionalUpdatePenalty(ctx context.Context, id string, expect PenaltyExpectation, patch PenaltyPatch) (*Penalty, error)

	FindActivePenalties(ctx context.Context, providerID string) ([]*Penalty, error)

	// FindPenaltiesByProvider returns all penalties (any status) created at or
	// after since, newest first.
	FindPenaltiesByProvider(ctx context.Context, providerID string, since time.Time) ([]*Penalty, error)

	// FindExpiredSuspensions returns active penalties whose suspension ended
	// before now.
	FindExpiredSuspensions(ctx context.Context, now time.Time) ([]*Penalty, error)

	// FindPendingAppeals returns penalties with a pending appeal, oldest
	// submission first.
	FindPendingAppeals(ctx context.Context) ([]*Penalty, error)

	ListPenalties(ctx context.Context, f PenaltyFilter) ([]*Penalty, error)
}

type PenaltyFilter struct {
	ProviderID string
	Status     PenaltyStatus
	Type       PenaltyType
	Since      *time.Time
}

// Match reports whether p satisfies every set field of f.
func (f PenaltyFilter) Match(p *Penalty) bool {
	if f.ProviderID != "" && p.ProviderID != f.ProviderID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.Since != nil && p.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

type AccountStore interface {
	GetAccount(ctx context.Context, providerID string) (*ProviderAccount, error)

	CreateAccount(ctx context.Context, a *ProviderAccount) error

	// UpdateAccountStatus sets status, suspended-until and reason if the
	// stored version equals expectedVersion, and bumps the version.
	UpdateAccountStatus(ctx context.Context, providerID string, expectedVersion int64, status AccountStatus, until *time.Time, reason string) (*ProviderAccount, error)

	UpdateReliability(ctx context.Context, providerID string, expectedVersion int64, score decimal.Decimal) (*ProviderAccount, error)

	AppendPenaltyHistory(ctx context.Context, providerID string, entry PenaltyHistoryEntry) error

	FindAccountsByStatus(ctx context.Context, status AccountStatus) ([]*ProviderAccount, error)
}

// =============================================================================
// BUNDLE
// =============================================================================

// Stores is implemented by every backend.
type Stores interface {
	BookingStore
	PenaltyStore
	AccountStore
}
