/*
Package domain provides the core types of the booking and trust engine.

PURPOSE:
  This package contains the entities shared by every component: bookings,
  penalties, provider accounts, money and actors. Components (booking state
  machine, penalty calculator, account manager, appeal workflow, sweeper)
  depend on these types and on the store interfaces in store.go, never on
  each other's persistence.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: An amount with a currency (decimal, never float)
  - Booking: One scheduled service between a client and a provider
  - Penalty: One consequence applied (or pending) against a provider
  - ProviderAccount: The trust-relevant slice of a provider aggregate
  - Actor: Who is performing an operation

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for money and scores
  2. Type Safety: Enums are typed strings, IDs are plain strings (uuid text)
  3. Auditability: Nothing is deleted; terminal states are retained
  4. Explicit effects: A penalty's effects are separate sub-records

SEE ALSO:
  - status.go: State graphs for bookings, penalties and appeals
  - errors.go: Error taxonomy
  - store.go: Persistence contracts
*/
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// DefaultCurrency is used when a booking carries no explicit currency.
const DefaultCurrency = "CLP"

type Money struct {
	Amount   decimal.Decimal
	Currency string
}

func NewMoney(amount int64, currency string) Money {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{Amount: decimal.NewFromInt(amount), Currency: currency}
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// Percent returns pct (0.5 = 50%) of m, rounded to whole currency units.
func (m Money) Percent(pct decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(pct).Round(0), Currency: m.Currency}
}

// Scale multiplies by factor and rounds to whole currency units.
func (m Money) Scale(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor).Round(0), Currency: m.Currency}
}

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor identifies who performs an operation. ProviderID is set when the actor
// acts on behalf of a provider account.
type Actor struct {
	ID         string
	Role       Role
	ProviderID string
}

// SystemActor is used by the sweeper and other background work.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool  { return a.Role == RoleAdmin }
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// Owns reports whether the actor acts for the given provider.
func (a Actor) Owns(providerID string) bool {
	return a.Role == RoleProvider && a.ProviderID != "" && a.ProviderID == providerID
}

// =============================================================================
// BOOKING
// =============================================================================

type Booking struct {
	ID          string
	ClientID    string
	ProviderID  string
	ServiceType string
	ScheduledAt time.Time
	Amount      Money

	Status             BookingStatus
	CancelledBy        CancelledBy
	CancelledAt        *time.Time
	CancellationReason string

	// ConfirmedManually is set when the provider confirmed the booking.
	ConfirmedManually bool

	// PenaltyApplied prevents penalizing the same booking twice.
	PenaltyApplied bool

	CreatedAt       time.Time
	StatusChangedAt time.Time
}

type CancelledBy string

const (
	CancelledByNone     CancelledBy = ""
	CancelledByClient   CancelledBy = "client"
	CancelledByProvider CancelledBy = "provider"
	CancelledBySystem   CancelledBy = "system"
)

// LeadTime is the time left until the service at instant t.
func (b *Booking) LeadTime(t time.Time) time.Duration {
	return b.ScheduledAt.Sub(t)
}

// BookingPatch lists the fields a conditional update may set. Nil means
// unchanged.
type BookingPatch struct {
	Status             *BookingStatus
	CancelledBy        *CancelledBy
	CancelledAt        *time.Time
	CancellationReason *string
	ConfirmedManually  *bool
	PenaltyApplied     *bool
	StatusChangedAt    *time.Time
}

// Apply copies the set fields of p into b.
func (p BookingPatch) Apply(b *Booking) {
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.CancelledBy != nil {
		b.CancelledBy = *p.CancelledBy
	}
	if p.CancelledAt != nil {
		t := *p.CancelledAt
		b.CancelledAt = &t
	}
	if p.CancellationReason != nil {
		b.CancellationReason = *p.CancellationReason
	}
	if p.ConfirmedManually != nil {
		b.ConfirmedManually = *p.ConfirmedManually
	}
	if p.PenaltyApplied != nil {
		b.PenaltyApplied = *p.PenaltyApplied
	}
	if p.StatusChangedAt != nil {
		b.StatusChangedAt = *p.StatusChangedAt
	}
}

// =============================================================================
// PENALTY
// =============================================================================

type PenaltyType string

const (
	PenaltyNoShow           PenaltyType = "no_show"
	PenaltyLateCancellation PenaltyType = "late_cancellation"
	PenaltyRejection        PenaltyType = "rejection"
	PenaltyPoorService      PenaltyType = "poor_service"
	PenaltyPolicyViolation  PenaltyType = "policy_violation"
	PenaltyCustom           PenaltyType = "custom"
)

// PenaltyTypes lists every valid penalty type.
var PenaltyTypes = []PenaltyType{
	PenaltyNoShow, PenaltyLateCancellation, PenaltyRejection,
	PenaltyPoorService, PenaltyPolicyViolation, PenaltyCustom,
}

func (t PenaltyType) Valid() bool {
	for _, v := range PenaltyTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Weight is the contribution of a severity to the cumulative score.
func (s Severity) Weight() int {
	switch s {
	case SeverityModerate:
		return 3
	case SeveritySevere:
		return 5
	default:
		return 1
	}
}

// Escalate returns the next tier. Severe stays severe.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityMinor:
		return SeverityModerate
	default:
		return SeveritySevere
	}
}

func (s Severity) Valid() bool {
	return s == SeverityMinor || s == SeverityModerate || s == SeveritySevere
}

type MonetaryStatus string

const (
	MonetaryNone    MonetaryStatus = "none"
	MonetaryPending MonetaryStatus = "pending"
)

type MonetaryRecord struct {
	Amount          Money
	Status          MonetaryStatus
	RefundAmount    decimal.Decimal
	RefundProcessed bool
	RefundedAt      *time.Time
}

type SuspensionRecord struct {
	Days      int
	StartDate *time.Time
	EndDate   *time.Time
}

// ActiveAt reports whether the suspension window contains t.
func (s SuspensionRecord) ActiveAt(t time.Time) bool {
	return s.Days > 0 && s.EndDate != nil && s.EndDate.After(t)
}

type AppealRecord struct {
	Status      AppealStatus
	Reason      string
	Statement   string
	Evidence    []string
	SubmittedAt *time.Time
	SubmittedBy string
	ProcessedAt *time.Time
	ProcessedBy string
	AdminNotes  string
}

type Penalty struct {
	ID          string
	ProviderID  string
	BookingID   string // empty when not tied to a booking
	Type        PenaltyType
	Severity    Severity
	Status      PenaltyStatus
	Reason      string
	Description string

	Monetary   MonetaryRecord
	Suspension SuspensionRecord
	Appeal     AppealRecord

	ReputationImpact decimal.Decimal
	CumulativeScore  int

	AppliedBy   string
	AutoApplied bool

	CreatedAt          time.Time
	CancelledAt        *time.Time
	CancelledBy        string
	CancellationReason string
	ExpiredAt          *time.Time
}

// PenaltyPatch lists the fields a conditional update may set.
type PenaltyPatch struct {
	Status             *PenaltyStatus
	Suspension         *SuspensionRecord
	Appeal             *AppealRecord
	Monetary           *MonetaryRecord
	CancelledAt        *time.Time
	CancelledBy        *string
	CancellationReason *string
	ExpiredAt          *time.Time
}

func (p PenaltyPatch) Apply(pen *Penalty) {
	if p.Status != nil {
		pen.Status = *p.Status
	}
	if p.Suspension != nil {
		pen.Suspension = *p.Suspension
	}
	if p.Appeal != nil {
		pen.Appeal = *p.Appeal
	}
	if p.Monetary != nil {
		pen.Monetary = *p.Monetary
	}
	if p.CancelledAt != nil {
		t := *p.CancelledAt
		pen.CancelledAt = &t
	}
	if p.CancelledBy != nil {
		pen.CancelledBy = *p.CancelledBy
	}
	if p.CancellationReason != nil {
		pen.CancellationReason = *p.CancellationReason
	}
	if p.ExpiredAt != nil {
		t := *p.ExpiredAt
		pen.ExpiredAt = &t
	}
}

// PenaltyExpectation is the precondition of a penalty conditional update.
// AppealStatus is only checked when non-nil.
type PenaltyExpectation struct {
	Status       PenaltyStatus
	AppealStatus *AppealStatus
}

func (e PenaltyExpectation) Matches(p *Penalty) bool {
	if p.Status != e.Status {
		return false
	}
	if e.AppealStatus != nil && p.Appeal.Status != *e.AppealStatus {
		return false
	}
	return true
}

// =============================================================================
// PROVIDER ACCOUNT
// =============================================================================

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountWarning   AccountStatus = "warning"
	AccountBanned    AccountStatus = "banned"
)

// Reliability score bounds.
var (
	MaxReliability = decimal.NewFromInt(5)
	MinReliability = decimal.NewFromInt(1)
)

type ProviderAccount struct {
	ProviderID       string
	OwnerID          string
	BusinessName     string
	Status           AccountStatus
	SuspendedUntil   *time.Time
	SuspensionReason string
	ReliabilityScore decimal.Decimal
	PenaltyHistory   []PenaltyHistoryEntry

	// Version is bumped on every status or reliability write.
	Version int64
}

// CanAcceptBookings reports whether new bookings may be created.
func (a *ProviderAccount) CanAcceptBookings() bool {
	return a.Status != AccountSuspended && a.Status != AccountBanned
}

type PenaltyHistoryEntry struct {
	PenaltyID string
	Type      PenaltyType
	Severity  Severity
	AppliedAt time.Time
	Amount    decimal.Decimal
}
