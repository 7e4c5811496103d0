/*
Package sqlite provides a SQLite-backed implementation of the store interfaces.

PURPOSE:
  Implements domain.Stores (bookings, penalties, provider accounts) using
  SQLite. store/postgres carries the same schema for PostgreSQL.

INTERFACES IMPLEMENTED:
  domain.BookingStore: Booking lookup and status compare-and-set
  domain.PenaltyStore: Penalties with the one-per-booking constraint
  domain.AccountStore: Provider accounts with version compare-and-set

CONDITIONAL UPDATES:
  Every mutating write reads the row, applies the patch in Go and writes it
  back with the precondition in the WHERE clause:
  - bookings:  WHERE id = ? AND status = ?
  - penalties: WHERE id = ? AND status = ? [AND appeal_status = ?]
  - accounts:  WHERE provider_id = ? AND version = ?
  Zero rows affected means the precondition failed
  (ErrConcurrentModification) or the row is missing (NotFoundError).

KEY TABLES:
  bookings:         Never deleted; terminal rows are kept
  penalties:        Never deleted; cancelled rows are kept
  provider_accounts: Status, reliability and version
  penalty_history:  Append-only entries per provider

INDEXES:
  - idx_penalties_one_per_booking: At most one non-cancelled penalty per
    booking (partial unique index)
  - idx_bookings_provider_status: Cascade lookups
  - idx_bookings_status_changed: Violation detection
  - idx_penalties_provider_created: History and listings

TIMESTAMPS:
  Stored as fixed-width UTC text so that string order is time order.

WAL MODE:
  Files are opened with WAL. ":memory:" databases are pinned to a single
  connection, since each connection would otherwise see its own database.

USAGE:
  store, err := sqlite.New("./data/trust.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - domain/store.go: Interface definitions
  - domain/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/domain"
)

// Store implements domain.Stores using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ domain.Stores = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"
	if dbPath == ":memory:" {
		dsn = ":memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		service_type TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancelled_at TEXT,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		confirmed_manually INTEGER NOT NULL DEFAULT 0,
		penalty_applied INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		status_changed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_provider_status
		ON bookings(provider_id, status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_bookings_status_changed
		ON bookings(status, status_changed_at) WHERE penalty_applied = 0;
	CREATE INDEX IF NOT EXISTS idx_bookings_pending_scheduled
		ON bookings(scheduled_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS penalties (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		booking_id TEXT,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		monetary_amount TEXT NOT NULL,
		monetary_currency TEXT NOT NULL DEFAULT '',
		monetary_status TEXT NOT NULL,
		refund_amount TEXT NOT NULL DEFAULT '0',
		refund_processed INTEGER NOT NULL DEFAULT 0,
		refunded_at TEXT,
		suspension_days INTEGER NOT NULL DEFAULT 0,
		suspension_start TEXT,
		suspension_end TEXT,
		appeal_status TEXT NOT NULL,
		appeal_submitted_at TEXT,
		appeal_json TEXT NOT NULL,
		reputation_impact TEXT NOT NULL,
		cumulative_score INTEGER NOT NULL DEFAULT 0,
		applied_by TEXT NOT NULL,
		auto_applied INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		cancelled_at TEXT,
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancellation_reason TEXT NOT NULL DEFAULT '',
		expired_at TEXT
	);

	-- At most one non-cancelled penalty per booking
	CREATE UNIQUE INDEX IF NOT EXISTS idx_penalties_one_per_booking
		ON penalties(booking_id)
		WHERE booking_id IS NOT NULL AND status != 'cancelled';

	CREATE INDEX IF NOT EXISTS idx_penalties_provider_created
		ON penalties(provider_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_penalties_suspension_end
		ON penalties(suspension_end) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_penalties_appeal_status
		ON penalties(appeal_status);

	CREATE TABLE IF NOT EXISTS provider_accounts (
		provider_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		business_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		suspended_until TEXT,
		suspension_reason TEXT NOT NULL DEFAULT '',
		reliability_score TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_status
		ON provider_accounts(status);

	CREATE TABLE IF NOT EXISTS penalty_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id TEXT NOT NULL REFERENCES provider_accounts(provider_id),
		penalty_id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		amount TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_provider
		ON penalty_history(provider_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BOOKINGS (domain.BookingStore)
// =============================================================================

const bookingColumns = `id, client_id, provider_id, service_type, scheduled_at, amount, currency,
	status, cancelled_by, cancelled_at, cancellation_reason, confirmed_manually,
	penalty_applied, created_at, status_changed_at`

func (s *Store) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBooking(ctx, s.db, id)
}

func (s *Store) getBooking(ctx context.Context, q querier, id string) (*domain.Booking, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query booking: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &domain.NotFoundError{Entity: "booking", ID: id}
	}
	return scanBooking(rows)
}

func (s *Store) CreateBooking(ctx context.Context, b *domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ClientID, b.ProviderID, b.ServiceType,
		formatTime(b.ScheduledAt), b.Amount.Amount.String(), b.Amount.Currency,
		b.Status, b.CancelledBy, formatTimePtr(b.CancelledAt), b.CancellationReason,
		b.ConfirmedManually, b.PenaltyApplied,
		formatTime(b.CreatedAt), formatTime(b.StatusChangedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("booking %s: %w", b.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (s *Store) ConditionalUpdateBooking(ctx context.Context, id string, expected domain.BookingStatus, patch domain.BookingPatch) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *domain.Booking
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := s.getBooking(ctx, tx, id)
		if err != nil {
			return err
		}
		if b.Status != expected {
			return domain.ErrConcurrentModification
		}
		patch.Apply(b)

		res, err := tx.ExecContext(ctx, `
			UPDATE bookings SET
				status = ?, cancelled_by = ?, cancelled_at = ?, cancellation_reason = ?,
				confirmed_manually = ?, penalty_applied = ?, status_changed_at = ?
			WHERE id = ? AND status = ?`,
			b.Status, b.CancelledBy, formatTimePtr(b.CancelledAt), b.CancellationReason,
			b.ConfirmedManually, b.PenaltyApplied, formatTime(b.StatusChangedAt),
			id, expected,
		)
		if err := expectOneRow(res, err); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (s *Store) FindBookingsByProvider(ctx context.Context, providerID string, statuses []domain.BookingStatus, r domain.TimeRange) ([]*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE provider_id = ? AND status IN (` + placeholders(len(statuses)) + `)`
	args := []any{providerID}
	args = append(args, statusArgs(statuses)...)
	if !r.From.IsZero() {
		query += ` AND scheduled_at >= ?`
		args = append(args, formatTime(r.From))
	}
	if !r.To.IsZero() {
		query += ` AND scheduled_at < ?`
		args = append(args, formatTime(r.To))
	}
	query += ` ORDER BY scheduled_at ASC, id ASC`
	return s.queryBookings(ctx, query, args...)
}

func (s *Store) FindExpiredPending(ctx context.Context, now time.Time) ([]*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND scheduled_at < ?
		ORDER BY scheduled_at ASC, id ASC`,
		domain.BookingPending, formatTime(now))
}

func (s *Store) FindUnpenalized(ctx context.Context, statuses []domain.BookingStatus, since time.Time) ([]*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	args := statusArgs(statuses)
	args = append(args, formatTime(since))
	return s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status IN (`+placeholders(len(statuses))+`)
		  AND status_changed_at >= ? AND penalty_applied = 0
		ORDER BY scheduled_at ASC, id ASC`, args...)
}

func (s *Store) CountByStatusSince(ctx context.Context, providerID string, status domain.BookingStatus, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings
		WHERE provider_id = ? AND status = ? AND status_changed_at >= ?`,
		providerID, status, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}
	return n, nil
}

func (s *Store) queryBookings(ctx context.Context, query string, args ...any) ([]*domain.Booking, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBooking(rows *sql.Rows) (*domain.Booking, error) {
	var (
		b                                 domain.Booking
		scheduledAt, createdAt, changedAt string
		amount                            string
		cancelledAt                       sql.NullString
	)
	err := rows.Scan(
		&b.ID, &b.ClientID, &b.ProviderID, &b.ServiceType, &scheduledAt, &amount, &b.Amount.Currency,
		&b.Status, &b.CancelledBy, &cancelledAt, &b.CancellationReason, &b.ConfirmedManually,
		&b.PenaltyApplied, &createdAt, &changedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan booking: %w", err)
	}
	var c columns
	b.ScheduledAt = c.time("scheduled_at", scheduledAt)
	b.CreatedAt = c.time("created_at", createdAt)
	b.StatusChangedAt = c.time("status_changed_at", changedAt)
	b.CancelledAt = c.timePtr("cancelled_at", cancelledAt)
	b.Amount.Amount = c.decimal("amount", amount)
	if c.err != nil {
		return nil, fmt.Errorf("corrupt booking %s: %w", b.ID, c.err)
	}
	return &b, nil
}

// =============================================================================
// PENALTIES (domain.PenaltyStore)
// =============================================================================

const penaltyColumns = `id, provider_id, booking_id, type, severity, status, reason, description,
	monetary_amount, monetary_currency, monetary_status, refund_amount, refund_processed, refunded_at,
	suspension_days, suspension_start, suspension_end, appeal_status, appeal_submitted_at, appeal_json,
	reputation_impact, cumulative_score, applied_by, auto_applied, created_at,
	cancelled_at, cancelled_by, cancellation_reason, expired_at`

func (s *Store) GetPenalty(ctx context.Context, id string) (*domain.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPenalty(ctx, s.db, id)
}

func (s *Store) getPenalty(ctx context.Context, q querier, id string) (*domain.Penalty, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+penaltyColumns+` FROM penalties WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query penalty: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &domain.NotFoundError{Entity: "penalty", ID: id}
	}
	return scanPenalty(rows)
}

func (s *Store) CreatePenalty(ctx context.Context, p *domain.Penalty) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appeal, err := json.Marshal(p.Appeal)
	if err != nil {
		return fmt.Errorf("failed to encode appeal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO penalties (`+penaltyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProviderID, nullString(p.BookingID), p.Type, p.Severity, p.Status, p.Reason, p.Description,
		p.Monetary.Amount.Amount.String(), p.Monetary.Amount.Currency, p.Monetary.Status,
		p.Monetary.RefundAmount.String(), p.Monetary.RefundProcessed, formatTimePtr(p.Monetary.RefundedAt),
		p.Suspension.Days, formatTimePtr(p.Suspension.StartDate), formatTimePtr(p.Suspension.EndDate),
		appealStatus(p), formatTimePtr(p.Appeal.SubmittedAt), string(appeal),
		p.ReputationImpact.String(), p.CumulativeScore, p.AppliedBy, p.AutoApplied, formatTime(p.CreatedAt),
		formatTimePtr(p.CancelledAt), p.CancelledBy, p.CancellationReason, formatTimePtr(p.ExpiredAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "booking_id") {
				return fmt.Errorf("booking %s: %w", p.BookingID, domain.ErrDuplicatePenalty)
			}
			return fmt.Errorf("penalty %s: %w", p.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert penalty: %w", err)
	}
	return nil
}

func (s *Store) ConditionalUpdatePenalty(ctx context.Context, id string, expect domain.PenaltyExpectation, patch domain.PenaltyPatch) (*domain.Penalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *domain.Penalty
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := s.getPenalty(ctx, tx, id)
		if err != nil {
			return err
		}
		if !expect.Matches(p) {
			return domain.ErrConcurrentModification
		}
		prevAppeal := appealStatus(p)
		patch.Apply(p)

		appeal, err := json.Marshal(p.Appeal)
		if err != nil {
			return fmt.Errorf("failed to encode appeal: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE penalties SET
				status = ?, monetary_amount = ?, monetary_currency = ?, monetary_status = ?,
				refund_amount = ?, refund_processed = ?, refunded_at = ?,
				suspension_days = ?, suspension_start = ?, suspension_end = ?,
				appeal_status = ?, appeal_submitted_at = ?, appeal_json = ?,
				cancelled_at = ?, cancelled_by = ?, cancellation_reason = ?, expired_at = ?
			WHERE id = ? AND status = ? AND appeal_status = ?`,
			p.Status, p.Monetary.Amount.Amount.String(), p.Monetary.Amount.Currency, p.Monetary.Status,
			p.Monetary.RefundAmount.String(), p.Monetary.RefundProcessed, formatTimePtr(p.Monetary.RefundedAt),
			p.Suspension.Days, formatTimePtr(p.Suspension.StartDate), formatTimePtr(p.Suspension.EndDate),
			appealStatus(p), formatTimePtr(p.Appeal.SubmittedAt), string(appeal),
			formatTimePtr(p.CancelledAt), p.CancelledBy, p.CancellationReason, formatTimePtr(p.ExpiredAt),
			id, expect.Status, prevAppeal,
		)
		if err := expectOneRow(res, err); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Store) FindActivePenalties(ctx context.Context, providerID string) ([]*domain.Penalty, error) {
	return s.ListPenalties(ctx, domain.PenaltyFilter{ProviderID: providerID, Status: domain.PenaltyActive})
}

func (s *Store) FindPenaltiesByProvider(ctx context.Context, providerID string, since time.Time) ([]*domain.Penalty, error) {
	return s.ListPenalties(ctx, domain.PenaltyFilter{ProviderID: providerID, Since: &since})
}

func (s *Store) FindExpiredSuspensions(ctx context.Context, now time.Time) ([]*domain.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPenalties(ctx, `SELECT `+penaltyColumns+` FROM penalties
		WHERE status = ? AND suspension_days > 0
		  AND suspension_end IS NOT NULL AND suspension_end < ?
		ORDER BY created_at DESC, id ASC`,
		domain.PenaltyActive, formatTime(now))
}

func (s *Store) FindPendingAppeals(ctx context.Context) ([]*domain.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPenalties(ctx, `SELECT `+penaltyColumns+` FROM penalties
		WHERE appeal_status = ?
		ORDER BY COALESCE(appeal_submitted_at, created_at) ASC, id ASC`,
		domain.AppealPending)
}

func (s *Store) ListPenalties(ctx context.Context, f domain.PenaltyFilter) ([]*domain.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.Since))
	}
	query := `SELECT ` + penaltyColumns + ` FROM penalties`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`
	return s.queryPenalties(ctx, query, args...)
}

func (s *Store) queryPenalties(ctx context.Context, query string, args ...any) ([]*domain.Penalty, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query penalties: %w", err)
	}
	defer rows.Close()

	var out []*domain.Penalty
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPenalty(rows *sql.Rows) (*domain.Penalty, error) {
	var (
		p                                         domain.Penalty
		bookingID                                 sql.NullString
		amount, refund, impact, createdAt         string
		appealState                               string
		appealJSON                                string
		refundedAt, suspStart, suspEnd, submitted sql.NullString
		cancelledAt, expiredAt                    sql.NullString
	)
	err := rows.Scan(
		&p.ID, &p.ProviderID, &bookingID, &p.Type, &p.Severity, &p.Status, &p.Reason, &p.Description,
		&amount, &p.Monetary.Amount.Currency, &p.Monetary.Status, &refund, &p.Monetary.RefundProcessed, &refundedAt,
		&p.Suspension.Days, &suspStart, &suspEnd, &appealState, &submitted, &appealJSON,
		&impact, &p.CumulativeScore, &p.AppliedBy, &p.AutoApplied, &createdAt,
		&cancelledAt, &p.CancelledBy, &p.CancellationReason, &expiredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan penalty: %w", err)
	}
	if err := json.Unmarshal([]byte(appealJSON), &p.Appeal); err != nil {
		return nil, fmt.Errorf("failed to decode appeal of %s: %w", p.ID, err)
	}
	p.Appeal.Status = domain.AppealStatus(appealState)
	p.BookingID = bookingID.String
	var c columns
	p.Monetary.Amount.Amount = c.decimal("amount", amount)
	p.Monetary.RefundAmount = c.decimal("refund_amount", refund)
	p.Monetary.RefundedAt = c.timePtr("refunded_at", refundedAt)
	p.Suspension.StartDate = c.timePtr("suspension_start", suspStart)
	p.Suspension.EndDate = c.timePtr("suspension_end", suspEnd)
	p.ReputationImpact = c.decimal("reputation_impact", impact)
	p.CreatedAt = c.time("created_at", createdAt)
	p.CancelledAt = c.timePtr("cancelled_at", cancelledAt)
	p.ExpiredAt = c.timePtr("expired_at", expiredAt)
	if c.err != nil {
		return nil, fmt.Errorf("corrupt penalty %s: %w", p.ID, c.err)
	}
	return &p, nil
}

func appealStatus(p *domain.Penalty) domain.AppealStatus {
	if p.Appeal.Status == "" {
		return domain.AppealNone
	}
	return p.Appeal.Status
}

// =============================================================================
// PROVIDER ACCOUNTS (domain.AccountStore)
// =============================================================================

const accountColumns = `provider_id, owner_id, business_name, status, suspended_until,
	suspension_reason, reliability_score, version`

func (s *Store) GetAccount(ctx context.Context, providerID string) (*domain.ProviderAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(ctx, s.db, providerID)
}

func (s *Store) getAccount(ctx context.Context, q querier, providerID string) (*domain.ProviderAccount, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+accountColumns+` FROM provider_accounts WHERE provider_id = ?`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	if !rows.Next() {
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &domain.NotFoundError{Entity: "provider", ID: providerID}
	}
	a, err := scanAccount(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if a.PenaltyHistory, err = s.history(ctx, q, providerID); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) history(ctx context.Context, q querier, providerID string) ([]domain.PenaltyHistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT penalty_id, type, severity, applied_at, amount
		FROM penalty_history WHERE provider_id = ? ORDER BY seq ASC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query penalty history: %w", err)
	}
	defer rows.Close()

	var out []domain.PenaltyHistoryEntry
	for rows.Next() {
		var (
			e               domain.PenaltyHistoryEntry
			appliedAt, amnt string
		)
		if err := rows.Scan(&e.PenaltyID, &e.Type, &e.Severity, &appliedAt, &amnt); err != nil {
			return nil, fmt.Errorf("failed to scan penalty history: %w", err)
		}
		var c columns
		e.AppliedAt = c.time("applied_at", appliedAt)
		e.Amount = c.decimal("amount", amnt)
		if c.err != nil {
			return nil, fmt.Errorf("corrupt penalty history of %s: %w", providerID, c.err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateAccount(ctx context.Context, a *domain.ProviderAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ProviderID, a.OwnerID, a.BusinessName, a.Status, formatTimePtr(a.SuspendedUntil),
		a.SuspensionReason, a.ReliabilityScore.String(), a.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("provider %s: %w", a.ProviderID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *Store) UpdateAccountStatus(ctx context.Context, providerID string, expectedVersion int64, status domain.AccountStatus, until *time.Time, reason string) (*domain.ProviderAccount, error) {
	return s.updateAccount(ctx, providerID, expectedVersion,
		`status = ?, suspended_until = ?, suspension_reason = ?`,
		status, formatTimePtr(until), reason)
}

func (s *Store) UpdateReliability(ctx context.Context, providerID string, expectedVersion int64, score decimal.Decimal) (*domain.ProviderAccount, error) {
	return s.updateAccount(ctx, providerID, expectedVersion, `reliability_score = ?`, score.String())
}

func (s *Store) updateAccount(ctx context.Context, providerID string, expectedVersion int64, set string, args ...any) (*domain.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *domain.ProviderAccount
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		args = append(args, providerID, expectedVersion)
		res, err := tx.ExecContext(ctx,
			`UPDATE provider_accounts SET `+set+`, version = version + 1
			 WHERE provider_id = ? AND version = ?`, args...)
		if err := expectOneRow(res, err); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				if _, gerr := s.getAccount(ctx, tx, providerID); domain.IsNotFound(gerr) {
					return gerr
				}
			}
			return err
		}
		out, err = s.getAccount(ctx, tx, providerID)
		return err
	})
	return out, err
}

func (s *Store) AppendPenaltyHistory(ctx context.Context, providerID string, e domain.PenaltyHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getAccount(ctx, tx, providerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO penalty_history (provider_id, penalty_id, type, severity, applied_at, amount)
			VALUES (?, ?, ?, ?, ?, ?)`,
			providerID, e.PenaltyID, e.Type, e.Severity, formatTime(e.AppliedAt), e.Amount.String())
		if err != nil {
			return fmt.Errorf("failed to append penalty history: %w", err)
		}
		return nil
	})
}

func (s *Store) FindAccountsByStatus(ctx context.Context, status domain.AccountStatus) ([]*domain.ProviderAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM provider_accounts
		WHERE status = ? ORDER BY provider_id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	var out []*domain.ProviderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, a := range out {
		if a.PenaltyHistory, err = s.history(ctx, s.db, a.ProviderID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanAccount(rows *sql.Rows) (*domain.ProviderAccount, error) {
	var (
		a              domain.ProviderAccount
		suspendedUntil sql.NullString
		score          string
	)
	err := rows.Scan(&a.ProviderID, &a.OwnerID, &a.BusinessName, &a.Status, &suspendedUntil,
		&a.SuspensionReason, &score, &a.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	var c columns
	a.SuspendedUntil = c.timePtr("suspended_until", suspendedUntil)
	a.ReliabilityScore = c.decimal("reliability_score", score)
	if c.err != nil {
		return nil, fmt.Errorf("corrupt account %s: %w", a.ProviderID, c.err)
	}
	return &a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// expectOneRow turns "no row matched the precondition" into
// ErrConcurrentModification.
func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

// timeLayout is fixed width so that text order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// columns parses the text columns of one row and keeps the first failure.
type columns struct {
	err error
}

func (c *columns) time(name, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("column %s: %w", name, err)
	}
	return t
}

func (c *columns) timePtr(name string, s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := c.time(name, s.String)
	return &t
}

func (c *columns) decimal(name, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("column %s: %w", name, err)
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []domain.BookingStatus) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return args
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
