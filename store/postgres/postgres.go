/*
Package postgres provides a PostgreSQL implementation of the store interfaces.

PURPOSE:
  Implements domain.Stores on a pgx connection pool for deployments that
  run more than one engine process against shared state.

CONDITIONAL UPDATES:
  Every mutating write locks the row with SELECT ... FOR UPDATE inside a
  transaction, checks the precondition in Go, applies the patch and writes
  it back. Account writes additionally guard on version in the WHERE
  clause. A failed precondition returns ErrConcurrentModification.

SCHEMA:
  Same tables as store/sqlite, with TIMESTAMPTZ, NUMERIC and JSONB
  columns. Numeric columns are read back as text so decimals keep their
  exact representation.

SEE ALSO:
  - store/sqlite: Single-process backend
  - store/storetest: Shared behavior suite
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cortate/trust-engine/domain"
)

const uniqueViolation = "23505"

// Store implements domain.Stores using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.Stores = (*Store)(nil)

// Connect opens a pool for url, verifies it and migrates the schema.
func Connect(ctx context.Context, url string, maxConns int) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is required for PostgreSQL")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool and migrates the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		service_type TEXT NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancelled_at TIMESTAMPTZ,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		confirmed_manually BOOLEAN NOT NULL DEFAULT FALSE,
		penalty_applied BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		status_changed_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_provider_status
		ON bookings(provider_id, status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_bookings_status_changed
		ON bookings(status, status_changed_at) WHERE NOT penalty_applied;
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
		monetary_amount NUMERIC NOT NULL,
		monetary_currency TEXT NOT NULL DEFAULT '',
		monetary_status TEXT NOT NULL,
		refund_amount NUMERIC NOT NULL DEFAULT 0,
		refund_processed BOOLEAN NOT NULL DEFAULT FALSE,
		refunded_at TIMESTAMPTZ,
		suspension_days INTEGER NOT NULL DEFAULT 0,
		suspension_start TIMESTAMPTZ,
		suspension_end TIMESTAMPTZ,
		appeal_status TEXT NOT NULL,
		appeal_submitted_at TIMESTAMPTZ,
		appeal JSONB NOT NULL,
		reputation_impact NUMERIC NOT NULL,
		cumulative_score INTEGER NOT NULL DEFAULT 0,
		applied_by TEXT NOT NULL,
		auto_applied BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		cancelled_at TIMESTAMPTZ,
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancellation_reason TEXT NOT NULL DEFAULT '',
		expired_at TIMESTAMPTZ
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_penalties_one_per_booking
		ON penalties(booking_id)
		WHERE booking_id IS NOT NULL AND status <> 'cancelled';
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
		suspended_until TIMESTAMPTZ,
		suspension_reason TEXT NOT NULL DEFAULT '',
		reliability_score NUMERIC NOT NULL,
		version BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_status ON provider_accounts(status);

	CREATE TABLE IF NOT EXISTS penalty_history (
		seq BIGSERIAL PRIMARY KEY,
		provider_id TEXT NOT NULL REFERENCES provider_accounts(provider_id),
		penalty_id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		amount NUMERIC NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_provider ON penalty_history(provider_id, seq);
	`)
	return err
}

// Truncate empties every table. Used by integration tests.
func Truncate(ctx context.Context, s *Store) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE penalty_history, provider_accounts, penalties, bookings`)
	return err
}

// executor is satisfied by *pgxpool.Pool and pgx.Tx.
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, client_id, provider_id, service_type, scheduled_at, amount::text, currency,
	status, cancelled_by, cancelled_at, cancellation_reason, confirmed_manually,
	penalty_applied, created_at, status_changed_at`

const bookingInsertColumns = `id, client_id, provider_id, service_type, scheduled_at, amount, currency,
	status, cancelled_by, cancelled_at, cancellation_reason, confirmed_manually,
	penalty_applied, created_at, status_changed_at`

func (s *Store) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	return getBooking(ctx, s.pool, id, "")
}

func getBooking(ctx context.Context, q executor, id, lock string) (*domain.Booking, error) {
	b, err := scanBooking(q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "booking", ID: id}
	}
	return b, err
}

func (s *Store) CreateBooking(ctx context.Context, b *domain.Booking) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bookings (`+bookingInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.ID, b.ClientID, b.ProviderID, b.ServiceType,
		b.ScheduledAt, b.Amount.Amount.String(), b.Amount.Currency,
		string(b.Status), string(b.CancelledBy), b.CancelledAt, b.CancellationReason,
		b.ConfirmedManually, b.PenaltyApplied, b.CreatedAt, b.StatusChangedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("booking %s: %w", b.ID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (s *Store) ConditionalUpdateBooking(ctx context.Context, id string, expected domain.BookingStatus, patch domain.BookingPatch) (*domain.Booking, error) {
	var out *domain.Booking
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBooking(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if b.Status != expected {
			return domain.ErrConcurrentModification
		}
		patch.Apply(b)

		tag, err := tx.Exec(ctx, `
			UPDATE bookings SET
				status = $1, cancelled_by = $2, cancelled_at = $3, cancellation_reason = $4,
				confirmed_manually = $5, penalty_applied = $6, status_changed_at = $7
			WHERE id = $8 AND status = $9`,
			string(b.Status), string(b.CancelledBy), b.CancelledAt, b.CancellationReason,
			b.ConfirmedManually, b.PenaltyApplied, b.StatusChangedAt,
			id, string(expected),
		)
		if err := expectOneRow(tag, err); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (s *Store) FindBookingsByProvider(ctx context.Context, providerID string, statuses []domain.BookingStatus, r domain.TimeRange) ([]*domain.Booking, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE provider_id = $1 AND status = ANY($2)`
	args := []any{providerID, statusStrings(statuses)}
	if !r.From.IsZero() {
		args = append(args, r.From)
		query += fmt.Sprintf(` AND scheduled_at >= $%d`, len(args))
	}
	if !r.To.IsZero() {
		args = append(args, r.To)
		query += fmt.Sprintf(` AND scheduled_at < $%d`, len(args))
	}
	query += ` ORDER BY scheduled_at ASC, id ASC`
	return s.queryBookings(ctx, query, args...)
}

func (s *Store) FindExpiredPending(ctx context.Context, now time.Time) ([]*domain.Booking, error) {
	return s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = $1 AND scheduled_at < $2
		ORDER BY scheduled_at ASC, id ASC`,
		string(domain.BookingPending), now)
}

func (s *Store) FindUnpenalized(ctx context.Context, statuses []domain.BookingStatus, since time.Time) ([]*domain.Booking, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = ANY($1) AND status_changed_at >= $2 AND NOT penalty_applied
		ORDER BY scheduled_at ASC, id ASC`,
		statusStrings(statuses), since)
}

func (s *Store) CountByStatusSince(ctx context.Context, providerID string, status domain.BookingStatus, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bookings
		WHERE provider_id = $1 AND status = $2 AND status_changed_at >= $3`,
		providerID, string(status), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}
	return n, nil
}

func (s *Store) queryBookings(ctx context.Context, query string, args ...any) ([]*domain.Booking, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b      domain.Booking
		amount string
	)
	err := row.Scan(
		&b.ID, &b.ClientID, &b.ProviderID, &b.ServiceType, &b.ScheduledAt, &amount, &b.Amount.Currency,
		&b.Status, &b.CancelledBy, &b.CancelledAt, &b.CancellationReason, &b.ConfirmedManually,
		&b.PenaltyApplied, &b.CreatedAt, &b.StatusChangedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan booking: %w", err)
	}
	if b.Amount.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, fmt.Errorf("corrupt booking %s: %w", b.ID, err)
	}
	b.ScheduledAt = b.ScheduledAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.StatusChangedAt = b.StatusChangedAt.UTC()
	b.CancelledAt = utc(b.CancelledAt)
	return &b, nil
}

// =============================================================================
// PENALTIES
// =============================================================================

const penaltyColumns = `id, provider_id, booking_id, type, severity, status, reason, description,
	monetary_amount::text, monetary_currency, monetary_status, refund_amount::text, refund_processed, refunded_at,
	suspension_days, suspension_start, suspension_end, appeal_status, appeal,
	reputation_impact::text, cumulative_score, applied_by, auto_applied, created_at,
	cancelled_at, cancelled_by, cancellation_reason, expired_at`

const penaltyInsertColumns = `id, provider_id, booking_id, type, severity, status, reason, description,
	monetary_amount, monetary_currency, monetary_status, refund_amount, refund_processed, refunded_at,
	suspension_days, suspension_start, suspension_end, appeal_status, appeal_submitted_at, appeal,
	reputation_impact, cumulative_score, applied_by, auto_applied, created_at,
	cancelled_at, cancelled_by, cancellation_reason, expired_at`

func (s *Store) GetPenalty(ctx context.Context, id string) (*domain.Penalty, error) {
	return getPenalty(ctx, s.pool, id, "")
}

func getPenalty(ctx context.Context, q executor, id, lock string) (*domain.Penalty, error) {
	p, err := scanPenalty(q.QueryRow(ctx, `SELECT `+penaltyColumns+` FROM penalties WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "penalty", ID: id}
	}
	return p, err
}

func (s *Store) CreatePenalty(ctx context.Context, p *domain.Penalty) error {
	appeal, err := json.Marshal(p.Appeal)
	if err != nil {
		return fmt.Errorf("failed to encode appeal: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO penalties (`+penaltyInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		p.ID, p.ProviderID, nullable(p.BookingID), string(p.Type), string(p.Severity), string(p.Status), p.Reason, p.Description,
		p.Monetary.Amount.Amount.String(), p.Monetary.Amount.Currency, string(p.Monetary.Status),
		p.Monetary.RefundAmount.String(), p.Monetary.RefundProcessed, p.Monetary.RefundedAt,
		p.Suspension.Days, p.Suspension.StartDate, p.Suspension.EndDate,
		string(appealStatus(p)), p.Appeal.SubmittedAt, appeal,
		p.ReputationImpact.String(), p.CumulativeScore, p.AppliedBy, p.AutoApplied, p.CreatedAt,
		p.CancelledAt, p.CancelledBy, p.CancellationReason, p.ExpiredAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "idx_penalties_one_per_booking" {
				return fmt.Errorf("booking %s: %w", p.BookingID, domain.ErrDuplicatePenalty)
			}
			return fmt.Errorf("penalty %s: %w", p.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert penalty: %w", err)
	}
	return nil
}

func (s *Store) ConditionalUpdatePenalty(ctx context.Context, id string, expect domain.PenaltyExpectation, patch domain.PenaltyPatch) (*domain.Penalty, error) {
	var out *domain.Penalty
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := getPenalty(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if !expect.Matches(p) {
			return domain.ErrConcurrentModification
		}
		patch.Apply(p)

		appeal, err := json.Marshal(p.Appeal)
		if err != nil {
			return fmt.Errorf("failed to encode appeal: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE penalties SET
				status = $1, monetary_amount = $2, monetary_currency = $3, monetary_status = $4,
				refund_amount = $5, refund_processed = $6, refunded_at = $7,
				suspension_days = $8, suspension_start = $9, suspension_end = $10,
				appeal_status = $11, appeal_submitted_at = $12, appeal = $13,
				cancelled_at = $14, cancelled_by = $15, cancellation_reason = $16, expired_at = $17
			WHERE id = $18`,
			string(p.Status), p.Monetary.Amount.Amount.String(), p.Monetary.Amount.Currency, string(p.Monetary.Status),
			p.Monetary.RefundAmount.String(), p.Monetary.RefundProcessed, p.Monetary.RefundedAt,
			p.Suspension.Days, p.Suspension.StartDate, p.Suspension.EndDate,
			string(appealStatus(p)), p.Appeal.SubmittedAt, appeal,
			p.CancelledAt, p.CancelledBy, p.CancellationReason, p.ExpiredAt,
			id,
		)
		if err := expectOneRow(tag, err); err != nil {
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
	return s.queryPenalties(ctx, `SELECT `+penaltyColumns+` FROM penalties
		WHERE status = $1 AND suspension_days > 0
		  AND suspension_end IS NOT NULL AND suspension_end < $2
		ORDER BY created_at DESC, id ASC`,
		string(domain.PenaltyActive), now)
}

func (s *Store) FindPendingAppeals(ctx context.Context) ([]*domain.Penalty, error) {
	return s.queryPenalties(ctx, `SELECT `+penaltyColumns+` FROM penalties
		WHERE appeal_status = $1
		ORDER BY COALESCE(appeal_submitted_at, created_at) ASC, id ASC`,
		string(domain.AppealPending))
}

func (s *Store) ListPenalties(ctx context.Context, f domain.PenaltyFilter) ([]*domain.Penalty, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ProviderID != "" {
		add("provider_id = $%d", f.ProviderID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	query := `SELECT ` + penaltyColumns + ` FROM penalties`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`
	return s.queryPenalties(ctx, query, args...)
}

func (s *Store) queryPenalties(ctx context.Context, query string, args ...any) ([]*domain.Penalty, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func scanPenalty(row pgx.Row) (*domain.Penalty, error) {
	var (
		p                      domain.Penalty
		bookingID              *string
		amount, refund, impact string
		appealState            string
		appeal                 []byte
	)
	err := row.Scan(
		&p.ID, &p.ProviderID, &bookingID, &p.Type, &p.Severity, &p.Status, &p.Reason, &p.Description,
		&amount, &p.Monetary.Amount.Currency, &p.Monetary.Status, &refund, &p.Monetary.RefundProcessed, &p.Monetary.RefundedAt,
		&p.Suspension.Days, &p.Suspension.StartDate, &p.Suspension.EndDate, &appealState, &appeal,
		&impact, &p.CumulativeScore, &p.AppliedBy, &p.AutoApplied, &p.CreatedAt,
		&p.CancelledAt, &p.CancelledBy, &p.CancellationReason, &p.ExpiredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan penalty: %w", err)
	}
	if err := json.Unmarshal(appeal, &p.Appeal); err != nil {
		return nil, fmt.Errorf("failed to decode appeal of %s: %w", p.ID, err)
	}
	p.Appeal.Status = domain.AppealStatus(appealState)
	p.Appeal.SubmittedAt = utc(p.Appeal.SubmittedAt)
	p.Appeal.ProcessedAt = utc(p.Appeal.ProcessedAt)
	if bookingID != nil {
		p.BookingID = *bookingID
	}
	var amtErr, refundErr, impactErr error
	p.Monetary.Amount.Amount, amtErr = parseDecimal("amount", amount)
	p.Monetary.RefundAmount, refundErr = parseDecimal("refund_amount", refund)
	p.ReputationImpact, impactErr = parseDecimal("reputation_impact", impact)
	if err := errors.Join(amtErr, refundErr, impactErr); err != nil {
		return nil, fmt.Errorf("corrupt penalty %s: %w", p.ID, err)
	}
	p.Monetary.RefundedAt = utc(p.Monetary.RefundedAt)
	p.Suspension.StartDate = utc(p.Suspension.StartDate)
	p.Suspension.EndDate = utc(p.Suspension.EndDate)
	p.CreatedAt = p.CreatedAt.UTC()
	p.CancelledAt = utc(p.CancelledAt)
	p.ExpiredAt = utc(p.ExpiredAt)
	return &p, nil
}

func appealStatus(p *domain.Penalty) domain.AppealStatus {
	if p.Appeal.Status == "" {
		return domain.AppealNone
	}
	return p.Appeal.Status
}

// =============================================================================
// PROVIDER ACCOUNTS
// =============================================================================

const accountColumns = `provider_id, owner_id, business_name, status, suspended_until,
	suspension_reason, reliability_score::text, version`

func (s *Store) GetAccount(ctx context.Context, providerID string) (*domain.ProviderAccount, error) {
	return getAccount(ctx, s.pool, providerID)
}

func getAccount(ctx context.Context, q executor, providerID string) (*domain.ProviderAccount, error) {
	a, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM provider_accounts WHERE provider_id = $1`, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "provider", ID: providerID}
	}
	if err != nil {
		return nil, err
	}
	if a.PenaltyHistory, err = history(ctx, q, providerID); err != nil {
		return nil, err
	}
	return a, nil
}

func history(ctx context.Context, q executor, providerID string) ([]domain.PenaltyHistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT penalty_id, type, severity, applied_at, amount::text
		FROM penalty_history WHERE provider_id = $1 ORDER BY seq ASC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query penalty history: %w", err)
	}
	defer rows.Close()

	var out []domain.PenaltyHistoryEntry
	for rows.Next() {
		var (
			e      domain.PenaltyHistoryEntry
			amount string
		)
		if err := rows.Scan(&e.PenaltyID, &e.Type, &e.Severity, &e.AppliedAt, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan penalty history: %w", err)
		}
		e.AppliedAt = e.AppliedAt.UTC()
		if e.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, fmt.Errorf("corrupt penalty history of %s: %w", providerID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateAccount(ctx context.Context, a *domain.ProviderAccount) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO provider_accounts
		(provider_id, owner_id, business_name, status, suspended_until, suspension_reason, reliability_score, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ProviderID, a.OwnerID, a.BusinessName, string(a.Status), a.SuspendedUntil,
		a.SuspensionReason, a.ReliabilityScore.String(), a.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("provider %s: %w", a.ProviderID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *Store) UpdateAccountStatus(ctx context.Context, providerID string, expectedVersion int64, status domain.AccountStatus, until *time.Time, reason string) (*domain.ProviderAccount, error) {
	return s.updateAccount(ctx, providerID, expectedVersion,
		`status = $3, suspended_until = $4, suspension_reason = $5`,
		string(status), until, reason)
}

func (s *Store) UpdateReliability(ctx context.Context, providerID string, expectedVersion int64, score decimal.Decimal) (*domain.ProviderAccount, error) {
	return s.updateAccount(ctx, providerID, expectedVersion, `reliability_score = $3`, score.String())
}

// updateAccount runs set with providerID as $1 and expectedVersion as $2.
func (s *Store) updateAccount(ctx context.Context, providerID string, expectedVersion int64, set string, args ...any) (*domain.ProviderAccount, error) {
	var out *domain.ProviderAccount
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE provider_accounts SET `+set+`, version = version + 1
			 WHERE provider_id = $1 AND version = $2`,
			append([]any{providerID, expectedVersion}, args...)...)
		if err := expectOneRow(tag, err); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				if _, gerr := getAccount(ctx, tx, providerID); domain.IsNotFound(gerr) {
					return gerr
				}
			}
			return err
		}
		out, err = getAccount(ctx, tx, providerID)
		return err
	})
	return out, err
}

func (s *Store) AppendPenaltyHistory(ctx context.Context, providerID string, e domain.PenaltyHistoryEntry) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO penalty_history (provider_id, penalty_id, type, severity, applied_at, amount)
		SELECT provider_id, $2, $3, $4, $5, $6 FROM provider_accounts WHERE provider_id = $1`,
		providerID, e.PenaltyID, string(e.Type), string(e.Severity), e.AppliedAt, e.Amount.String())
	if err != nil {
		return fmt.Errorf("failed to append penalty history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "provider", ID: providerID}
	}
	return nil
}

func (s *Store) FindAccountsByStatus(ctx context.Context, status domain.AccountStatus) ([]*domain.ProviderAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM provider_accounts
		WHERE status = $1 ORDER BY provider_id ASC`, string(status))
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
		if a.PenaltyHistory, err = history(ctx, s.pool, a.ProviderID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanAccount(row pgx.Row) (*domain.ProviderAccount, error) {
	var (
		a     domain.ProviderAccount
		score string
	)
	err := row.Scan(&a.ProviderID, &a.OwnerID, &a.BusinessName, &a.Status, &a.SuspendedUntil,
		&a.SuspensionReason, &score, &a.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.SuspendedUntil = utc(a.SuspendedUntil)
	if a.ReliabilityScore, err = parseDecimal("reliability_score", score); err != nil {
		return nil, fmt.Errorf("corrupt account %s: %w", a.ProviderID, err)
	}
	return &a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func expectOneRow(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func statusStrings(statuses []domain.BookingStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("column %s: %w", column, err)
	}
	return d, nil
}
