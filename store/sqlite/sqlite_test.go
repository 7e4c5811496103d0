package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/store/sqlite"
	"github.com/cortate/trust-engine/store/storetest"
)

func newStore(t *testing.T) *sqlite.Store {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Stores {
		return newStore(t)
	})
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trust.db")
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	// GIVEN: a booking written to a file database
	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateBooking(ctx, &domain.Booking{
		ID:              "b1",
		ClientID:        "client-1",
		ProviderID:      "prov-1",
		ScheduledAt:     at.Add(time.Hour),
		Amount:          domain.NewMoney(8000, "CLP"),
		Status:          domain.BookingConfirmed,
		CreatedAt:       at,
		StatusChangedAt: at,
	}))
	require.NoError(t, s.Close())

	// WHEN: the file is opened again
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	// THEN: the row and the schema survive
	got, err := s.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, got.Status)
	assert.True(t, got.ScheduledAt.Equal(at.Add(time.Hour)))
}

func TestSQLite_CorruptColumnsAreReported(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trust.db")
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	s, err := sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateAccount(ctx, &domain.ProviderAccount{
		ProviderID: "prov-1", OwnerID: "owner-1", Status: domain.AccountActive,
		ReliabilityScore: domain.MaxReliability,
	}))
	require.NoError(t, s.CreateBooking(ctx, &domain.Booking{
		ID: "b1", ClientID: "client-1", ProviderID: "prov-1",
		ScheduledAt: at.Add(time.Hour), Amount: domain.NewMoney(8000, "CLP"),
		Status: domain.BookingPending, CreatedAt: at, StatusChangedAt: at,
	}))

	// GIVEN: rows damaged outside the store
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, `UPDATE provider_accounts SET reliability_score = 'n/a' WHERE provider_id = 'prov-1'`)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `UPDATE bookings SET scheduled_at = 'yesterday' WHERE id = 'b1'`)
	require.NoError(t, err)

	// WHEN / THEN: reads fail instead of returning zero values
	_, err = s.GetAccount(ctx, "prov-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reliability_score")

	_, err = s.GetBooking(ctx, "b1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduled_at")
}
