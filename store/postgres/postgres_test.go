package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/store/postgres"
	"github.com/cortate/trust-engine/store/storetest"
)

func setupTestDB(t *testing.T) *postgres.Store {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := postgres.Connect(ctx, dbURL, 4)
	if err != nil {
		t.Skipf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(s.Close)

	require.NoError(t, postgres.Truncate(ctx, s))
	return s
}

func TestPostgres(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Stores {
		return setupTestDB(t)
	})
}
