package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortate/trust-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load()

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, config.DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 5*time.Minute, cfg.SweepBookingInterval)
	assert.Equal(t, time.Hour, cfg.SweepSuspensionInterval)
	assert.Equal(t, 24*time.Hour, cfg.SweepLookback)
	assert.True(t, cfg.SweepEnabled)
	assert.False(t, cfg.AuthEnabled())
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSOrigins)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TRUST_STORE_DRIVER", "postgres")
	t.Setenv("TRUST_DATABASE_URL", "postgres://trust@localhost/trust")
	t.Setenv("TRUST_SWEEP_LOOKBACK", "48h")
	t.Setenv("TRUST_JWT_SECRET", "s3cret")
	t.Setenv("TRUST_LOG_LEVEL", "debug")

	cfg, err := config.Load()

	require.NoError(t, err)
	assert.Equal(t, config.DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 48*time.Hour, cfg.SweepLookback)
	assert.True(t, cfg.AuthEnabled())
	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "TRUST_STORE_DRIVER", "mongo"},
		{"bad duration", "TRUST_SWEEP_LOOKBACK", "soon"},
		{"zero interval", "TRUST_SWEEP_BOOKING_INTERVAL", "0s"},
		{"bad level", "TRUST_LOG_LEVEL", "loud"},
		{"bad format", "TRUST_LOG_FORMAT", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.val)

			_, err := config.Load()

			assert.Error(t, err)
		})
	}
}
