// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	// HTTP
	HTTPAddr    string   `envconfig:"HTTP_ADDR" default:":8080"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`

	// Store
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:"trust.db"`
	DBMaxConns  int    `envconfig:"DB_MAX_CONNS" default:"10"`

	// Auth
	JWTSecret string `envconfig:"JWT_SECRET"`

	// Messaging. Empty disables the sink or lease.
	RabbitMQURL      string `envconfig:"RABBITMQ_URL"`
	RabbitMQExchange string `envconfig:"RABBITMQ_EXCHANGE" default:"trust.domain.events"`
	RedisURL         string `envconfig:"REDIS_URL"`

	// Sweeper
	SweepEnabled            bool          `envconfig:"SWEEP_ENABLED" default:"true"`
	SweepBookingInterval    time.Duration `envconfig:"SWEEP_BOOKING_INTERVAL" default:"5m"`
	SweepSuspensionInterval time.Duration `envconfig:"SWEEP_SUSPENSION_INTERVAL" default:"1h"`
	SweepLookback           time.Duration `envconfig:"SWEEP_LOOKBACK" default:"24h"`
	SweepLeaseTTL           time.Duration `envconfig:"SWEEP_LEASE_TTL" default:"5m"`

	// Penalty rules JSON; empty uses the built-in rules.
	RulesPath string `envconfig:"RULES_PATH"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads a .env file if one exists, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("TRUST", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.SweepBookingInterval <= 0 || c.SweepSuspensionInterval <= 0 {
		return fmt.Errorf("config: sweep intervals must be positive")
	}
	if c.SweepLookback <= 0 {
		return fmt.Errorf("config: SWEEP_LOOKBACK must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", c.LogLevel)
	}
	return lvl, nil
}

// AuthEnabled reports whether API requests must carry a bearer token.
func (c *Config) AuthEnabled() bool { return c.JWTSecret != "" }
