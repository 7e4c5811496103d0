/*
main.go - Application entry point

PURPOSE:
  Wires the trust engine together and exposes it as a CLI.

COMMANDS:
  serve   Run the HTTP API and the background sweeper
  sweep   Run the sweeper passes once and print the report
  rules   Print the effective penalty rules as JSON
  token   Mint a bearer token for an actor

STARTUP SEQUENCE (serve):
  1. Load configuration (.env, then TRUST_* environment)
  2. Open the store selected by TRUST_STORE_DRIVER
  3. Load penalty rules (TRUST_RULES_PATH or built-in)
  4. Build event sinks (log, plus RabbitMQ when configured)
  5. Build the booking machine, account manager, penalty service,
     appeal workflow and sweeper
  6. Start the sweeper scheduler and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and wait for running passes
  4. Close the store and broker connections

EXAMPLES:
  TRUST_JWT_SECRET=dev ./server serve
  TRUST_STORE_DRIVER=memory TRUST_JWT_SECRET=dev ./server serve
  ./server sweep --scope suspensions
  ./server token --role admin --id admin-1 --ttl 1h

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - sweeper/scheduler.go: Background passes
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortate/trust-engine/account"
	"github.com/cortate/trust-engine/api"
	"github.com/cortate/trust-engine/appeal"
	"github.com/cortate/trust-engine/booking"
	"github.com/cortate/trust-engine/config"
	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/domain/store"
	"github.com/cortate/trust-engine/events"
	"github.com/cortate/trust-engine/factory"
	"github.com/cortate/trust-engine/penalty"
	"github.com/cortate/trust-engine/store/postgres"
	"github.com/cortate/trust-engine/store/sqlite"
	"github.com/cortate/trust-engine/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Provider trust and penalty engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newSweepCmd(), newRulesCmd(), newTokenCmd())
	return root
}

// =============================================================================
// COMMANDS
// =============================================================================

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if !cfg.AuthEnabled() {
				return errors.New("TRUST_JWT_SECRET is required to serve the API")
			}

			eng, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			scheduler := sweeper.NewScheduler(eng.sweeper, logger)
			scheduler.BookingInterval = cfg.SweepBookingInterval
			scheduler.SuspensionInterval = cfg.SweepSuspensionInterval
			scheduler.Enabled = cfg.SweepEnabled
			scheduler.Start()
			defer scheduler.Stop()

			auth := api.NewAuthenticator(cfg.JWTSecret, domain.RealClock{})
			handler := api.NewHandler(eng.machine, eng.penalties, eng.accounts, eng.appeals, eng.sweeper, logger)
			handler.Activity = eng.activity

			server := &http.Server{
				Addr:         cfg.HTTPAddr,
				Handler:      api.NewRouter(handler, auth, cfg.CORSOrigins),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Server starting", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-cmd.Context().Done():
			}

			logger.Info("Shutting down server...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info("Server stopped")
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the sweeper passes once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			eng, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			var report sweeper.Report
			switch scope {
			case "all":
				report = eng.sweeper.RunOnce(cmd.Context())
			case "bookings":
				report = eng.sweeper.RunBookingPasses(cmd.Context())
			case "suspensions":
				report = eng.sweeper.RunSuspensionPasses(cmd.Context())
			default:
				return fmt.Errorf("unknown scope %q", scope)
			}
			for _, res := range report.Results {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s examined=%d processed=%d skipped=%t errors=%d\n",
					res.Pass, res.Examined, res.Processed, res.Skipped, len(res.Errors))
				for _, e := range res.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "  %v\n", e)
				}
			}
			return report.Err()
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "all", "passes to run: all, bookings or suspensions")
	return cmd
}

func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the effective penalty rules as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			rules, err := loadRules(cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), factory.NewRulesFactory().ToJSON(rules))
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		actor domain.Actor
		role  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			if !cfg.AuthEnabled() {
				return errors.New("TRUST_JWT_SECRET is required to mint tokens")
			}
			actor.Role = domain.Role(role)
			token, err := api.NewAuthenticator(cfg.JWTSecret, domain.RealClock{}).Issue(actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleAdmin), "actor role: client, provider, admin or system")
	cmd.Flags().StringVar(&actor.ID, "id", "", "actor id")
	cmd.Flags().StringVar(&actor.ProviderID, "provider", "", "provider account the actor owns")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// =============================================================================
// WIRING
// =============================================================================

// activityBuffer is how many recent events the admin API can show.
const activityBuffer = 500

type app struct {
	machine   *booking.Machine
	accounts  *account.Manager
	penalties *penalty.Service
	appeals   *appeal.Workflow
	sweeper   *sweeper.Sweeper
	activity  *events.Recorder

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	clock := domain.RealClock{}

	stores, err := openStore(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	rules, err := loadRules(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.activity = events.NewRingRecorder(activityBuffer)
	sinks := events.Fanout{events.NewLogSink(logger), a.activity}
	if cfg.RabbitMQURL != "" {
		pub, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		sinks = append(sinks, events.NewAMQPSink(pub, events.DefaultBreakerConfig(), logger))
	}
	sink := events.NewBestEffort(sinks, logger)

	a.machine = booking.NewMachine(stores, stores, sink, clock)
	a.accounts = account.NewManager(stores, a.machine, sink, clock)
	a.penalties = penalty.NewService(stores, penalty.NewCalculator(rules), a.accounts, a.machine, sink, clock)
	a.appeals = appeal.NewWorkflow(stores, a.accounts, sink, clock)

	a.sweeper = sweeper.New(stores, a.machine, a.penalties, a.accounts, sink, clock, logger)
	a.sweeper.Lookback = cfg.SweepLookback
	a.sweeper.LeaseTTL = cfg.SweepLeaseTTL
	if cfg.RedisURL != "" {
		lease, err := sweeper.NewRedisLeaseFromURL(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, lease.Close)
		a.sweeper.Lease = lease
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, a *app) (domain.Stores, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func loadRules(cfg *config.Config) (penalty.Rules, error) {
	if cfg.RulesPath == "" {
		return penalty.DefaultRules(), nil
	}
	return factory.NewRulesFactory().LoadFile(cfg.RulesPath)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
