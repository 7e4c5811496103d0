/*
scheduler.go - Background cadence for the sweeper

PURPOSE:
  Runs the booking passes and the suspension passes on their own tickers
  until stopped.

CONFIGURATION:
  - BookingInterval: expiry and detection (default: 5 minutes)
  - SuspensionInterval: suspension expiry and cascade repair (default: 1 hour)
  - Enabled: Whether the scheduler starts at all (default: true)

USAGE:
  scheduler := NewScheduler(sweeper, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - sweeper.go: The passes
  - api/handlers.go: RunSweep endpoint (manual trigger)
*/
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultBookingInterval    = 5 * time.Minute
	DefaultSuspensionInterval = time.Hour
)

type Scheduler struct {
	Sweeper            *Sweeper
	BookingInterval    time.Duration
	SuspensionInterval time.Duration
	Enabled            bool

	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func NewScheduler(s *Sweeper, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Sweeper:            s,
		BookingInterval:    DefaultBookingInterval,
		SuspensionInterval: DefaultSuspensionInterval,
		Enabled:            true,
		logger:             logger,
	}
}

// Start launches both loops. Each runs once immediately.
func (sc *Scheduler) Start() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.Enabled {
		sc.logger.Info("sweep scheduler disabled, not starting")
		return
	}
	if sc.running {
		return
	}
	sc.ctx, sc.cancel = context.WithCancel(context.Background())
	sc.running = true

	sc.wg.Add(2)
	go sc.loop(sc.BookingInterval, sc.Sweeper.RunBookingPasses)
	go sc.loop(sc.SuspensionInterval, sc.Sweeper.RunSuspensionPasses)

	sc.logger.Info("sweep scheduler started",
		"booking_interval", sc.BookingInterval,
		"suspension_interval", sc.SuspensionInterval)
}

// Stop cancels in-flight passes and waits for both loops to exit.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.running {
		return
	}
	sc.cancel()
	sc.wg.Wait()
	sc.running = false
	sc.logger.Info("sweep scheduler stopped")
}

func (sc *Scheduler) loop(every time.Duration, pass func(context.Context) Report) {
	defer sc.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	pass(sc.ctx)
	for {
		select {
		case <-ticker.C:
			pass(sc.ctx)
		case <-sc.ctx.Done():
			return
		}
	}
}

// RunNow runs every pass immediately (for admin and tests).
func (sc *Scheduler) RunNow(ctx context.Context) Report {
	return sc.Sweeper.RunOnce(ctx)
}
