// Package events provides domain.EventSink implementations: a structured log
// sink, an in-memory recorder, a RabbitMQ sink and a fan-out.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cortate/trust-engine/domain"
)

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes every event as one structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, e domain.Event) error {
	attrs := []any{
		"event_id", e.ID,
		"type", string(e.Type),
		"at", e.At,
		"actor", e.ActorID,
		"provider_id", e.ProviderID,
	}
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "domain event", attrs...)
	return nil
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder keeps events in memory. The server keeps a ring of recent events
// for GET /api/admin/events; tests use an unbounded one.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
	limit  int
}

// NewRecorder keeps every event.
func NewRecorder() *Recorder { return &Recorder{} }

// NewRingRecorder keeps only the latest limit events.
func NewRingRecorder(limit int) *Recorder { return &Recorder{limit: limit} }

func (r *Recorder) Emit(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]domain.Event(nil), r.events[len(r.events)-r.limit:]...)
	}
	return nil
}

func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *Recorder) ByType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// =============================================================================
// FANOUT
// =============================================================================

// Fanout delivers each event to every sink. A failing sink does not stop the
// others; the errors are joined.
type Fanout []domain.EventSink

func (f Fanout) Emit(ctx context.Context, e domain.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// BEST EFFORT
// =============================================================================

// BestEffort wraps a sink so that delivery failures are logged and swallowed.
// Events are emitted after the change is committed, so a failure here must
// never surface as a failed operation.
type BestEffort struct {
	sink   domain.EventSink
	logger *slog.Logger
}

func NewBestEffort(sink domain.EventSink, logger *slog.Logger) *BestEffort {
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{sink: sink, logger: logger}
}

func (b *BestEffort) Emit(ctx context.Context, e domain.Event) error {
	if err := b.sink.Emit(ctx, e); err != nil {
		b.logger.WarnContext(ctx, "event delivery failed",
			"type", string(e.Type),
			"event_id", e.ID,
			"error", err,
		)
	}
	return nil
}
