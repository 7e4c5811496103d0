package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/events"
)

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	keys []string
	body [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.body = append(p.body, payload)
	return nil
}

func sample() domain.Event {
	return domain.NewEvent(domain.EventPenaltyApplied, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		"system", "prov-1", map[string]any{"penaltyId": "pen-1"})
}

func TestAMQPSink_PublishesWithTypeAsRoutingKey(t *testing.T) {
	pub := &fakePublisher{}
	sink := events.NewAMQPSink(pub, events.DefaultBreakerConfig(), nil)

	require.NoError(t, sink.Emit(context.Background(), sample()))

	require.Len(t, pub.keys, 1)
	assert.Equal(t, "penalty.applied", pub.keys[0])
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.body[0], &decoded))
	assert.Equal(t, "prov-1", decoded["providerId"])
	assert.Equal(t, "pen-1", decoded["data"].(map[string]any)["penaltyId"])
}

func TestAMQPSink_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	// GIVEN: a broker that always fails and a threshold of 2
	pub := &fakePublisher{err: errors.New("connection reset")}
	cfg := events.DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	sink := events.NewAMQPSink(pub, cfg, nil)

	// WHEN: three events are emitted
	for i := 0; i < 2; i++ {
		assert.Error(t, sink.Emit(context.Background(), sample()))
	}
	err := sink.Emit(context.Background(), sample())

	// THEN: the third fails fast
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, sink.State())
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	rec := events.NewRecorder()
	failing := events.NewAMQPSink(&fakePublisher{err: errors.New("down")}, events.DefaultBreakerConfig(), nil)

	err := events.Fanout{failing, rec}.Emit(context.Background(), sample())

	assert.Error(t, err)
	assert.Len(t, rec.Events(), 1)
}

func TestBestEffort_SwallowsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	failing := events.NewAMQPSink(&fakePublisher{err: errors.New("down")}, events.DefaultBreakerConfig(), logger)

	err := events.NewBestEffort(failing, logger).Emit(context.Background(), sample())

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "event delivery failed")
}

func TestLogSink_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	sink := events.NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Emit(context.Background(), sample()))

	assert.Contains(t, buf.String(), `"type":"penalty.applied"`)
	assert.Contains(t, buf.String(), `"penaltyId":"pen-1"`)
}

func TestRingRecorder_KeepsLatest(t *testing.T) {
	rec := events.NewRingRecorder(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.Emit(context.Background(), sample()))
	}
	assert.Len(t, rec.Events(), 2)
	rec.Reset()
	assert.Empty(t, rec.Events())
}
