package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker/v2"

	"github.com/cortate/trust-engine/domain"
)

// DefaultExchange is the topic exchange domain events are published to when
// none is configured. The routing key is the event type, e.g. "penalty.applied".
const DefaultExchange = "trust.domain.events"

// Publisher sends one payload to the exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

// =============================================================================
// RABBITMQ PUBLISHER
// =============================================================================

type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewRabbitMQPublisher(url, exchange string, logger *slog.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Info("RabbitMQ publisher connected", "exchange", exchange)

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return err
	}

	p.logger.Debug("event published", "routing_key", routingKey, "size", len(payload))
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", "error", err)
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// =============================================================================
// AMQP SINK - Circuit-broken event publishing
// =============================================================================

// BreakerConfig tunes the circuit breaker in front of the broker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// AMQPSink encodes events as JSON and publishes them with the event type as
// routing key. While the breaker is open events fail fast with
// gobreaker.ErrOpenState.
type AMQPSink struct {
	pub     Publisher
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

func NewAMQPSink(pub Publisher, cfg BreakerConfig, logger *slog.Logger) *AMQPSink {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "amqp-events",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &AMQPSink{
		pub:     pub,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		logger:  logger,
	}
}

func (s *AMQPSink) Emit(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(toWire(e))
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.pub.Publish(ctx, string(e.Type), payload)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// State exposes the breaker state for health reporting.
func (s *AMQPSink) State() gobreaker.State {
	return s.breaker.State()
}

type wireEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	At         time.Time      `json:"at"`
	ActorID    string         `json:"actorId,omitempty"`
	ProviderID string         `json:"providerId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func toWire(e domain.Event) wireEvent {
	return wireEvent{
		ID:         e.ID,
		Type:       string(e.Type),
		At:         e.At,
		ActorID:    e.ActorID,
		ProviderID: e.ProviderID,
		Data:       e.Data,
	}
}
