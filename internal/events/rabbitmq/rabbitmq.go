package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sidecart/internal/events"
)

const exchangeKind = "topic"

// Publisher sends events to a topic exchange, routed by event name.
type Publisher struct {
	amqpURI  string
	exchange string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(amqpURI, exchange string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		amqpURI:  amqpURI,
		exchange: exchange,
		logger:   logger.With("component", "events.rabbitmq"),
	}
}

// redactedURI hides the password for logging.
func (p *Publisher) redactedURI() string {
	parsed, err := url.Parse(p.amqpURI)
	if err != nil {
		return "<unparseable>"
	}
	return parsed.Redacted()
}

func (p *Publisher) Connect() error {
	if p.amqpURI == "" {
		return fmt.Errorf("RABBITMQ_AMQP_URI is required")
	}
	conn, err := amqp.Dial(p.amqpURI)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.redactedURI(), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.mu.Unlock()
	p.logger.Info("connected", "uri", p.redactedURI(), "exchange", p.exchange)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}

func (p *Publisher) Health() events.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return events.HealthStatus{OK: false, Details: "connection closed"}
	}
	return events.HealthStatus{OK: true, Details: "connected"}
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return fmt.Errorf("not connected")
	}
	return p.ch.PublishWithContext(ctx,
		p.exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Emit publishes ev. Delivery failures are logged and never reach the caller.
func (p *Publisher) Emit(ctx context.Context, ev events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("encode event failed", "event", ev.Name, "error", err)
		return
	}
	if err := p.Publish(ctx, string(ev.Name), body); err != nil {
		p.logger.Warn("publish event failed", "event", ev.Name, "error", err)
	}
}
