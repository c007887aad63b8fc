// Package events publishes committed ledger changes to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the topic exchange ledger events are published to.
const Exchange = "ledger_events"

// ErrClosed indicates Publish was called after Close.
var ErrClosed = errors.New("events: producer closed")

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Producer publishes JSON events to a durable topic exchange. The channel is
// reopened once when a publish fails.
type Producer struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	open     func() (channel, error)
	exchange string
	declared bool
	logger   *slog.Logger
	now      func() time.Time
}

// Dial connects to the broker and prepares a producer on Exchange.
func Dial(rawURL string, logger *slog.Logger) (*Producer, error) {
	clean, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	open := func() (channel, error) { return conn.Channel() }
	p, err := newProducer(open, Exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newProducer(open func() (channel, error), exchange string, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := open()
	if err != nil {
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	return &Producer{
		ch:       ch,
		open:     open,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "events")),
		now:      time.Now,
	}, nil
}

// Publish marshals payload and sends it with the routing key.
func (p *Producer) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", routingKey, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return ErrClosed
	}
	err = p.send(ctx, routingKey, msg)
	if err == nil {
		return nil
	}
	p.logger.WarnContext(ctx, "publish failed; reopening channel",
		slog.String("routing_key", routingKey), slog.Any("error", err))
	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("events: reopen channel: %w", err)
	}
	_ = p.ch.Close()
	p.ch = ch
	p.declared = false
	return p.send(ctx, routingKey, msg)
}

func (p *Producer) send(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if !p.declared {
		if err := p.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("events: declare %s: %w", p.exchange, err)
		}
		p.declared = true
	}
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// Close releases the channel and connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), `"'`)
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("events: parse url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("events: url scheme must be amqp or amqps")
	}
	return clean, nil
}

// NopPublisher drops events; used when no broker is configured.
type NopPublisher struct {
	Logger *slog.Logger
}

// Publish logs the skipped event at debug level.
func (n NopPublisher) Publish(ctx context.Context, routingKey string, _ any) error {
	if n.Logger != nil {
		n.Logger.DebugContext(ctx, "event publish skipped", slog.String("routing_key", routingKey))
	}
	return nil
}
