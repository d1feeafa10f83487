package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"sentinel/internal/config"
	"sentinel/internal/domain"
	"sentinel/internal/errs"
	"sentinel/internal/util"
)

// Compile-time interface check.
var _ Source = (*RabbitSource)(nil)

// RabbitSource consumes JSON-encoded MarketEvents from a RabbitMQ fanout
// exchange.
type RabbitSource struct {
	cfg       config.RabbitMQ
	retryBase time.Duration
	log       *slog.Logger
}

// NewRabbitSource creates a consumer for the configured exchange.
func NewRabbitSource(cfg config.RabbitMQ) *RabbitSource {
	return &RabbitSource{
		cfg:       cfg,
		retryBase: time.Second,
		log:       slog.Default().With("source", "rabbitmq", "exchange", cfg.Exchange),
	}
}

// Name returns "rabbitmq".
func (s *RabbitSource) Name() string { return "rabbitmq" }

// Run consumes until ctx is cancelled, reconnecting with backoff when the
// connection or channel closes.
func (s *RabbitSource) Run(ctx context.Context, h Handler) error {
	if s.cfg.URL == "" {
		return errors.New("rabbitmq url is required")
	}
	b := util.NewBackOff(s.retryBase)
	for {
		consumed, err := s.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if consumed {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.log.Warn("consumer disconnected, reconnecting", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *RabbitSource) session(ctx context.Context, h Handler) (bool, error) {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return false, fmt.Errorf("declare exchange %s: %w", s.cfg.Exchange, err)
	}
	// A named queue survives restarts; an anonymous one is exclusive.
	durable := s.cfg.Queue != ""
	queue, err := ch.QueueDeclare(s.cfg.Queue, durable, !durable, !durable, false, nil)
	if err != nil {
		return false, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", s.cfg.Exchange, false, nil); err != nil {
		return false, fmt.Errorf("bind queue %s to %s: %w", queue.Name, s.cfg.Exchange, err)
	}
	prefetch := s.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return false, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", false, !durable, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("start consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	s.log.Info("consumer started", "queue", queue.Name, "prefetch", prefetch)
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return true, errors.New("connection closed")
			}
			return true, amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return true, errors.New("delivery channel closed")
			}
			ev, err := DecodeEvent(d.Body)
			if err != nil {
				s.log.Warn("dropping malformed message", "error", err)
				if err := d.Nack(false, false); err != nil {
					s.log.Warn("failed to nack delivery", "error", err)
				}
				continue
			}
			h(ctx, ev)
			if err := d.Ack(false); err != nil {
				s.log.Warn("failed to ack delivery", "error", err)
			}
		}
	}
}

// DecodeEvent parses a JSON message body into a normalized MarketEvent.
func DecodeEvent(body []byte) (domain.MarketEvent, error) {
	var ev domain.MarketEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, errs.New("market.DecodeEvent", errs.KindMalformedEvent,
			errs.WithMessage("decode payload"), errs.WithCause(err))
	}
	if ev.Source == "" {
		ev.Source = "rabbitmq"
	}
	return Normalize(ev)
}

// ---------------------------------------------------------------------------
// Publisher
// ---------------------------------------------------------------------------

// RabbitPublisher publishes MarketEvents to a fanout exchange.
type RabbitPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitPublisher dials url and declares exchange.
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends ev as a persistent JSON message.
func (p *RabbitPublisher) Publish(ctx context.Context, ev domain.MarketEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
}

// Close releases the channel and connection.
func (p *RabbitPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
