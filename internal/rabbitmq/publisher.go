package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// ErrPublisherClosed is returned once the broker connection has been lost.
var ErrPublisherClosed = errors.New("amqp publisher closed")

// confirmTimeout bounds a publish whose context carries no deadline.
const confirmTimeout = 2 * time.Second

// Publisher publishes JSON events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// NewPublisher dials the broker and declares exchange. Any failure, or an
// empty URL, yields a publisher that logs and drops events so the relay keeps
// routing messages without a broker.
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		return newNoop("empty amqp url")
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return newNoop(err.Error())
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return newNoop(err.Error())
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return newNoop(err.Error())
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return newNoop(err.Error())
	}

	p := &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
	go p.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	log.WithField("exchange", exchange).Info("rabbitmq connected")
	return p
}

func newNoop(reason string) noopPublisher {
	log.WithField("reason", reason).Warn("rabbitmq disabled, events are dropped")
	return noopPublisher{reason: reason}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string

	// confirms are matched by delivery tag, so publishes are serialised
	mu     sync.Mutex
	closed atomic.Bool
}

func (p *amqpPublisher) watch(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		log.WithError(err).Error("rabbitmq connection lost")
	}
	p.closed.Store(true)
}

// Publish sends event and waits for the broker confirm or ctx, whichever comes first.
func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	msg, err := publishing(event, headers, time.Now())
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, confirmTimeout)
		defer cancel()
	}

	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", routingKey)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.closed.Store(true)
	_ = p.ch.Close()
	return p.conn.Close()
}

// publishing encodes event as a persistent JSON message with a fresh message id.
func publishing(event any, headers map[string]string, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}

	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	return amqp.Publishing{
		MessageId:    uuid.NewString(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Headers:      table,
		Body:         body,
	}, nil
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(_ context.Context, routingKey string, _ any, _ map[string]string) error {
	log.WithField("routing_key", routingKey).Debug("rabbitmq noop publish")
	return nil
}

func (noopPublisher) Close() error { return nil }

// PublisherMode reports "amqp" or "noop".
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// PublisherNoopReason explains why a noop publisher is in use.
func PublisherNoopReason(p Publisher) string {
	if np, ok := p.(noopPublisher); ok {
		return np.reason
	}
	return ""
}
