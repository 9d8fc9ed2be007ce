package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Queue names.
const (
	OutboundQueue = "chat.outbound"
	EventsQueue   = "attestor.events"
)

// Redelivery of events whose handling failed. A failed event is parked in
// RetryQueue(queue) for RetryDelay; the broker then dead-letters it back to
// queue. After MaxAttempts it goes to ParkedQueue(queue) for the operator.
const (
	RetryDelay     = 15 * time.Second
	MaxAttempts    = 40
	attemptsHeader = "x-attempts"
)

// RetryQueue names the delay queue of queue.
func RetryQueue(queue string) string { return queue + ".retry" }

// ParkedQueue names the queue holding events that kept failing.
func ParkedQueue(queue string) string { return queue + ".parked" }

// republisher is the publishing half of *amqp.Channel.
type republisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ErrNotDelivered is returned when the broker negatively acknowledges a
// published message.
var ErrNotDelivered = errors.New("message not confirmed by broker")

// Publisher is a Transport that publishes persistent messages to a durable
// queue in confirm mode. Send returns only after the broker confirmed the
// message, so a nil error means the message is safely queued.
type Publisher struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ Transport = (*Publisher)(nil)

// NewPublisher returns a publisher; the connection is opened lazily and
// re-opened after failures.
func NewPublisher(url, queue string) *Publisher {
	if queue == "" {
		queue = OutboundQueue
	}
	return &Publisher{url: url, queue: queue}
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

// Send publishes one outbound message and waits for the broker confirm.
func (p *Publisher) Send(ctx context.Context, requesterID, text string) error {
	body, err := json.Marshal(Outbound{RequesterID: requesterID, Text: text})
	if err != nil {
		return err
	}

	p.mu.Lock()
	ch, err := p.channel()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.closeLocked()
		p.mu.Unlock()
		return fmt.Errorf("publish: %w", err)
	}
	p.mu.Unlock()

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotDelivered
	}
	return nil
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Consume connects to the broker, declares queue with its retry and parking
// queues (all durable) and feeds every delivery to h until ctx ends. Broken
// connections are re-dialed with exponential backoff capped at 30s.
// Deliveries that fail to decode, or that h reports as ErrInvalidEvent, are
// rejected without requeue. Any other failure is retried after RetryDelay.
func Consume(ctx context.Context, url, queue string, h Handler) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("events consumer: dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, queue, h)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("events consumer: loop ended; reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, queue string, h Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn().Err(err).Msg("events consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if _, err := ch.QueueDeclare(RetryQueue(queue), true, false, false, false, amqp.Table{
		"x-message-ttl":             RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("retry queue declare: %w", err)
	}
	if _, err := ch.QueueDeclare(ParkedQueue(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("parked queue declare: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			handleDelivery(ctx, d, h, ch, queue)
		}
	}
}

func handleDelivery(ctx context.Context, d amqp.Delivery, h Handler, pub republisher, queue string) {
	ev, err := DecodeEvent(d.Body)
	if err == nil {
		err = h.HandleEvent(ctx, ev)
	}
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if errors.Is(err, ErrInvalidEvent) {
		log.Error().Err(err).Str("type", ev.Type).Msg("events consumer: invalid event dropped")
		_ = d.Nack(false, false)
		return
	}

	attempts := deliveryAttempts(d) + 1
	target := RetryQueue(queue)
	if attempts >= MaxAttempts {
		target = ParkedQueue(queue)
	}
	l := log.Warn()
	if target != RetryQueue(queue) {
		l = log.Error()
	}
	l.Err(err).Str("type", ev.Type).Int("attempts", attempts).Str("to", target).Msg("events consumer: handle failed")

	perr := pub.PublishWithContext(ctx, "", target, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		Body:         d.Body,
	})
	if perr != nil {
		// Keep the event on the broker rather than lose it.
		log.Error().Err(perr).Msg("events consumer: retry publish failed; requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// deliveryAttempts reads the failed-attempt count carried by d.
func deliveryAttempts(d amqp.Delivery) int {
	switch v := d.Headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
