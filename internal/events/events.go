// Package events is the fire-and-forget event publisher (C9). It bridges
// in-process failures and blog lifecycle transitions to a durable RabbitMQ
// queue for an external, out-of-scope telemetry consumer — the analogue of
// the original Python's sentry_sdk.capture_exception() call sites, with
// the broker swapped for the teacher's RabbitMQ publisher since this
// system (unlike the single-service teacher) has no dedicated error-SDK
// dependency in its stack.
//
// Publishing never blocks a worker's correctness path: a publish failure
// is logged and swallowed. Nothing downstream of this package is allowed
// to assume an event was delivered.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const eventsQueueName = "tumblr:events"

// Kind tags the lifecycle event being published.
type Kind string

const (
	KindTaskError    Kind = "task_error"
	KindBlogDone     Kind = "blog_done"
	KindBlogNotFound Kind = "blog_not_found"
)

// Event is the document published onto the queue.
type Event struct {
	Kind      Kind   `json:"kind"`
	Component string `json:"component"`
	BlogName  string `json:"blog_name,omitempty"`
	Message   string `json:"message,omitempty"`
}

// EventPublisher is the contract workers depend on, so tests and the
// no-RabbitMQ-configured case can inject NoopPublisher instead of a real
// connection.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Publisher owns the AMQP connection used to publish events.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// New dials RabbitMQ and declares the shared, durable events queue.
func New(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}

	q, err := ch.QueueDeclare(eventsQueueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare queue: %w", err)
	}

	return &Publisher{conn: conn, channel: ch, queue: q}, nil
}

// Publish sends ev onto the events queue. Failures are logged and also
// returned, never escalated — see the package doc. The returned error exists
// only so callers in tests can assert on the failure path; production
// call sites should ignore it.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("events: marshal failed", "error", err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		"",
		p.queue.Name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		slog.Warn("events: publish failed, dropping", "kind", ev.Kind, "error", err)
	}
	return err
}

// Close releases the AMQP channel and connection.
func (p *Publisher) Close() {
	p.channel.Close()
	p.conn.Close()
}

// NoopPublisher satisfies the same usage pattern as Publisher without a
// broker connection, for workers run without RABBITMQ_URL configured or in
// tests that don't care about telemetry delivery.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
func (NoopPublisher) Close()                                      {}

// Consumer reads events published onto the shared queue, for an operator
// tool that watches for task errors and exhausted blogs without polling
// the worker logs directly.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// NewConsumer dials RabbitMQ and sets QoS to one in-flight delivery at a
// time, the teacher's pattern for not letting one slow consumer hoard
// deliveries.
func NewConsumer(url string) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: set qos: %w", err)
	}

	q, err := ch.QueueDeclare(eventsQueueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare queue: %w", err)
	}

	return &Consumer{conn: conn, channel: ch, queue: q}, nil
}

// Delivery wraps one consumed Event with manual ack/nack control.
type Delivery struct {
	Event Event
	raw   amqp.Delivery
}

// Ack removes the message from the queue after successful handling.
func (d *Delivery) Ack() error { return d.raw.Ack(false) }

// Nack requeues the message for another consumer to retry.
func (d *Delivery) Nack() error { return d.raw.Nack(false, true) }

// Discard permanently rejects an unparseable message.
func (d *Delivery) Discard() error { return d.raw.Nack(false, false) }

// Consume returns a channel of Delivery values; each must be Ack'd, Nack'd,
// or Discarded by the caller.
func (c *Consumer) Consume() (<-chan Delivery, error) {
	raw, err := c.channel.Consume(c.queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("events: consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range raw {
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				d.Nack(false, false)
				continue
			}
			out <- Delivery{Event: ev, raw: d}
		}
	}()
	return out, nil
}

// Close releases the AMQP channel and connection.
func (c *Consumer) Close() {
	c.channel.Close()
	c.conn.Close()
}
