// Package amqprelay publishes new-message events to a RabbitMQ topic
// exchange.
package amqprelay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/notify"
)

// Channel is the subset of an AMQP channel the relay needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Relay publishes events as persistent JSON messages.
type Relay struct {
	mu         sync.Mutex
	conn       *amqp091.Connection
	channel    Channel
	exchange   string
	routingKey string
}

// New dials url, opens a channel and declares a durable topic exchange.
func New(url, exchange, routingKey string) (*Relay, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Relay{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// NewWithChannel wraps an existing channel. This is useful for testing.
func NewWithChannel(ch Channel, exchange, routingKey string) *Relay {
	return &Relay{channel: ch, exchange: exchange, routingKey: routingKey}
}

// Notify publishes the event for rec.
func (r *Relay) Notify(ctx context.Context, rec *email.Record) error {
	body, err := notify.NewEvent(rec).Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	// amqp091 channels are not safe for concurrent publishing.
	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.channel.PublishWithContext(ctx, r.exchange, r.routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Type:         notify.EventType,
		MessageId:    fmt.Sprintf("%d", rec.ID),
		Timestamp:    rec.CreatedAt,
		Body:         body,
		DeliveryMode: amqp091.Persistent,
	})
	if err != nil {
		return fmt.Errorf("amqp publish to %s/%s: %w", r.exchange, r.routingKey, err)
	}
	return nil
}

// Name returns the notifier name.
func (r *Relay) Name() string {
	return "amqp"
}

// Close closes the channel and the connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.channel != nil {
		err = r.channel.Close()
	}
	if r.conn != nil {
		if cerr := r.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
