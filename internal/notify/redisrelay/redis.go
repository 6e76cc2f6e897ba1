// Package redisrelay publishes new-message events to a Redis channel.
package redisrelay

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/notify"
)

// Publisher is the subset of the Redis client the relay needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Relay publishes events with PUBLISH so any number of subscribers can
// follow the sink without polling.
type Relay struct {
	cli     Publisher
	closer  func() error
	channel string
}

// New connects to the Redis server at url (redis://host:port/db).
func New(url, channel string) (*Relay, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cli := redis.NewClient(opt)
	return &Relay{cli: cli, closer: cli.Close, channel: channel}, nil
}

// NewWithClient wraps an existing client. This is useful for testing.
func NewWithClient(cli Publisher, channel string) *Relay {
	return &Relay{cli: cli, channel: channel}
}

// Notify publishes the event for rec.
func (r *Relay) Notify(ctx context.Context, rec *email.Record) error {
	body, err := notify.NewEvent(rec).Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.cli.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", r.channel, err)
	}
	return nil
}

// Name returns the notifier name.
func (r *Relay) Name() string {
	return "redis"
}

// Close releases the client connection pool.
func (r *Relay) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
