package redisrelay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/notify"
)

type mockPublisher struct {
	channel string
	message any
	err     error
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	m.channel = channel
	m.message = message
	cmd := redis.NewIntCmd(ctx)
	if m.err != nil {
		cmd.SetErr(m.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestNotify(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{}
	r := NewWithClient(pub, "smtp-sink:email")

	rec := &email.Record{
		ID:        3,
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		From:      []string{"a@x"},
		To:        []string{"b@y"},
		Subject:   "Hi",
		Priority:  email.PriorityNormal,
	}
	if err := r.Notify(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pub.channel != "smtp-sink:email" {
		t.Errorf("channel: got %q", pub.channel)
	}
	body, ok := pub.message.([]byte)
	if !ok {
		t.Fatalf("message type: got %T, want []byte", pub.message)
	}

	var ev notify.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ev.Type != notify.EventType || ev.ID != 3 || ev.Subject != "Hi" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if !ev.ReceivedAt.Equal(rec.CreatedAt) {
		t.Errorf("ReceivedAt: got %v, want %v", ev.ReceivedAt, rec.CreatedAt)
	}
}

func TestNotify_PublishError(t *testing.T) {
	t.Parallel()

	r := NewWithClient(&mockPublisher{err: errors.New("connection refused")}, "c")
	if err := r.Notify(context.Background(), &email.Record{}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestNew_InvalidURL(t *testing.T) {
	t.Parallel()

	if _, err := New("http://not-redis", "c"); err == nil {
		t.Error("expected error for non-redis scheme, got nil")
	}
}

func TestNew_ValidURL(t *testing.T) {
	t.Parallel()

	r, err := New("redis://localhost:6379/0", "c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Name() != "redis" {
		t.Errorf("Name: got %q", r.Name())
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
