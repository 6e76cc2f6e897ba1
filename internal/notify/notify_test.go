package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/events"
)

type recordingNotifier struct {
	name string
	err  error

	mu   sync.Mutex
	seen []int64
}

func (r *recordingNotifier) Notify(_ context.Context, rec *email.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rec.ID)
	return r.err
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seen...)
}

func TestDispatcher_DeliversToAll(t *testing.T) {
	t.Parallel()

	bus := events.New()
	failing := &recordingNotifier{name: "failing", err: errors.New("down")}
	ok := &recordingNotifier{name: "ok"}

	stop := NewDispatcher(failing, ok).Start(bus)
	for id := int64(1); id <= 3; id++ {
		bus.Publish(&email.Record{ID: id})
	}
	stop()

	for _, n := range []*recordingNotifier{failing, ok} {
		got := n.ids()
		if len(got) != 3 || got[0] != 1 || got[2] != 3 {
			t.Errorf("%s: got %v, want [1 2 3]", n.name, got)
		}
	}
	if bus.Len() != 0 {
		t.Errorf("stop should unsubscribe, %d subscribers left", bus.Len())
	}
}

func TestDispatcher_StopIdempotent(t *testing.T) {
	t.Parallel()

	bus := events.New()
	stop := NewDispatcher().Start(bus)
	stop()
	stop()

	// Publishing after stop must not panic on the closed queue.
	bus.Publish(&email.Record{ID: 1})
}

type blockingNotifier struct {
	release chan struct{}
}

func (b *blockingNotifier) Notify(context.Context, *email.Record) error {
	<-b.release
	return nil
}

func (b *blockingNotifier) Name() string { return "blocking" }

func TestDispatcher_SlowNotifierDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	bus := events.New()
	slow := &blockingNotifier{release: make(chan struct{})}
	stop := NewDispatcher(slow).Start(bus)

	done := make(chan struct{})
	go func() {
		for id := int64(1); id <= queueSize+10; id++ {
			bus.Publish(&email.Record{ID: id})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked behind a slow notifier")
	}

	close(slow.release)
	stop()
}

func TestNewEvent(t *testing.T) {
	t.Parallel()

	text := "body"
	rec := &email.Record{
		ID:        9,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		From:      []string{"a@x"},
		To:        []string{"b@y"},
		Subject:   "s",
		MessageID: "<id@x>",
		Priority:  email.PriorityLow,
		Text:      &text,
	}

	ev := NewEvent(rec)
	if ev.Type != EventType || ev.ID != 9 || ev.Subject != "s" || ev.Priority != email.PriorityLow {
		t.Errorf("unexpected event: %+v", ev)
	}

	b, err := ev.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"type":"email.received","id":9,"received_at":"2024-01-01T00:00:00Z","from":["a@x"],"to":["b@y"],"subject":"s","messageId":"\u003cid@x\u003e","priority":"low"}`
	if string(b) != want {
		t.Errorf("Marshal:\n got %s\nwant %s", b, want)
	}
}
