// Package notify fans newly archived messages out to side channels such as
// the console and message brokers.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/events"
)

// Notifier is the interface that notification backends must implement.
type Notifier interface {
	// Notify announces an archived record. It returns an error if the
	// backend could not be reached.
	Notify(ctx context.Context, rec *email.Record) error

	// Name returns the human-readable name of this notifier.
	Name() string
}

// Subscriber registers for new-message events.
type Subscriber interface {
	Subscribe(h events.Handler) (unsubscribe func())
}

const (
	queueSize     = 256
	notifyTimeout = 5 * time.Second
)

// Dispatcher delivers bus events to notifiers on its own goroutine so a
// slow broker never holds up an SMTP acknowledgement. Events arriving while
// the queue is full are dropped.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan *email.Record
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given notifiers.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		notifiers: notifiers,
		queue:     make(chan *email.Record, queueSize),
	}
}

// Start subscribes to bus and delivers events in the background. The
// returned function unsubscribes, delivers whatever is still queued and
// waits for the worker to exit.
func (d *Dispatcher) Start(bus Subscriber) (stop func()) {
	unsubscribe := bus.Subscribe(d.enqueue)

	d.wg.Add(1)
	go d.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(d.queue)
			d.wg.Wait()
		})
	}
}

func (d *Dispatcher) enqueue(rec *email.Record) {
	select {
	case d.queue <- rec:
	default:
		slog.Warn("notification queue full, dropping event", "id", rec.ID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for rec := range d.queue {
		d.deliver(rec)
	}
}

func (d *Dispatcher) deliver(rec *email.Record) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		err := n.Notify(ctx, rec)
		cancel()
		if err != nil {
			slog.Error("notification failed", "notifier", n.Name(), "id", rec.ID, "error", err)
			continue
		}
		slog.Debug("notification sent", "notifier", n.Name(), "id", rec.ID)
	}
}
