// Package events provides the in-process publish/subscribe bus that
// announces newly archived messages.
package events

import (
	"sync"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Handler receives a published record. Handlers run on the publisher's
// goroutine, must not block indefinitely and must not call Subscribe or an
// unsubscribe function.
type Handler func(*email.Record)

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus delivers each published record synchronously, in registration order,
// to every subscriber registered at the time of the call. It keeps no
// history.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers h and returns a function that removes it. Once the
// returned function has returned, h is never called again. Calling it more
// than once is harmless.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// remove waits for any in-flight Publish to finish before dropping the
// subscriber.
func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			subs := make([]subscriber, 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers rec to every current subscriber and returns once all of
// them have run.
func (b *Bus) Publish(rec *email.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		s.handler(rec)
	}
}

// Len returns the number of registered subscribers. Tests use it to see
// that viewers unsubscribe.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}
