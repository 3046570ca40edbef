// Package event provides a synchronous pub-sub event bus for decoupled
// communication between Gantry components.
//
// The pump, executors, and lifecycle APIs publish events; the CLI and
// any embedding process subscribe. Publishing is synchronous: handlers
// run on the publisher's goroutine, so handlers must be fast and must
// not call back into the publisher.
package event

import (
	"log"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles an event.
type Handler func(Event)

// Bus is a synchronous pub-sub event dispatcher. It is safe for
// concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription // event type -> ordered subscriptions
	nextID atomic.Uint64
}

// subscription pairs a handler with its unsubscribe token.
type subscription struct {
	id      string
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for one event type and returns a token
// for Unsubscribe.
func (b *Bus) Subscribe(eventType string, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: h})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) string {
	return b.Subscribe("*", h)
}

// Unsubscribe removes a subscription by token. Returns true if found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to type-specific handlers first, then
// wildcard handlers, each in registration order. A panicking handler is
// logged and skipped; it never blocks delivery to the others.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[e.EventType()]...)
	wildcard := append([]subscription(nil), b.subs["*"]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.dispatch(sub.handler, e)
	}
	for _, sub := range wildcard {
		b.dispatch(sub.handler, e)
	}
}

func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for %s: %v\n%s",
				e.EventType(), r, debug.Stack())
		}
	}()
	h(e)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
