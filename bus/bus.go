// Package bus is an in-process publish/subscribe channel for optimistic (local echo) updates.
package bus

import (
	"log/slog"
	"sync"
)

// Bus is a typed many-publisher/many-subscriber channel.
// Publish is fire-and-forget: handlers active at the publish time are called synchronously
// in the publisher goroutine. There is no history, late subscribers miss earlier events.
type Bus[E any] struct {
	sync.RWMutex
	handlers map[uint64]func(E)
	lastId   uint64
	logger   *slog.Logger
}

// Subscribe registers the handler and returns the unsubscribe func (safe to call multiple times).
func (b *Bus[E]) Subscribe(handler func(E)) func() {
	b.Lock()
	defer b.Unlock()

	b.lastId++
	id := b.lastId
	b.handlers[id] = handler

	return func() {
		b.Lock()
		defer b.Unlock()

		delete(b.handlers, id)
	}
}

// Publish delivers the event to all the current subscribers and returns the number of deliveries.
// A panicking handler is logged and doesn't affect the others.
func (b *Bus[E]) Publish(ev E) int {
	b.RLock()
	handlers := make([]func(E), 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.RUnlock()

	delivered := 0
	for _, handler := range handlers {
		if b.deliver(handler, ev) {
			delivered++
		}
	}

	return delivered
}

// Subscribers returns the number of active subscribers.
func (b *Bus[E]) Subscribers() int {
	b.RLock()
	defer b.RUnlock()

	return len(b.handlers)
}

func (b *Bus[E]) deliver(handler func(E), ev E) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panic", "panic", r)
			ok = false
		}
	}()

	handler(ev)

	return true
}

// New creates a new Bus object.
func New[E any](logger *slog.Logger) *Bus[E] {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus[E]{
		handlers: make(map[uint64]func(E)),
		logger:   logger,
	}
}
