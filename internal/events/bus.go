package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler receives events synchronously on the publisher's goroutine.
// Handlers that block should hand off to their own worker.
type Handler func(Event)

// Bus is an explicit observer registry. Components are handed a *Bus by
// their constructor; nothing inherits emission behavior and there is no
// process-wide instance.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind]map[int]Handler
	all    map[int]Handler
	logger *logrus.Logger
}

// NewBus creates an event bus.
func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind]map[int]Handler),
		all:    make(map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler for one event kind and returns a
// function that removes it. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	b.subs[kind][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[kind], id)
	}
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Publish delivers an event to every matching subscriber. Delivery is
// synchronous; handler panics are contained so one bad subscriber cannot
// take down the request path.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Kind()])+len(b.all))
	for _, h := range b.subs[e.Kind()] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, e)
	}
}

func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.WithFields(logrus.Fields{
				"kind":  e.Kind(),
				"panic": r,
			}).Error("Event handler panicked")
		}
	}()
	h(e)
}
