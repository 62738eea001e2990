package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-guard/internal/metrics"
)

// Handler consumes events. A returned error is logged by the bus and does not
// affect delivery to other handlers.
type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publisher is the narrow interface the core services depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
	types   map[EventType]bool // nil means every type
}

func (s *subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// Bus is an in-memory, best-effort fan-out dispatcher. Each subscribed
// handler receives a published event at most once; there is no persistence
// or replay.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// RegisterHandler subscribes handler to the given event types, or to every
// event when none are given. The returned function removes the subscription.
func (b *Bus) RegisterHandler(name string, handler Handler, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, name: name, handler: handler}
	if len(eventTypes) > 0 {
		sub.types = make(map[EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)

	log.Info().
		Str("component", "event_bus").
		Str("handler", name).
		Interface("event_types", eventTypes).
		Msg("registered event handler")

	return func() { b.unregister(sub.id) }
}

func (b *Bus) unregister(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every matching handler in registration order.
// Handlers run outside the registry lock so they may publish or subscribe.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(event.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	metrics.RecordEvent(string(event.Type))
	log.Debug().
		Str("component", "event_bus").
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("user_id", event.UserID).
		Str("priority", string(event.Priority)).
		Int("handlers", len(targets)).
		Msg("publishing event")

	for _, s := range targets {
		if err := b.dispatch(ctx, s, event); err != nil {
			metrics.RecordHandlerFailure(string(event.Type), s.name)
			log.Error().
				Err(err).
				Str("component", "event_bus").
				Str("handler", s.name).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Msg("event handler failed")
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, s *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler.HandleEvent(ctx, event)
}

// HandlerCount returns the number of registered subscriptions.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
