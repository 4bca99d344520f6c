package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block; offload slow work to a worker.
type Handler func(event *Event)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	topic EventType
	id    uint64
}

// Bus is the in-process publish/subscribe broker. It is the leaf dependency
// that breaks cycles between the scheduler, engine, risk pipeline, and
// approval workflow: all of them publish, none subscribe to each other.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[uint64]Handler
	nextID   uint64
	log      zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType]map[uint64]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for a topic and returns its subscription.
func (b *Bus) Subscribe(topic EventType, handler Handler) Subscription {
	id := atomic.AddUint64(&b.nextID, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[uint64]Handler)
	}
	b.handlers[topic][id] = handler

	return Subscription{topic: topic, id: id}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.handlers[sub.topic]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(b.handlers, sub.topic)
		}
	}
}

// Publish delivers an event synchronously to all handlers of its topic.
// Within a topic, delivery order follows publish order per publisher.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type]))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	b.log.Debug().
		Str("event_type", string(event.Type)).
		Str("module", event.Module).
		Int("handlers", len(handlers)).
		Msg("Event published")

	for _, h := range handlers {
		h(event)
	}
}

// Emit is a convenience wrapper: build an event from the payload and publish it.
func (b *Bus) Emit(module string, data EventData) {
	b.Publish(New(module, data))
}

// EmitAlert publishes an alert event with the given subtype and severity.
func (b *Bus) EmitAlert(module, alertType, severity, message string, context map[string]interface{}) {
	b.Emit(module, &AlertData{
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Context:   context,
	})
}

// SubscriberCount returns the number of handlers registered for a topic.
func (b *Bus) SubscriberCount(topic EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
