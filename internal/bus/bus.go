// Package bus is the in-process publish/subscribe seam between order
// mutations and notification fan-out. Handlers run synchronously in
// publication order; anything slow belongs behind the dispatcher.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topics the market core publishes on.
const (
	TopicOrders = "orders"
	TopicDeals  = "deals"
)

// Event is one state-transition notification.
type Event struct {
	ChainID   int64
	Topic     string
	Name      string
	Timestamp time.Time
	Payload   interface{}
}

// Handler consumes an event. A panic is recovered and logged; it never
// reaches the publisher.
type Handler func(Event)

// Bus fans events out to subscribed handlers, preserving per-publisher
// ordering.
type Bus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]Handler
}

func New(logger *zap.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[string][]Handler)}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}

// Publish delivers the event to every subscriber of its topic, in
// subscription order.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Topic]...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		b.deliver(handler, event)
	}
}

func (b *Bus) deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.Any("recover", r),
				zap.String("topic", event.Topic),
				zap.String("event", event.Name))
		}
	}()
	handler(event)
}
