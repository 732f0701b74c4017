package bus

import (
	"context"
	"fmt"
	"sync"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Event is anything the bus can carry. Subscribers subscribe by event type.
type Event interface {
	EventType() string
}

// Handler processes a delivered event
type Handler func(ctx context.Context, event Event) error

// Middleware inspects an event before delivery. Returning a nil event blocks
// propagation; returning a (possibly replaced) event continues the chain.
type Middleware func(ctx context.Context, event Event) (Event, error)

// Bus is a typed in-process pub-sub with middleware support. Delivery is
// fan-out: every subscriber for the type is awaited sequentially.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]Handler
	middleware  []Middleware
	logger      Logger
}

// New creates an empty bus
func New(logger Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]Handler),
		logger:      logger,
	}
}

// Use appends a middleware to the chain
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish runs the middleware chain and delivers the event to every
// subscriber of its type. A middleware returning a nil event blocks delivery
// without error; that is the coordinator's deny path.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	middleware := make([]Middleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mu.Unlock()

	for _, mw := range middleware {
		next, err := mw(ctx, event)
		if err != nil {
			return fmt.Errorf("bus middleware failed for %s: %w", event.EventType(), err)
		}
		if next == nil {
			b.logger.Debug("event blocked by middleware", "event_type", event.EventType())
			return nil
		}
		event = next
	}

	b.mu.Lock()
	handlers := make([]Handler, len(b.subscribers[event.EventType()]))
	copy(handlers, b.subscribers[event.EventType()])
	b.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Error("event handler failed", "event_type", event.EventType(), "error", err)
		}
	}
	return nil
}
