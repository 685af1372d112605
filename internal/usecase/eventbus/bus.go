// Package eventbus provides the in-process publish/subscribe fabric that
// decouples the execution engine from its ambient observers (gateway
// clients, the run store, the cron scheduler).
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"pixelflow/internal/domain"
)

// wildcard is the internal key for subscribers that want every event.
const wildcard domain.EventType = "*"

// Bus is a goroutine-safe in-process event bus. Handlers run in their own
// goroutines, so publishing never blocks the engine; consequently the bus
// makes no cross-event ordering promise. Streaming callers that need
// ordering use the engine's event channel, not the bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.EventType]map[uint64]domain.EventHandler
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[domain.EventType]map[uint64]domain.EventHandler),
		logger: logger,
	}
}

// Publish fans an event out to subscribers of its type and to wildcard
// subscribers. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	handlers := make([]domain.EventHandler, 0, len(b.subs[event.Type])+len(b.subs[wildcard]))
	for _, h := range b.subs[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs[wildcard] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.wg.Add(1)
		go b.invoke(ctx, event, h)
	}
}

func (b *Bus) invoke(ctx context.Context, event domain.Event, handler domain.EventHandler) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"execution_id", event.ExecutionID,
				"panic", r,
			)
		}
	}()
	handler(ctx, event)
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event and returns
// an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(wildcard, handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]domain.EventHandler)
	}
	b.subs[eventType][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[eventType], id)
		b.mu.Unlock()
	}
}

// Close rejects further publishes and waits for in-flight handlers to
// finish. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
