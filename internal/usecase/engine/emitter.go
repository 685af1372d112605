package engine

import (
	"context"
	"encoding/json"
	"time"

	"pixelflow/internal/domain"
)

// emitter fans execution lifecycle events out to the streaming channel and
// mirrors them onto the in-process event bus. The stream channel carries
// the ordering guarantees of the protocol (started first, per-step order
// preserved, terminal last); the bus mirror is best-effort for ambient
// observers and makes no ordering promise. In synchronous mode the channel
// is nil and only the bus mirror fires.
//
// Channel sends block when the buffer is full, which propagates
// back-pressure from a slow streaming consumer into the scheduler. An
// abandoned consumer is handled by the ctx select.
type emitter struct {
	execID string
	ch     chan domain.ExecutionEvent
	bus    domain.EventBus
}

func newEmitter(execID string, buffer int, bus domain.EventBus) *emitter {
	return &emitter{execID: execID, bus: bus, ch: make(chan domain.ExecutionEvent, buffer)}
}

// newSyncEmitter builds an emitter with no stream channel for synchronous
// callers: the lifecycle is still observed on the bus, but nothing is
// exposed to the caller until the aggregated result.
func newSyncEmitter(execID string, bus domain.EventBus) *emitter {
	return &emitter{execID: execID, bus: bus}
}

func (e *emitter) events() <-chan domain.ExecutionEvent { return e.ch }

func (e *emitter) close() {
	if e.ch != nil {
		close(e.ch)
	}
}

func (e *emitter) started(ctx context.Context, data domain.StartedData) {
	e.emit(ctx, domain.EventExecutionStarted, data)
}

func (e *emitter) step(ctx context.Context, data domain.StepData) {
	e.emit(ctx, domain.EventExecutionStep, data)
}

func (e *emitter) completed(ctx context.Context, data domain.CompletedData) {
	e.emit(ctx, domain.EventExecutionCompleted, data)
}

func (e *emitter) failed(ctx context.Context, data domain.ErrorData) {
	e.emit(ctx, domain.EventExecutionError, data)
}

func (e *emitter) emit(ctx context.Context, typ domain.EventType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		// Event payloads are plain structs; marshal cannot fail in practice.
		raw = []byte("{}")
	}

	if e.ch != nil {
		ev := domain.ExecutionEvent{Type: typ, Data: raw}
		// Buffered fast path first so a terminal event still lands after the
		// caller's context was cancelled.
		select {
		case e.ch <- ev:
		default:
			select {
			case e.ch <- ev:
			case <-ctx.Done():
			}
		}
	}

	if e.bus != nil {
		e.bus.Publish(ctx, domain.Event{
			Type:        typ,
			Timestamp:   time.Now(),
			ExecutionID: e.execID,
			Payload:     raw,
		})
	}
}
