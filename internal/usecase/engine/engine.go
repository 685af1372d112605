// Package engine executes validated image pipelines against registered
// capability providers: dependency resolution, bounded concurrent
// scheduling, fan-out branching, lifecycle event streaming, and error
// classification.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"pixelflow/internal/domain"
)

// Config tunes one Engine instance.
type Config struct {
	// MaxInFlight bounds concurrently dispatched steps. Zero or negative
	// means the default.
	MaxInFlight int `yaml:"max_in_flight"`
	// EventBuffer is the stream channel capacity. A full buffer blocks the
	// scheduler, propagating back-pressure to slow streaming consumers.
	EventBuffer int `yaml:"event_buffer"`
}

const (
	defaultMaxInFlight = 4
	defaultEventBuffer = 64
)

// Engine runs pipeline definitions. It is safe for concurrent use; each
// execution gets its own variable store and emitter.
type Engine struct {
	registry   domain.CapabilityRegistry
	bus        domain.EventBus
	classifier *ErrorClassifier
	logger     *slog.Logger
	cfg        Config
}

// New creates an Engine. bus may be nil when no ambient observers exist
// (CLI one-shot runs).
func New(registry domain.CapabilityRegistry, bus domain.EventBus, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:   registry,
		bus:        bus,
		classifier: NewErrorClassifier(),
		logger:     logger,
		cfg:        cfg,
	}
}

// Execute runs the pipeline synchronously and returns the aggregated
// result. No intermediate events are exposed; the identical lifecycle is
// still mirrored onto the event bus. On failure the returned result holds
// everything produced before the failing step alongside the error
// annotation, and err is non-nil.
func (e *Engine) Execute(ctx context.Context, def domain.PipelineDefinition, initial map[string]domain.Payload) (*domain.ExecutionResult, error) {
	p, err := buildPlan(def, names(initial))
	if err != nil {
		return nil, err
	}

	execID := generateExecutionID(time.Now())
	e.logger.Info("execution started",
		"execution_id", execID,
		"pipeline", def.Name,
		"steps", len(p.units),
		"mode", "sync",
	)

	x := e.newExecutor(execID, newSyncEmitter(execID, e.bus))
	res, err := x.run(ctx, p, initial)
	x.em.close()
	return res, err
}

// ExecuteStream runs the pipeline and streams lifecycle events: one
// execution.started frame, one step frame per status transition, then a
// single terminal completed or error frame, after which the channel is
// closed. A malformed pipeline fails validation up front with no events
// emitted and no provider called. Cancelling ctx aborts: in-flight steps
// finish on their own, nothing new is scheduled, and the terminal frame
// reflects the abort.
func (e *Engine) ExecuteStream(ctx context.Context, def domain.PipelineDefinition, initial map[string]domain.Payload) (<-chan domain.ExecutionEvent, error) {
	p, err := buildPlan(def, names(initial))
	if err != nil {
		return nil, err
	}

	execID := generateExecutionID(time.Now())
	e.logger.Info("execution started",
		"execution_id", execID,
		"pipeline", def.Name,
		"steps", len(p.units),
		"mode", "stream",
	)

	x := e.newExecutor(execID, newEmitter(execID, e.cfg.EventBuffer, e.bus))
	go func() {
		defer x.em.close()
		x.run(ctx, p, initial)
	}()
	return x.em.events(), nil
}

// ExecuteObserved runs the pipeline synchronously while delivering every
// lifecycle event, in order, to observe before returning. It combines the
// aggregated result of Execute with the ordered stream of ExecuteStream
// for callers that relay the lifecycle elsewhere while it happens.
// observe is called from a single goroutine; a slow observer exerts the
// same back-pressure as a slow streaming consumer.
func (e *Engine) ExecuteObserved(ctx context.Context, def domain.PipelineDefinition, initial map[string]domain.Payload, observe func(domain.ExecutionEvent)) (*domain.ExecutionResult, error) {
	p, err := buildPlan(def, names(initial))
	if err != nil {
		return nil, err
	}

	execID := generateExecutionID(time.Now())
	e.logger.Info("execution started",
		"execution_id", execID,
		"pipeline", def.Name,
		"steps", len(p.units),
		"mode", "observed",
	)

	x := e.newExecutor(execID, newEmitter(execID, e.cfg.EventBuffer, e.bus))

	type runOutcome struct {
		res *domain.ExecutionResult
		err error
	}
	done := make(chan runOutcome, 1)
	go func() {
		res, err := x.run(ctx, p, initial)
		x.em.close()
		done <- runOutcome{res, err}
	}()

	for ev := range x.em.events() {
		observe(ev)
	}
	out := <-done
	return out.res, out.err
}

// Validate checks a pipeline without executing it.
func (e *Engine) Validate(def domain.PipelineDefinition, initialVars []string) error {
	_, err := buildPlan(def, initialVars)
	return err
}

func (e *Engine) newExecutor(execID string, em *emitter) *executor {
	return &executor{
		execID:      execID,
		registry:    e.registry,
		store:       newVarStore(),
		em:          em,
		classifier:  e.classifier,
		logger:      e.logger,
		maxInFlight: e.cfg.MaxInFlight,
	}
}

func names(vars map[string]domain.Payload) []string {
	out := make([]string, 0, len(vars))
	for name := range vars {
		out = append(out, name)
	}
	return out
}

func generateExecutionID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
