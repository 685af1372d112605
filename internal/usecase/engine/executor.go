package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"pixelflow/internal/domain"
	"pixelflow/internal/infra/tracer"
)

// outcome is the message a dispatched unit sends back to the coordinator
// when its provider call returns.
type outcome struct {
	idx     int
	payload domain.Payload
	usage   *domain.UsageEvent
	save    *domain.SaveResult
	err     error
}

// executor runs one validated plan to completion. The coordinator loop is
// the single writer of the variable store and the result accumulators;
// unit goroutines only talk to providers and report outcomes. Scheduling
// is a ready-set scan: every unit whose input variable is bound gets
// dispatched, bounded by maxInFlight, re-evaluated after each outcome.
type executor struct {
	execID      string
	registry    domain.CapabilityRegistry
	store       *varStore
	em          *emitter
	classifier  *ErrorClassifier
	logger      *slog.Logger
	maxInFlight int
}

// run executes the plan. It always returns a non-nil result; on failure
// the result carries the error annotation and every variable bound before
// the failure, and the returned error is the first step failure. Already
// dispatched units run to their natural completion after a failure or an
// abort; no new units are scheduled.
func (x *executor) run(ctx context.Context, p *plan, initial map[string]domain.Payload) (*domain.ExecutionResult, error) {
	for name, payload := range initial {
		if err := x.store.write(name, payload); err != nil {
			return x.fail(ctx, p, nil, err, "")
		}
	}

	x.em.started(ctx, domain.StartedData{
		ExecutionID: x.execID,
		TotalSteps:  len(p.units),
		IDs:         p.ids,
	})
	for _, u := range p.units {
		x.em.step(ctx, domain.StepData{StepID: u.id, Status: domain.StepPending})
	}

	acc := newAccumulator()
	outcomes := make(chan outcome, len(p.units))
	dispatched := make([]bool, len(p.units))

	var (
		firstErr   error
		failedStep string
		inflight   = 0
		remaining  = len(p.units)
		ctxDone    = ctx.Done()
		aborted    = false
	)

	for remaining > 0 {
		// Observe an abort before every dispatch round so nothing new is
		// scheduled once cancellation happened, even when outcomes and the
		// done signal race.
		if !aborted {
			select {
			case <-ctx.Done():
				aborted = true
				ctxDone = nil
			default:
			}
		}

		if firstErr == nil && !aborted {
			for i := range p.units {
				if inflight >= x.maxInFlight {
					break
				}
				u := p.units[i]
				if dispatched[i] || (u.input != "" && !x.store.bound(u.input)) {
					continue
				}
				var in domain.Payload
				if u.input != "" {
					var err error
					in, err = x.store.read(u.input)
					if err != nil {
						firstErr, failedStep = err, u.id
						break
					}
				}
				dispatched[i] = true
				inflight++
				go x.dispatch(ctx, i, u, in, outcomes)
			}
		}

		if inflight == 0 {
			// Nothing running and nothing schedulable. Either every unit is
			// done, or the units left were starved by a failure or abort;
			// starved units are never marked failed, they simply never ran.
			break
		}

		select {
		case out := <-outcomes:
			inflight--
			remaining--
			if err := x.settle(ctx, p.units[out.idx], out, acc); err != nil {
				if firstErr == nil {
					firstErr, failedStep = err, p.units[out.idx].id
				}
			}
		case <-ctxDone:
			aborted = true
			ctxDone = nil
		}
	}

	if aborted && firstErr == nil {
		firstErr = domain.NewDomainError("engine.run", domain.ErrAborted, ctx.Err().Error())
	}
	if firstErr != nil {
		return x.fail(ctx, p, acc, firstErr, failedStep)
	}

	res := acc.result(x.execID, p)
	res.Status = domain.StatusCompleted
	x.em.completed(ctx, domain.CompletedData{
		ExecutionID: x.execID,
		ImageIDs:    res.ImageIDs,
		ImageURLs:   acc.imageURLs(p),
		SaveResults: res.SaveResults,
	})
	return res, nil
}

// dispatch runs a single unit in its own goroutine and reports the
// outcome. The running event comes from here so it always lands between
// the coordinator's pending and terminal events for this unit.
func (x *executor) dispatch(ctx context.Context, idx int, u unit, in domain.Payload, outcomes chan<- outcome) {
	x.em.step(ctx, domain.StepData{StepID: u.id, Status: domain.StepRunning})

	ctx, span := tracer.StartSpan(ctx, "engine.step",
		trace.WithAttributes(
			tracer.StringAttr("step.id", u.id),
			tracer.StringAttr("step.kind", string(u.kind)),
			tracer.StringAttr("step.provider", u.provider),
		),
	)
	defer span.End()

	out := outcome{idx: idx}
	out.payload, out.usage, out.save, out.err = x.invoke(ctx, u, in)
	if out.err != nil {
		tracer.RecordError(span, out.err)
		out.err = x.wrapStepErr(u, out.err)
	} else {
		tracer.SetOK(span)
	}
	outcomes <- out
}

// invoke resolves the provider and performs the unit's call. Parameter
// schemas are checked right before dispatch; the registry treats providers
// without a schema as accepting anything.
func (x *executor) invoke(ctx context.Context, u unit, in domain.Payload) (domain.Payload, *domain.UsageEvent, *domain.SaveResult, error) {
	switch u.kind {
	case domain.StepGenerate:
		if err := x.registry.ValidateParams(domain.CapGenerator, u.provider, u.params); err != nil {
			return nil, nil, nil, err
		}
		gen, err := x.registry.Generator(u.provider)
		if err != nil {
			return nil, nil, nil, err
		}
		img, usage, err := gen.Generate(ctx, u.params)
		if err != nil {
			return nil, nil, nil, err
		}
		return img, usage, nil, nil

	case domain.StepTransform:
		if err := x.registry.ValidateParams(domain.CapTransform, u.provider, u.params); err != nil {
			return nil, nil, nil, err
		}
		tr, err := x.registry.Transformer(u.provider)
		if err != nil {
			return nil, nil, nil, err
		}
		p, usage, err := tr.Transform(ctx, in, u.operation, u.params)
		if err != nil {
			return nil, nil, nil, err
		}
		return p, usage, nil, nil

	case domain.StepSave:
		sv, err := x.registry.Saver(u.provider)
		if err != nil {
			return nil, nil, nil, err
		}
		res, err := sv.Save(ctx, in, u.destination)
		if err != nil {
			return nil, nil, nil, err
		}
		return nil, nil, res, nil

	default:
		return nil, nil, nil, domain.NewDomainError("engine.invoke", domain.ErrValidation,
			fmt.Sprintf("unschedulable step kind %q", u.kind))
	}
}

// settle applies one outcome to the store and accumulators and emits the
// unit's terminal event. Runs only on the coordinator goroutine.
func (x *executor) settle(ctx context.Context, u unit, out outcome, acc *accumulator) error {
	if out.err != nil {
		x.logger.Warn("step failed",
			"execution_id", x.execID,
			"step_id", u.id,
			"provider", u.provider,
			"error", out.err,
		)
		x.em.step(ctx, domain.StepData{
			StepID: u.id,
			Status: domain.StepError,
			Error:  out.err.Error(),
		})
		return out.err
	}

	ev := domain.StepData{StepID: u.id, Status: domain.StepCompleted}

	if u.output != "" {
		if err := x.store.write(u.output, out.payload); err != nil {
			x.em.step(ctx, domain.StepData{StepID: u.id, Status: domain.StepError, Error: err.Error()})
			return err
		}
		switch p := out.payload.(type) {
		case *domain.ImageBlob:
			uri := p.DataURI()
			acc.previews[u.output] = uri
			ev.Preview = uri
		case *domain.DataBlob:
			acc.dataOutputs[u.output] = domain.DataOutput{
				DataType: p.DataType,
				Content:  p.Content,
				Parsed:   p.Parsed,
			}
			ev.DataType = p.DataType
			ev.Content = p.Content
		}
	}
	if out.save != nil {
		acc.saveResults = append(acc.saveResults, *out.save)
	}
	if out.usage != nil {
		acc.usageEvents = append(acc.usageEvents, *out.usage)
	}

	x.logger.Debug("step completed", "execution_id", x.execID, "step_id", u.id)
	x.em.step(ctx, ev)
	return nil
}

// fail emits the terminal error event and assembles the failed result.
// Variables bound before the failure stay in the result; nothing is
// rolled back.
func (x *executor) fail(ctx context.Context, p *plan, acc *accumulator, cause error, stepID string) (*domain.ExecutionResult, error) {
	if acc == nil {
		acc = newAccumulator()
	}
	classified := x.classifier.Classify(cause)

	res := acc.result(x.execID, p)
	res.Status = domain.StatusError
	res.Error = cause.Error()
	res.ErrorCode = domain.ErrorCodeOf(cause)
	res.ErrorCategory = classified.Category
	res.Retryable = classified.Retryable
	res.FailedStep = stepID

	x.logger.Error("execution failed",
		"execution_id", x.execID,
		"step_id", stepID,
		"category", classified.Category,
		"retryable", classified.Retryable,
		"error", cause,
	)
	x.em.failed(ctx, domain.ErrorData{
		ExecutionID:   x.execID,
		Error:         cause.Error(),
		ErrorCode:     res.ErrorCode,
		ErrorCategory: classified.Category,
		Retryable:     classified.Retryable,
		StepID:        stepID,
	})
	return res, cause
}

// wrapStepErr attaches step context. Errors already carrying a known
// sentinel keep it (a quota error stays a quota error); anything else gets
// the step-kind sentinel so the machine code names the failing phase.
func (x *executor) wrapStepErr(u unit, err error) error {
	if domain.ErrorCodeOf(err) != domain.CodeUnknown {
		return &domain.DomainError{Op: "engine.step", Err: err, StepID: u.id, Provider: u.provider}
	}
	var sentinel error
	switch u.kind {
	case domain.StepGenerate:
		sentinel = domain.ErrGeneration
	case domain.StepSave:
		sentinel = domain.ErrSave
	default:
		sentinel = domain.ErrTransform
	}
	return &domain.DomainError{
		Op:       "engine.step",
		Err:      fmt.Errorf("%w: %v", sentinel, err),
		StepID:   u.id,
		Provider: u.provider,
	}
}

// accumulator collects execution outputs on the coordinator goroutine.
type accumulator struct {
	previews    map[string]string
	dataOutputs map[string]domain.DataOutput
	saveResults []domain.SaveResult
	usageEvents []domain.UsageEvent
}

func newAccumulator() *accumulator {
	return &accumulator{
		previews:    make(map[string]string),
		dataOutputs: make(map[string]domain.DataOutput),
	}
}

// result assembles the aggregate, listing image ids in declaration order.
func (a *accumulator) result(execID string, p *plan) *domain.ExecutionResult {
	imageIDs := make([]string, 0, len(p.ids))
	for _, id := range p.ids {
		if _, ok := a.previews[id]; ok {
			imageIDs = append(imageIDs, id)
		}
	}
	return &domain.ExecutionResult{
		ExecutionID: execID,
		ImageIDs:    imageIDs,
		Previews:    a.previews,
		DataOutputs: a.dataOutputs,
		SaveResults: a.saveResults,
		UsageEvents: a.usageEvents,
	}
}

// imageURLs returns the preview data URIs in the same order as the image
// id list of the completed event.
func (a *accumulator) imageURLs(p *plan) []string {
	urls := make([]string, 0, len(a.previews))
	for _, id := range p.ids {
		if uri, ok := a.previews[id]; ok {
			urls = append(urls, uri)
		}
	}
	return urls
}
