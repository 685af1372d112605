package engine

import (
	"fmt"
	"strings"

	"pixelflow/internal/domain"
)

// unit is one schedulable piece of work. Plain steps map one-to-one; a
// fan-out step expands into one unit per branch, all consuming the same
// input variable. Units carry everything the executor needs so dispatch
// never re-inspects the original step list.
type unit struct {
	id        string // output variable name, or save#<n> for save units
	stepIndex int    // index of the originating step
	kind      domain.StepKind
	provider  string
	operation string
	params    map[string]any

	input       string // consumed variable, "" for generate
	output      string // produced variable, "" for save
	destination string // save only
}

// plan is the validated, expanded form of a pipeline, ready for
// scheduling.
type plan struct {
	units []unit
	// ids lists every variable the pipeline will produce, in declaration
	// order. Save units are excluded: they produce no variable.
	ids []string
}

// buildPlan validates a pipeline against the set of initially-available
// variable names and expands it into scheduling units. It performs no I/O
// and has no side effects; the first violation aborts with ErrValidation
// naming the offending reference. Provider existence is deliberately not
// checked here: that is a registry concern at dispatch time.
func buildPlan(def domain.PipelineDefinition, initial []string) (*plan, error) {
	const op = "engine.buildPlan"

	if len(def.Steps) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrValidation, "pipeline has no steps")
	}

	known := make(map[string]bool, len(initial))
	for _, name := range initial {
		if strings.Contains(name, "#") {
			return nil, domain.NewDomainError(op, domain.ErrValidation,
				fmt.Sprintf("initial variable %q: '#' is reserved for save step ids", name))
		}
		if known[name] {
			return nil, domain.NewDomainError(op, domain.ErrValidation,
				fmt.Sprintf("duplicate initial variable %q", name))
		}
		known[name] = true
	}

	p := &plan{}
	saveCount := 0

	declare := func(stepIdx int, name string) error {
		if name == "" {
			return domain.NewDomainError(op, domain.ErrValidation,
				fmt.Sprintf("step %d: missing output variable name", stepIdx))
		}
		if strings.Contains(name, "#") {
			return domain.NewDomainError(op, domain.ErrValidation,
				fmt.Sprintf("step %d: output %q: '#' is reserved for save step ids", stepIdx, name))
		}
		if known[name] {
			return domain.NewDomainError(op, domain.ErrValidation,
				fmt.Sprintf("step %d: output %q already declared", stepIdx, name))
		}
		known[name] = true
		p.ids = append(p.ids, name)
		return nil
	}
	resolve := func(stepIdx int, name string) error {
		if name == "" {
			return domain.NewDomainError(op, domain.ErrValidation,
				fmt.Sprintf("step %d: missing input variable name", stepIdx))
		}
		if !known[name] {
			return domain.NewDomainError(op, domain.ErrValidation,
				fmt.Sprintf("step %d: input %q does not resolve to an initial variable or an earlier output", stepIdx, name))
		}
		return nil
	}

	for i, step := range def.Steps {
		switch step.Kind {
		case domain.StepGenerate:
			if step.Provider == "" {
				return nil, domain.NewDomainError(op, domain.ErrValidation,
					fmt.Sprintf("step %d: generate step missing provider", i))
			}
			if err := declare(i, step.Output); err != nil {
				return nil, err
			}
			p.units = append(p.units, unit{
				id:        step.Output,
				stepIndex: i,
				kind:      domain.StepGenerate,
				provider:  step.Provider,
				params:    step.Params,
				output:    step.Output,
			})

		case domain.StepTransform:
			if step.Provider == "" {
				return nil, domain.NewDomainError(op, domain.ErrValidation,
					fmt.Sprintf("step %d: transform step missing provider", i))
			}
			if err := resolve(i, step.Input); err != nil {
				return nil, err
			}
			if err := declare(i, step.Output); err != nil {
				return nil, err
			}
			p.units = append(p.units, unit{
				id:        step.Output,
				stepIndex: i,
				kind:      domain.StepTransform,
				provider:  step.Provider,
				operation: step.Operation,
				params:    step.Params,
				input:     step.Input,
				output:    step.Output,
			})

		case domain.StepSave:
			if step.Provider == "" {
				return nil, domain.NewDomainError(op, domain.ErrValidation,
					fmt.Sprintf("step %d: save step missing provider", i))
			}
			if step.Destination == "" {
				return nil, domain.NewDomainError(op, domain.ErrValidation,
					fmt.Sprintf("step %d: save step missing destination", i))
			}
			if err := resolve(i, step.Input); err != nil {
				return nil, err
			}
			saveCount++
			p.units = append(p.units, unit{
				id:          fmt.Sprintf("save#%d", saveCount),
				stepIndex:   i,
				kind:        domain.StepSave,
				provider:    step.Provider,
				input:       step.Input,
				destination: step.Destination,
			})

		case domain.StepFanOut:
			if err := resolve(i, step.Input); err != nil {
				return nil, err
			}
			if len(step.Branches) == 0 {
				return nil, domain.NewDomainError(op, domain.ErrValidation,
					fmt.Sprintf("step %d: fan-out step has no branches", i))
			}
			if len(step.Branches) != len(step.Outputs) {
				return nil, domain.NewDomainError(op, domain.ErrValidation,
					fmt.Sprintf("step %d: fan-out has %d branches but %d outputs", i, len(step.Branches), len(step.Outputs)))
			}
			for b, branch := range step.Branches {
				if branch.Provider == "" {
					return nil, domain.NewDomainError(op, domain.ErrValidation,
						fmt.Sprintf("step %d: fan-out branch %d missing provider", i, b))
				}
				if err := declare(i, step.Outputs[b]); err != nil {
					return nil, err
				}
				p.units = append(p.units, unit{
					id:        step.Outputs[b],
					stepIndex: i,
					kind:      domain.StepTransform,
					provider:  branch.Provider,
					operation: branch.Operation,
					params:    branch.Params,
					input:     step.Input,
					output:    step.Outputs[b],
				})
			}

		default:
			return nil, domain.NewDomainError(op, domain.ErrValidation,
				fmt.Sprintf("step %d: unknown step kind %q", i, step.Kind))
		}
	}

	return p, nil
}
