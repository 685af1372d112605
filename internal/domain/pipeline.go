package domain

// StepKind identifies the variant of a pipeline step.
type StepKind string

const (
	StepGenerate  StepKind = "generate"
	StepTransform StepKind = "transform"
	StepSave      StepKind = "save"
	StepFanOut    StepKind = "fan-out"
)

// BranchSpec is one independent branch of a fan-out step.
type BranchSpec struct {
	Provider  string         `json:"provider" yaml:"provider"`
	Operation string         `json:"operation" yaml:"operation"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Step is a single unit of work in a pipeline. The Kind field selects the
// variant; every consumer must switch exhaustively over it.
type Step struct {
	Kind StepKind `json:"kind" yaml:"kind"`

	// generate / transform / save
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// transform
	Operation string `json:"operation,omitempty" yaml:"operation,omitempty"`

	// generate / transform
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// transform / save / fan-out: name of the consumed variable
	Input string `json:"input,omitempty" yaml:"input,omitempty"`

	// generate / transform: name of the produced variable
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	// save
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// fan-out
	Branches []BranchSpec `json:"branches,omitempty" yaml:"branches,omitempty"`
	Outputs  []string     `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// PipelineDefinition is an ordered list of steps executed as one unit.
// Steps are declared in dependency order: a step may only reference
// variables produced by earlier steps or supplied as initial variables.
type PipelineDefinition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Inputs names the initial variables callers must supply at run time.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps  []Step   `json:"steps" yaml:"steps"`
}
