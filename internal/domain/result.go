package domain

import "time"

// UsageEvent is provider-reported cost/quota telemetry collected during an
// execution for external accounting. The engine aggregates but never
// interprets these.
type UsageEvent struct {
	Provider  string         `json:"provider"`
	Kind      CapabilityKind `json:"kind"`
	Operation string         `json:"operation,omitempty"`
	Unit      string         `json:"unit"`
	Amount    float64        `json:"amount"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	At        time.Time      `json:"at"`
}

// SaveResult is the terminal output of a save step.
type SaveResult struct {
	Provider    string `json:"provider"`
	Destination string `json:"destination"`
	Location    string `json:"location"`
	Bytes       int    `json:"bytes,omitempty"`
}

// DataOutput is a structured or textual output keyed by variable name in
// the execution result.
type DataOutput struct {
	DataType DataType `json:"dataType"`
	Content  string   `json:"content"`
	Parsed   any      `json:"parsed,omitempty"`
}

// Terminal execution statuses.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// ExecutionResult aggregates everything one pipeline execution produced.
// On failure, variables bound before the failing step remain present; the
// engine never rolls back produced results.
type ExecutionResult struct {
	ExecutionID string                `json:"executionId"`
	Status      string                `json:"status"` // StatusCompleted or StatusError
	ImageIDs    []string              `json:"imageIds"`
	Previews    map[string]string     `json:"previews,omitempty"` // variable -> data URI
	DataOutputs map[string]DataOutput `json:"dataOutputs,omitempty"`
	SaveResults []SaveResult          `json:"saveResults,omitempty"`
	UsageEvents []UsageEvent          `json:"usageEvents,omitempty"`

	Error         string        `json:"error,omitempty"`
	ErrorCode     ErrorCode     `json:"errorCode,omitempty"`
	ErrorCategory ErrorCategory `json:"errorCategory,omitempty"`
	Retryable     bool          `json:"retryable,omitempty"`
	FailedStep    string        `json:"stepId,omitempty"`
}
