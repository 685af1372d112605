package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Execution lifecycle events (mirrored onto the stream protocol).
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionStep      EventType = "execution.step"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionError     EventType = "execution.error"

	// Library and scheduler events.
	EventPipelinesLoaded EventType = "pipelines.loaded"
	EventScheduleFired   EventType = "schedule.fired"

	// Run store events.
	EventRunRecorded EventType = "run.recorded"
)

// StepStatus is the per-step lifecycle state. Transitions are strictly
// pending -> running -> completed|error; each transition is emitted as
// exactly one step event.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

// StartedData is the payload of an execution.started event. IDs lists, in
// declaration order, every variable the pipeline will produce.
type StartedData struct {
	ExecutionID string   `json:"executionId"`
	TotalSteps  int      `json:"totalSteps"`
	IDs         []string `json:"ids"`
}

// StepData is the payload of an execution.step event.
type StepData struct {
	StepID   string     `json:"stepId"`
	Status   StepStatus `json:"status"`
	Preview  string     `json:"preview,omitempty"`
	DataType DataType   `json:"dataType,omitempty"`
	Content  string     `json:"content,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// CompletedData is the payload of the terminal execution.completed event.
type CompletedData struct {
	ExecutionID string       `json:"executionId"`
	ImageIDs    []string     `json:"imageIds"`
	ImageURLs   []string     `json:"imageUrls,omitempty"`
	SaveResults []SaveResult `json:"saveResults,omitempty"`
}

// ErrorData is the payload of the terminal execution.error event.
type ErrorData struct {
	ExecutionID   string        `json:"executionId"`
	Error         string        `json:"error"`
	ErrorCode     ErrorCode     `json:"errorCode,omitempty"`
	ErrorCategory ErrorCategory `json:"errorCategory,omitempty"`
	Retryable     bool          `json:"retryable"`
	StepID        string        `json:"stepId,omitempty"`
}

// ExecutionEvent is one frame of the streaming protocol: a type tag plus a
// type-specific data object.
type ExecutionEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is the envelope published on the in-process event bus for ambient
// observers (gateway clients, run store). Stream consumers use
// ExecutionEvent instead; the bus makes no ordering guarantees.
type Event struct {
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides publish/subscribe for domain events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for one event type and returns an
	// unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler for every event.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and rejects further publishes.
	Close()
}
