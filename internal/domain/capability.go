package domain

import (
	"context"
	"encoding/json"
)

// CapabilityKind identifies a class of pluggable provider behavior.
type CapabilityKind string

const (
	CapGenerator CapabilityKind = "generator"
	CapTransform CapabilityKind = "transform"
	CapSave      CapabilityKind = "save"
	CapVision    CapabilityKind = "vision"
	CapText      CapabilityKind = "text"
)

// Capability describes a provider for discovery and parameter validation.
// Params is a JSON Schema for the provider's parameters; it is consulted
// only for discovery and optional shape-level validation, never for
// control flow.
type Capability struct {
	Kind        CapabilityKind  `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Operations  []string        `json:"operations,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// Generator produces an image from parameters alone.
type Generator interface {
	Capability() Capability
	Generate(ctx context.Context, params map[string]any) (*ImageBlob, *UsageEvent, error)
}

// Transformer derives a new payload from an existing image. The input is a
// read-only view: implementations must not mutate it and must be reentrant
// across concurrent invocations (fan-out branches share one input).
type Transformer interface {
	Capability() Capability
	Transform(ctx context.Context, in Payload, operation string, params map[string]any) (Payload, *UsageEvent, error)
}

// Saver persists an image to a destination. Saving produces no pipeline
// variable, only a terminal SaveResult.
type Saver interface {
	Capability() Capability
	Save(ctx context.Context, in Payload, destination string) (*SaveResult, error)
}

// CapabilityRegistry is the read-only lookup the executor dispatches
// through. Registration happens once during startup; the registry must not
// change while an execution is in flight.
type CapabilityRegistry interface {
	Generator(name string) (Generator, error)
	Transformer(name string) (Transformer, error)
	Saver(name string) (Saver, error)
	// Capabilities lists registered capabilities of one kind, sorted by name.
	Capabilities(kind CapabilityKind) []Capability
	// ValidateParams checks params against the provider's declared schema.
	// Providers without a schema accept anything.
	ValidateParams(kind CapabilityKind, name string, params map[string]any) error
}
