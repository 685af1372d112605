package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pixelflow/internal/domain"
	"pixelflow/internal/usecase/engine"
	"pixelflow/internal/usecase/library"
	"pixelflow/internal/usecase/runstore"
)

// HandlerDeps holds dependencies needed by the RPC handlers.
type HandlerDeps struct {
	Engine   *engine.Engine
	Library  *library.Library
	Registry domain.CapabilityRegistry
	Runs     *runstore.Store // can be nil (history disabled)
	Logger   *slog.Logger
}

// RegisterDefaultHandlers registers all built-in RPC handlers.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("execution.run", executionRunHandler(deps))
	s.RegisterHandler("pipeline.list", pipelineListHandler(deps))
	s.RegisterHandler("pipeline.get", pipelineGetHandler(deps))
	s.RegisterHandler("pipeline.validate", pipelineValidateHandler(deps))
	s.RegisterHandler("capability.list", capabilityListHandler(deps))
	if deps.Runs != nil {
		s.RegisterHandler("run.list", runListHandler(deps))
		s.RegisterHandler("run.get", runGetHandler(deps))
	}
}

// --- execution ---

type executionRunRequest struct {
	// Pipeline names a library definition; Definition carries one inline.
	// Exactly one must be set.
	Pipeline   string                     `json:"pipeline,omitempty"`
	Definition *domain.PipelineDefinition `json:"definition,omitempty"`
	// Inputs maps initial variable names to base64 or data-URI images.
	Inputs map[string]string `json:"inputs,omitempty"`
}

func executionRunHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req executionRunRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewDomainError("gateway.run", domain.ErrInvalidInput, err.Error())
		}

		var def domain.PipelineDefinition
		switch {
		case req.Pipeline != "" && req.Definition != nil:
			return nil, domain.NewDomainError("gateway.run", domain.ErrInvalidInput,
				"pipeline and definition are mutually exclusive")
		case req.Pipeline != "":
			var err error
			def, err = deps.Library.Get(req.Pipeline)
			if err != nil {
				return nil, err
			}
		case req.Definition != nil:
			def = *req.Definition
		default:
			return nil, domain.NewDomainError("gateway.run", domain.ErrInvalidInput,
				"either pipeline or definition is required")
		}

		initial, err := decodeInputs(req.Inputs)
		if err != nil {
			return nil, err
		}

		// Lifecycle events stream to the requesting client in order, tagged
		// with the request id and never dropped; the bus mirror stays
		// best-effort for ambient observers. Execution carries on when the
		// client goes away so the run still completes and gets recorded.
		startedAt := time.Now()
		streaming := true
		res, execErr := deps.Engine.ExecuteObserved(ctx, def, initial, func(ev domain.ExecutionEvent) {
			if !streaming {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if err := client.StreamEvent(ctx, raw); err != nil {
				streaming = false
				deps.Logger.Warn("stopped streaming lifecycle to client", "error", err)
			}
		})
		if res == nil {
			return nil, execErr
		}

		if deps.Runs != nil {
			if err := deps.Runs.Record(ctx, def.Name, startedAt, res); err != nil {
				deps.Logger.Warn("failed to record run", "execution_id", res.ExecutionID, "error", err)
			}
		}
		return json.Marshal(res)
	}
}

// decodeInputs turns client-supplied base64 or data-URI strings into
// image payloads.
func decodeInputs(inputs map[string]string) (map[string]domain.Payload, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	initial := make(map[string]domain.Payload, len(inputs))
	for name, encoded := range inputs {
		blob, err := decodeImageInput(encoded)
		if err != nil {
			return nil, domain.NewDomainError("gateway.run", domain.ErrInvalidInput,
				fmt.Sprintf("input %q: %v", name, err))
		}
		initial[name] = blob
	}
	return initial, nil
}

func decodeImageInput(encoded string) (*domain.ImageBlob, error) {
	mime := ""
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		head, body, found := strings.Cut(rest, ";base64,")
		if !found {
			return nil, fmt.Errorf("data URI is not base64-encoded")
		}
		mime, encoded = head, body
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %v", err)
	}
	if mime == "" {
		mime = http.DetectContentType(raw)
	}
	return &domain.ImageBlob{
		Bytes:      raw,
		MIME:       mime,
		Provenance: "client",
	}, nil
}

// --- pipelines ---

func pipelineListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *Client, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Library.List())
	}
}

type pipelineGetRequest struct {
	Name string `json:"name"`
}

func pipelineGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req pipelineGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewDomainError("gateway.pipeline", domain.ErrInvalidInput, err.Error())
		}
		if req.Name == "" {
			return nil, domain.NewDomainError("gateway.pipeline", domain.ErrInvalidInput, "name is required")
		}
		def, err := deps.Library.Get(req.Name)
		if err != nil {
			return nil, err
		}
		return json.Marshal(def)
	}
}

type pipelineValidateRequest struct {
	Definition domain.PipelineDefinition `json:"definition"`
	Inputs     []string                  `json:"inputs,omitempty"`
}

func pipelineValidateHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req pipelineValidateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewDomainError("gateway.validate", domain.ErrInvalidInput, err.Error())
		}
		if err := deps.Engine.Validate(req.Definition, req.Inputs); err != nil {
			return json.Marshal(map[string]any{"valid": false, "error": err.Error()})
		}
		return json.Marshal(map[string]any{"valid": true})
	}
}

// --- capabilities ---

type capabilityListResponse struct {
	Generators []domain.Capability `json:"generators"`
	Transforms []domain.Capability `json:"transforms"`
	Savers     []domain.Capability `json:"savers"`
}

func capabilityListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *Client, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(capabilityListResponse{
			Generators: deps.Registry.Capabilities(domain.CapGenerator),
			Transforms: deps.Registry.Capabilities(domain.CapTransform),
			Savers:     deps.Registry.Capabilities(domain.CapSave),
		})
	}
}

// --- runs ---

type runListRequest struct {
	Limit int `json:"limit"`
}

func runListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req runListRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, domain.NewDomainError("gateway.runs", domain.ErrInvalidInput, err.Error())
			}
		}
		runs, err := deps.Runs.List(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(runs)
	}
}

type runGetRequest struct {
	ID string `json:"id"`
}

func runGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *Client, payload json.RawMessage) (json.RawMessage, error) {
		var req runGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.NewDomainError("gateway.runs", domain.ErrInvalidInput, err.Error())
		}
		if req.ID == "" {
			return nil, domain.NewDomainError("gateway.runs", domain.ErrInvalidInput, "id is required")
		}
		run, err := deps.Runs.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(run)
	}
}
