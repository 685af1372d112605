// Package chart renders chart configurations to PNG through a
// QuickChart-compatible HTTP backend.
package chart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pixelflow/internal/adapter/provider/params"
	"pixelflow/internal/adapter/provider/remote"
	"pixelflow/internal/domain"
	"pixelflow/internal/security"
)

const providerName = "chart"

var paramsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"chart": {"type": "object"},
		"width": {"type": "integer", "minimum": 16, "maximum": 4096},
		"height": {"type": "integer", "minimum": 16, "maximum": 4096},
		"background": {"type": "string"}
	},
	"required": ["chart"]
}`)

// Config configures the chart renderer.
type Config struct {
	// BaseURL of the render service, e.g. "https://quickchart.io".
	BaseURL string        `yaml:"base_url"`
	Remote  remote.Config `yaml:"remote"`
}

// Generator renders charts remotely. Reentrant: all state is read-only
// after construction.
type Generator struct {
	baseURL string
	guard   *security.URLGuard
	caller  *remote.Caller
}

// New creates the chart generator.
func New(cfg Config, guard *security.URLGuard, logger *slog.Logger) *Generator {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://quickchart.io"
	}
	client := &http.Client{
		Transport: guard.Transport(),
		Timeout:   60 * time.Second,
	}
	return &Generator{
		baseURL: baseURL,
		guard:   guard,
		caller:  remote.NewCaller(providerName, client, cfg.Remote, logger),
	}
}

func (g *Generator) Capability() domain.Capability {
	return domain.Capability{
		Kind:        domain.CapGenerator,
		Name:        providerName,
		Description: "Render a chart configuration to PNG via a QuickChart-compatible service",
		Params:      paramsSchema,
	}
}

// renderRequest is the render service's wire format.
type renderRequest struct {
	Chart           any    `json:"chart"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Format          string `json:"format"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
}

// Generate posts the chart spec and returns the rendered bitmap.
func (g *Generator) Generate(ctx context.Context, p map[string]any) (*domain.ImageBlob, *domain.UsageEvent, error) {
	const op = "chart.Generate"

	spec, ok := p["chart"]
	if !ok {
		return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput, `missing required param "chart"`)
	}
	width := params.Int(p, "width", 500)
	height := params.Int(p, "height", 300)

	endpoint := g.baseURL + "/chart"
	if err := g.guard.CheckURL(ctx, endpoint); err != nil {
		return nil, nil, err
	}

	body, err := json.Marshal(renderRequest{
		Chart:           spec,
		Width:           width,
		Height:          height,
		Format:          "png",
		BackgroundColor: params.String(p, "background", ""),
	})
	if err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("chart spec not encodable: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrGeneration, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	png, err := g.caller.Do(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if len(png) == 0 {
		return nil, nil, domain.NewDomainError(op, domain.ErrGeneration, "render service returned an empty body")
	}

	usage := &domain.UsageEvent{
		Provider:  providerName,
		Kind:      domain.CapGenerator,
		Operation: "render",
		Unit:      "render",
		Amount:    1,
		At:        time.Now(),
	}
	return &domain.ImageBlob{
		Bytes:      png,
		MIME:       "image/png",
		Width:      width,
		Height:     height,
		Provenance: providerName + "/render",
	}, usage, nil
}
