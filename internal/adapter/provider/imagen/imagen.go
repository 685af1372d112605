// Package imagen generates images through an OpenAI-Images-compatible
// REST API. It is the only built-in generator that needs credentials.
package imagen

import (
	"bytes"
	"context"
	"encoding/base64"
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

const providerName = "imagen"

var paramsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"size": {"type": "string", "enum": ["256x256", "512x512", "1024x1024"]},
		"model": {"type": "string"}
	},
	"required": ["prompt"]
}`)

// Config configures the image-generation backend.
type Config struct {
	BaseURL string `yaml:"base_url"`
	// APIKey is required; without it every call fails with a
	// configuration error. Usually injected via environment override.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// CostPerImageUSD feeds usage telemetry. The engine aggregates it,
	// nothing more.
	CostPerImageUSD float64       `yaml:"cost_per_image_usd"`
	Remote          remote.Config `yaml:"remote"`
}

// Generator calls the REST backend. Reentrant.
type Generator struct {
	cfg    Config
	guard  *security.URLGuard
	caller *remote.Caller
}

// New creates the imagen generator.
func New(cfg Config, guard *security.URLGuard, logger *slog.Logger) *Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-image-1"
	}
	if cfg.CostPerImageUSD == 0 {
		cfg.CostPerImageUSD = 0.02
	}
	client := &http.Client{
		Transport: guard.Transport(),
		Timeout:   120 * time.Second,
	}
	return &Generator{
		cfg:    cfg,
		guard:  guard,
		caller: remote.NewCaller(providerName, client, cfg.Remote, logger),
	}
}

func (g *Generator) Capability() domain.Capability {
	return domain.Capability{
		Kind:        domain.CapGenerator,
		Name:        providerName,
		Description: "Generate an image from a text prompt via a REST image-generation API",
		Params:      paramsSchema,
	}
}

type generationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type generationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Generate requests one image for the prompt.
func (g *Generator) Generate(ctx context.Context, p map[string]any) (*domain.ImageBlob, *domain.UsageEvent, error) {
	const op = "imagen.Generate"

	if g.cfg.APIKey == "" {
		return nil, nil, domain.NewDomainError(op, domain.ErrConfiguration,
			"api key not configured (set PIXELFLOW_IMAGEN_API_KEY)")
	}
	prompt, err := params.Require(p, "prompt")
	if err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}
	size := params.String(p, "size", "1024x1024")
	model := params.String(p, "model", g.cfg.Model)

	endpoint := g.cfg.BaseURL + "/v1/images/generations"
	if err := g.guard.CheckURL(ctx, endpoint); err != nil {
		return nil, nil, err
	}

	body, _ := json.Marshal(generationRequest{
		Model:          model,
		Prompt:         prompt,
		N:              1,
		Size:           size,
		ResponseFormat: "b64_json",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrGeneration, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	raw, err := g.caller.Do(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var resp generationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrGeneration,
			fmt.Sprintf("undecodable response: %v", err))
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, nil, domain.NewDomainError(op, domain.ErrGeneration, "response carries no image data")
	}
	img, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrGeneration,
			fmt.Sprintf("invalid image encoding: %v", err))
	}

	width, height := parseSize(size)
	usage := &domain.UsageEvent{
		Provider:  providerName,
		Kind:      domain.CapGenerator,
		Operation: model,
		Unit:      "image",
		Amount:    1,
		CostUSD:   g.cfg.CostPerImageUSD,
		At:        time.Now(),
	}
	return &domain.ImageBlob{
		Bytes:      img,
		MIME:       "image/png",
		Width:      width,
		Height:     height,
		Provenance: providerName + "/" + model,
	}, usage, nil
}

func parseSize(size string) (int, int) {
	var w, h int
	if _, err := fmt.Sscanf(size, "%dx%d", &w, &h); err != nil {
		return 0, 0
	}
	return w, h
}
