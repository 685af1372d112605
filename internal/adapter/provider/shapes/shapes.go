// Package shapes is the built-in deterministic generator: it renders
// simple geometric figures as SVG without any I/O. Identical params
// always yield identical bytes, which makes it the reference provider for
// reproducible pipelines.
package shapes

import (
	"context"
	"encoding/json"
	"fmt"

	"pixelflow/internal/adapter/provider/params"
	"pixelflow/internal/domain"
)

const providerName = "shapes"

var supportedShapes = []string{"rectangle", "circle", "ellipse", "triangle", "line"}

var paramsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"shape": {"type": "string", "enum": ["rectangle", "circle", "ellipse", "triangle", "line"]},
		"width": {"type": "integer", "minimum": 1, "maximum": 4096},
		"height": {"type": "integer", "minimum": 1, "maximum": 4096},
		"fill": {"type": "string"},
		"stroke": {"type": "string"},
		"strokeWidth": {"type": "number", "minimum": 0},
		"background": {"type": "string"}
	},
	"required": ["shape"]
}`)

// Generator renders shapes. Stateless and reentrant.
type Generator struct{}

// New creates the shapes generator.
func New() *Generator { return &Generator{} }

func (g *Generator) Capability() domain.Capability {
	return domain.Capability{
		Kind:        domain.CapGenerator,
		Name:        providerName,
		Description: "Deterministic SVG shape generator (rectangle, circle, ellipse, triangle, line)",
		Operations:  supportedShapes,
		Params:      paramsSchema,
	}
}

// Generate renders the requested shape to an SVG image.
func (g *Generator) Generate(ctx context.Context, p map[string]any) (*domain.ImageBlob, *domain.UsageEvent, error) {
	shape, err := params.Require(p, "shape")
	if err != nil {
		return nil, nil, domain.NewDomainError("shapes.Generate", domain.ErrInvalidInput, err.Error())
	}

	width := params.Int(p, "width", 256)
	height := params.Int(p, "height", 256)
	fill := params.String(p, "fill", "#4a90d9")
	stroke := params.String(p, "stroke", "none")
	strokeWidth := params.Float(p, "strokeWidth", 0)
	background := params.String(p, "background", "")

	element, err := shapeElement(shape, width, height, fill, stroke, strokeWidth)
	if err != nil {
		return nil, nil, domain.NewDomainError("shapes.Generate", domain.ErrInvalidInput, err.Error())
	}

	doc := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		width, height, width, height)
	if background != "" {
		doc += fmt.Sprintf(`<rect x="0" y="0" width="%d" height="%d" fill="%s"/>`, width, height, background)
	}
	doc += element + `</svg>`

	return &domain.ImageBlob{
		Bytes:      []byte(doc),
		MIME:       "image/svg+xml",
		Width:      width,
		Height:     height,
		Provenance: providerName + "/" + shape,
		Meta:       map[string]string{"shape": shape},
	}, nil, nil
}

func shapeElement(shape string, w, h int, fill, stroke string, strokeWidth float64) (string, error) {
	paint := fmt.Sprintf(`fill="%s" stroke="%s" stroke-width="%s"`, fill, stroke, trimFloat(strokeWidth))
	switch shape {
	case "rectangle":
		return fmt.Sprintf(`<rect x="0" y="0" width="%d" height="%d" %s/>`, w, h, paint), nil
	case "circle":
		r := min(w, h) / 2
		return fmt.Sprintf(`<circle cx="%d" cy="%d" r="%d" %s/>`, w/2, h/2, r, paint), nil
	case "ellipse":
		return fmt.Sprintf(`<ellipse cx="%d" cy="%d" rx="%d" ry="%d" %s/>`, w/2, h/2, w/2, h/2, paint), nil
	case "triangle":
		return fmt.Sprintf(`<polygon points="%d,0 %d,%d 0,%d" %s/>`, w/2, w, h, h, paint), nil
	case "line":
		lineStroke := stroke
		if lineStroke == "none" {
			lineStroke = fill
		}
		lw := strokeWidth
		if lw == 0 {
			lw = 2
		}
		return fmt.Sprintf(`<line x1="0" y1="%d" x2="%d" y2="%d" stroke="%s" stroke-width="%s"/>`,
			h/2, w, h/2, lineStroke, trimFloat(lw)), nil
	default:
		return "", fmt.Errorf("unsupported shape %q (supported: rectangle, circle, ellipse, triangle, line)", shape)
	}
}

func trimFloat(f float64) string {
	if f == float64(int(f)) {
		return fmt.Sprintf("%d", int(f))
	}
	return fmt.Sprintf("%g", f)
}
