// Package geometry is the built-in deterministic transform provider. It
// operates structurally on SVG images (resize, scale, crop, rotate,
// grayscale) and extracts dimension data (measure), all without I/O. The
// input payload is never touched; every operation builds a fresh document.
package geometry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pixelflow/internal/adapter/provider/params"
	"pixelflow/internal/domain"
)

const providerName = "geometry"

var operations = []string{"resize", "scale", "crop", "rotate", "grayscale", "measure"}

var paramsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"width": {"type": "integer", "minimum": 1},
		"height": {"type": "integer", "minimum": 1},
		"factor": {"type": "number", "exclusiveMinimum": 0},
		"degrees": {"type": "number"},
		"x": {"type": "integer", "minimum": 0},
		"y": {"type": "integer", "minimum": 0}
	}
}`)

// Transformer applies geometric operations to SVG payloads. Stateless and
// reentrant: concurrent fan-out branches may share one input.
type Transformer struct{}

// New creates the geometry transformer.
func New() *Transformer { return &Transformer{} }

func (t *Transformer) Capability() domain.Capability {
	return domain.Capability{
		Kind:        domain.CapTransform,
		Name:        providerName,
		Description: "Structural SVG transforms (resize, scale, crop, rotate, grayscale) and measurement",
		Operations:  operations,
		Params:      paramsSchema,
	}
}

// Transform derives a new payload from in.
func (t *Transformer) Transform(ctx context.Context, in domain.Payload, operation string, p map[string]any) (domain.Payload, *domain.UsageEvent, error) {
	const op = "geometry.Transform"

	img, ok := in.(*domain.ImageBlob)
	if !ok {
		return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("operation %q needs an image input, got %s", operation, in.Kind()))
	}

	if operation == "measure" {
		return measure(img), nil, nil
	}

	if img.MIME != "image/svg+xml" {
		return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("operation %q supports SVG images only, got %s", operation, img.MIME))
	}
	inner, err := innerSVG(img.Bytes)
	if err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}

	switch operation {
	case "resize":
		width := params.Int(p, "width", 0)
		height := params.Int(p, "height", 0)
		if width <= 0 && height <= 0 {
			return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput,
				"resize needs width and/or height")
		}
		// A single dimension keeps the aspect ratio.
		if width <= 0 {
			width = height * img.Width / max(img.Height, 1)
		}
		if height <= 0 {
			height = width * img.Height / max(img.Width, 1)
		}
		doc := buildSVG(width, height, fmt.Sprintf("0 0 %d %d", img.Width, img.Height), inner)
		return derive(img, doc, width, height, "resize"), nil, nil

	case "scale":
		factor := params.Float(p, "factor", 0)
		if factor <= 0 {
			return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput,
				"scale needs a positive factor")
		}
		width := int(float64(img.Width) * factor)
		height := int(float64(img.Height) * factor)
		if width < 1 || height < 1 {
			return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput,
				fmt.Sprintf("factor %g collapses the image", factor))
		}
		doc := buildSVG(width, height, fmt.Sprintf("0 0 %d %d", img.Width, img.Height), inner)
		return derive(img, doc, width, height, "scale"), nil, nil

	case "crop":
		x := params.Int(p, "x", 0)
		y := params.Int(p, "y", 0)
		width := params.Int(p, "width", 0)
		height := params.Int(p, "height", 0)
		if width <= 0 || height <= 0 {
			return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput,
				"crop needs positive width and height")
		}
		if x+width > img.Width || y+height > img.Height {
			return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput,
				fmt.Sprintf("crop window %dx%d+%d+%d exceeds image %dx%d", width, height, x, y, img.Width, img.Height))
		}
		doc := buildSVG(width, height, fmt.Sprintf("%d %d %d %d", x, y, width, height), inner)
		return derive(img, doc, width, height, "crop"), nil, nil

	case "rotate":
		degrees := params.Float(p, "degrees", 90)
		wrapped := fmt.Sprintf(`<g transform="rotate(%g %d %d)">%s</g>`,
			degrees, img.Width/2, img.Height/2, inner)
		doc := buildSVG(img.Width, img.Height, fmt.Sprintf("0 0 %d %d", img.Width, img.Height), wrapped)
		return derive(img, doc, img.Width, img.Height, "rotate"), nil, nil

	case "grayscale":
		wrapped := `<filter id="pf-gs"><feColorMatrix type="saturate" values="0"/></filter>` +
			`<g filter="url(#pf-gs)">` + inner + `</g>`
		doc := buildSVG(img.Width, img.Height, fmt.Sprintf("0 0 %d %d", img.Width, img.Height), wrapped)
		return derive(img, doc, img.Width, img.Height, "grayscale"), nil, nil

	default:
		return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("unsupported operation %q (supported: %s)", operation, strings.Join(operations, ", ")))
	}
}

func measure(img *domain.ImageBlob) *domain.DataBlob {
	dims := map[string]any{
		"width":  img.Width,
		"height": img.Height,
		"mime":   img.MIME,
		"bytes":  len(img.Bytes),
	}
	content, _ := json.Marshal(dims)
	return &domain.DataBlob{
		DataType:   domain.DataJSON,
		Content:    string(content),
		Parsed:     dims,
		Provenance: providerName + "/measure",
	}
}

func derive(src *domain.ImageBlob, doc string, width, height int, operation string) *domain.ImageBlob {
	return &domain.ImageBlob{
		Bytes:      []byte(doc),
		MIME:       "image/svg+xml",
		Width:      width,
		Height:     height,
		Provenance: providerName + "/" + operation,
		Meta:       map[string]string{"derived_from": src.Provenance},
	}
}

func buildSVG(width, height int, viewBox, inner string) string {
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="%s">%s</svg>`,
		width, height, viewBox, inner)
}

// innerSVG returns the content between the root element's tags.
func innerSVG(doc []byte) (string, error) {
	s := string(doc)
	start := strings.Index(s, "<svg")
	if start < 0 {
		return "", fmt.Errorf("input is not an SVG document")
	}
	open := strings.Index(s[start:], ">")
	if open < 0 {
		return "", fmt.Errorf("malformed SVG root element")
	}
	// Self-closing root: no inner content.
	if strings.HasSuffix(strings.TrimSpace(s[start:start+open+1]), "/>") {
		return "", nil
	}
	end := strings.LastIndex(s, "</svg>")
	if end < 0 || end < start+open {
		return "", fmt.Errorf("unterminated SVG document")
	}
	return s[start+open+1 : end], nil
}
