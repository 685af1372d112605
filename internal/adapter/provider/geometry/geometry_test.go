package geometry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"pixelflow/internal/domain"
)

func sourceImage() *domain.ImageBlob {
	return &domain.ImageBlob{
		Bytes:      []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="200" height="100" viewBox="0 0 200 100"><rect width="200" height="100" fill="#123456"/></svg>`),
		MIME:       "image/svg+xml",
		Width:      200,
		Height:     100,
		Provenance: "shapes/rectangle",
	}
}

func TestResize(t *testing.T) {
	tr := New()
	out, usage, err := tr.Transform(context.Background(), sourceImage(), "resize", map[string]any{"width": 100})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if usage != nil {
		t.Error("local transform must not report usage")
	}
	img := out.(*domain.ImageBlob)
	if img.Width != 100 || img.Height != 50 {
		t.Errorf("dims = %dx%d, want 100x50 (aspect kept)", img.Width, img.Height)
	}
	if !strings.Contains(string(img.Bytes), `viewBox="0 0 200 100"`) {
		t.Errorf("resize must keep the source coordinate system: %s", img.Bytes)
	}
}

func TestResizeDoesNotMutateInput(t *testing.T) {
	tr := New()
	src := sourceImage()
	before := string(src.Bytes)

	if _, _, err := tr.Transform(context.Background(), src, "resize", map[string]any{"width": 50, "height": 50}); err != nil {
		t.Fatal(err)
	}
	if string(src.Bytes) != before || src.Width != 200 {
		t.Error("transform mutated its input payload")
	}
}

func TestScale(t *testing.T) {
	tr := New()
	out, _, err := tr.Transform(context.Background(), sourceImage(), "scale", map[string]any{"factor": 0.5})
	if err != nil {
		t.Fatal(err)
	}
	img := out.(*domain.ImageBlob)
	if img.Width != 100 || img.Height != 50 {
		t.Errorf("dims = %dx%d, want 100x50", img.Width, img.Height)
	}
}

func TestCrop(t *testing.T) {
	tr := New()
	out, _, err := tr.Transform(context.Background(), sourceImage(), "crop",
		map[string]any{"x": 10, "y": 20, "width": 50, "height": 40})
	if err != nil {
		t.Fatal(err)
	}
	img := out.(*domain.ImageBlob)
	if img.Width != 50 || img.Height != 40 {
		t.Errorf("dims = %dx%d, want 50x40", img.Width, img.Height)
	}
	if !strings.Contains(string(img.Bytes), `viewBox="10 20 50 40"`) {
		t.Errorf("crop must shift the viewBox: %s", img.Bytes)
	}

	_, _, err = tr.Transform(context.Background(), sourceImage(), "crop",
		map[string]any{"x": 180, "y": 0, "width": 50, "height": 40})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("out-of-bounds crop: error = %v, want ErrInvalidInput", err)
	}
}

func TestRotateAndGrayscaleKeepDims(t *testing.T) {
	tr := New()
	for _, op := range []string{"rotate", "grayscale"} {
		out, _, err := tr.Transform(context.Background(), sourceImage(), op, map[string]any{"degrees": 45})
		if err != nil {
			t.Fatalf("%s: %v", op, err)
		}
		img := out.(*domain.ImageBlob)
		if img.Width != 200 || img.Height != 100 {
			t.Errorf("%s changed dimensions to %dx%d", op, img.Width, img.Height)
		}
	}
}

func TestMeasure(t *testing.T) {
	tr := New()
	out, _, err := tr.Transform(context.Background(), sourceImage(), "measure", nil)
	if err != nil {
		t.Fatal(err)
	}
	data, ok := out.(*domain.DataBlob)
	if !ok {
		t.Fatalf("measure must produce a data payload, got %T", out)
	}
	if data.DataType != domain.DataJSON {
		t.Errorf("dataType = %s, want json", data.DataType)
	}
	var dims map[string]any
	if err := json.Unmarshal([]byte(data.Content), &dims); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if dims["width"].(float64) != 200 || dims["height"].(float64) != 100 {
		t.Errorf("dims = %v", dims)
	}
}

func TestRejectsDataInput(t *testing.T) {
	tr := New()
	in := &domain.DataBlob{DataType: domain.DataText, Content: "hi", Provenance: "x"}
	_, _, err := tr.Transform(context.Background(), in, "resize", map[string]any{"width": 10})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestRejectsNonSVG(t *testing.T) {
	tr := New()
	png := &domain.ImageBlob{Bytes: []byte{0x89, 'P', 'N', 'G'}, MIME: "image/png", Width: 1, Height: 1, Provenance: "chart"}

	if _, _, err := tr.Transform(context.Background(), png, "resize", map[string]any{"width": 10}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("resize on PNG: error = %v, want ErrInvalidInput", err)
	}
	// measure works on any image.
	if _, _, err := tr.Transform(context.Background(), png, "measure", nil); err != nil {
		t.Errorf("measure on PNG: %v", err)
	}
}

func TestUnknownOperation(t *testing.T) {
	tr := New()
	_, _, err := tr.Transform(context.Background(), sourceImage(), "emboss", nil)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
	if !strings.Contains(err.Error(), "emboss") {
		t.Errorf("error should name the operation: %v", err)
	}
}
