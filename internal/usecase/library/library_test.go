package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"pixelflow/internal/domain"
)

type stubValidator struct {
	rejected map[string]error
	calls    int
}

func (v *stubValidator) Validate(def domain.PipelineDefinition, initialVars []string) error {
	v.calls++
	if err, ok := v.rejected[def.Name]; ok {
		return err
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const thumbnailYAML = `name: thumbnail
description: shrink and store
inputs: [source]
steps:
  - kind: transform
    provider: geometry
    operation: resize
    params: {width: 128}
    input: source
    output: thumb
  - kind: save
    provider: file
    input: thumb
    destination: thumbs/out.png
`

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "thumbnail.yaml", thumbnailYAML)
	writeFile(t, dir, "notes.txt", "not a pipeline")

	v := &stubValidator{}
	lib := New(Config{Dir: dir}, v, nil, testLogger())
	if err := lib.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	def, err := lib.Get("thumbnail")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(def.Steps) != 2 || def.Steps[0].Kind != domain.StepTransform {
		t.Errorf("steps = %+v", def.Steps)
	}
	if !reflect.DeepEqual(def.Inputs, []string{"source"}) {
		t.Errorf("inputs = %v", def.Inputs)
	}
	if v.calls != 1 {
		t.Errorf("validator calls = %d", v.calls)
	}
}

func TestLoadDefaultsNameFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "banner.yml", "steps:\n  - kind: generate\n    provider: shapes\n    output: v0\n")

	lib := New(Config{Dir: dir}, &stubValidator{}, nil, testLogger())
	if err := lib.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := lib.Get("banner"); err != nil {
		t.Fatalf("Get banner: %v", err)
	}
}

func TestLoadSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", thumbnailYAML)
	writeFile(t, dir, "broken.yaml", ":\t{not yaml")
	writeFile(t, dir, "rejected.yaml", "name: rejected\nsteps:\n  - kind: generate\n")

	v := &stubValidator{rejected: map[string]error{
		"rejected": fmt.Errorf("%w: no provider", domain.ErrValidation),
	}}
	lib := New(Config{Dir: dir}, v, nil, testLogger())
	if err := lib.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := lib.Names(); !reflect.DeepEqual(got, []string{"thumbnail"}) {
		t.Errorf("names = %v", got)
	}
}

func TestGetUnknownPipeline(t *testing.T) {
	lib := New(Config{}, &stubValidator{}, nil, testLogger())
	_, err := lib.Get("nope")
	if !errors.Is(err, domain.ErrPipelineNotFound) {
		t.Fatalf("error = %v, want ErrPipelineNotFound", err)
	}
}

func TestLoadMissingDirIsEmpty(t *testing.T) {
	lib := New(Config{Dir: filepath.Join(t.TempDir(), "absent")}, &stubValidator{}, nil, testLogger())
	if err := lib.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(lib.List()) != 0 {
		t.Errorf("list = %v", lib.List())
	}
}

func TestListSorted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "zeta.yaml", "name: zeta\nsteps:\n  - kind: generate\n    provider: shapes\n    output: v0\n")
	writeFile(t, dir, "alpha.yaml", "name: alpha\nsteps:\n  - kind: generate\n    provider: shapes\n    output: v0\n")

	lib := New(Config{Dir: dir}, &stubValidator{}, nil, testLogger())
	if err := lib.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := lib.Names(); !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Errorf("names = %v", got)
	}
}
