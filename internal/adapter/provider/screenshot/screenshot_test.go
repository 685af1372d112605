package screenshot

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"pixelflow/internal/domain"
	"pixelflow/internal/security"
)

func TestGenerateMissingURL(t *testing.T) {
	g := New(Config{}, &security.URLGuard{}, slog.Default())
	defer g.Close()

	_, _, err := g.Generate(context.Background(), nil)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func TestGenerateBlocksPrivateTarget(t *testing.T) {
	g := New(Config{}, &security.URLGuard{}, slog.Default())
	defer g.Close()

	// The guard must reject before any browser is launched.
	_, _, err := g.Generate(context.Background(), map[string]any{
		"url": "http://169.254.169.254/latest/meta-data/",
	})
	if !errors.Is(err, domain.ErrSSRFBlocked) {
		t.Fatalf("error = %v, want ErrSSRFBlocked", err)
	}
}

func TestGenerateRejectsFileScheme(t *testing.T) {
	g := New(Config{}, &security.URLGuard{AllowPrivate: true}, slog.Default())
	defer g.Close()

	_, _, err := g.Generate(context.Background(), map[string]any{
		"url": "file:///etc/passwd",
	})
	if !errors.Is(err, domain.ErrSSRFBlocked) {
		t.Fatalf("error = %v, want ErrSSRFBlocked", err)
	}
}

func TestCloseBeforeStart(t *testing.T) {
	g := New(Config{}, &security.URLGuard{}, slog.Default())
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close pins the once; a later call must not launch a browser.
	if err := g.start(); err != nil {
		t.Fatalf("start after Close: %v", err)
	}
	if g.browserCtx != nil {
		t.Error("browser launched after Close")
	}
}

func TestDefaults(t *testing.T) {
	g := New(Config{}, &security.URLGuard{}, slog.Default())
	defer g.Close()

	if g.cfg.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", g.cfg.Timeout)
	}
	cap := g.Capability()
	if cap.Kind != domain.CapGenerator || cap.Name != "screenshot" {
		t.Errorf("capability = %+v", cap)
	}
}
