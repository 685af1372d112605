// Package screenshot captures web pages as PNG images through a headless
// Chrome instance driven over CDP.
package screenshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"pixelflow/internal/adapter/provider/params"
	"pixelflow/internal/domain"
	"pixelflow/internal/security"
)

const providerName = "screenshot"

var paramsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"width": {"type": "integer", "minimum": 320, "maximum": 3840},
		"height": {"type": "integer", "minimum": 240, "maximum": 2160},
		"fullPage": {"type": "boolean"},
		"waitFor": {"type": "string"}
	},
	"required": ["url"]
}`)

// Config holds the browser settings.
type Config struct {
	// RemoteURL is a CDP WebSocket endpoint. Empty launches a local
	// headless Chrome.
	RemoteURL string        `yaml:"remote_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Generator captures screenshots. The browser starts lazily on the first
// call and is shared; every capture gets its own tab, so concurrent
// fan-out branches do not interfere.
type Generator struct {
	cfg    Config
	guard  *security.URLGuard
	logger *slog.Logger

	startOnce   sync.Once
	startErr    error
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

// New creates the screenshot generator. No browser is launched yet.
func New(cfg Config, guard *security.URLGuard, logger *slog.Logger) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{cfg: cfg, guard: guard, logger: logger}
}

func (g *Generator) Capability() domain.Capability {
	return domain.Capability{
		Kind:        domain.CapGenerator,
		Name:        providerName,
		Description: "Capture a web page as a PNG via headless Chrome",
		Params:      paramsSchema,
	}
}

// start launches or connects the shared browser once.
func (g *Generator) start() error {
	g.startOnce.Do(func() {
		var allocCtx context.Context
		if g.cfg.RemoteURL != "" {
			allocCtx, g.allocCancel = chromedp.NewRemoteAllocator(context.Background(), g.cfg.RemoteURL)
			g.logger.Info("connecting to remote browser", "url", g.cfg.RemoteURL)
		} else {
			opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
			copy(opts, chromedp.DefaultExecAllocatorOptions[:])
			opts = append(opts,
				chromedp.Flag("headless", true),
				chromedp.Flag("disable-gpu", true),
				chromedp.Flag("no-sandbox", true),
				chromedp.Flag("disable-dev-shm-usage", true),
			)
			allocCtx, g.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
			g.logger.Info("launching headless browser")
		}

		g.browserCtx, g.browserStop = chromedp.NewContext(allocCtx)

		// The CDP session binds to the context given to the first Run, so
		// the startup probe must not use a timeout-derived context.
		startDone := make(chan error, 1)
		go func() { startDone <- chromedp.Run(g.browserCtx) }()
		select {
		case err := <-startDone:
			if err != nil {
				g.startErr = fmt.Errorf("start browser: %w", err)
				g.shutdown()
			}
		case <-time.After(g.cfg.Timeout):
			g.startErr = fmt.Errorf("start browser: timed out after %v", g.cfg.Timeout)
			g.shutdown()
		}
	})
	return g.startErr
}

func (g *Generator) shutdown() {
	if g.browserStop != nil {
		g.browserStop()
	}
	if g.allocCancel != nil {
		g.allocCancel()
	}
}

// Close tears the browser down. Safe before the first capture.
func (g *Generator) Close() error {
	g.startOnce.Do(func() {}) // never start after Close
	g.shutdown()
	return nil
}

// Generate navigates a fresh tab to the URL and captures it.
func (g *Generator) Generate(ctx context.Context, p map[string]any) (*domain.ImageBlob, *domain.UsageEvent, error) {
	const op = "screenshot.Generate"

	url, err := params.Require(p, "url")
	if err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}
	if err := g.guard.CheckURL(ctx, url); err != nil {
		return nil, nil, err
	}
	if err := g.start(); err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrConfiguration, err.Error())
	}

	width := params.Int(p, "width", 1280)
	height := params.Int(p, "height", 720)
	fullPage := params.Bool(p, "fullPage", false)
	waitFor := params.String(p, "waitFor", "body")

	tabCtx, tabCancel := chromedp.NewContext(g.browserCtx)
	defer tabCancel()
	runCtx, cancel := context.WithTimeout(tabCtx, g.cfg.Timeout)
	defer cancel()

	// Honor caller cancellation: aborting the execution stops the capture.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	var buf []byte
	capture := chromedp.ActionFunc(func(actx context.Context) error {
		data, err := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			Do(actx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	})
	if fullPage {
		capture = chromedp.ActionFunc(func(actx context.Context) error {
			return chromedp.FullScreenshot(&buf, 100).Do(actx)
		})
	}

	err = chromedp.Run(runCtx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(url),
		chromedp.WaitReady(waitFor, chromedp.ByQuery),
		capture,
	)
	if err != nil {
		return nil, nil, domain.NewDomainError(op, domain.ErrGeneration,
			fmt.Sprintf("capture %s: %v", url, err))
	}

	g.logger.Debug("page captured", "url", url, "bytes", len(buf))
	return &domain.ImageBlob{
		Bytes:      buf,
		MIME:       "image/png",
		Width:      width,
		Height:     height,
		Provenance: providerName,
		Meta:       map[string]string{"url": url},
	}, nil, nil
}
