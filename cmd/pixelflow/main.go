package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"pixelflow/internal/adapter/gateway"
	"pixelflow/internal/adapter/provider/chart"
	"pixelflow/internal/adapter/provider/geometry"
	"pixelflow/internal/adapter/provider/imagen"
	"pixelflow/internal/adapter/provider/screenshot"
	"pixelflow/internal/adapter/provider/shapes"
	"pixelflow/internal/adapter/registry"
	"pixelflow/internal/adapter/saver"
	"pixelflow/internal/domain"
	"pixelflow/internal/infra/config"
	"pixelflow/internal/infra/logger"
	"pixelflow/internal/infra/tracer"
	"pixelflow/internal/security"
	"pixelflow/internal/usecase/engine"
	"pixelflow/internal/usecase/eventbus"
	"pixelflow/internal/usecase/library"
	"pixelflow/internal/usecase/runstore"
	"pixelflow/internal/usecase/schedule"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "serve":
		err = serveCmd(os.Args[2:])
	case "validate":
		err = validateCmd(os.Args[2:])
	case "capabilities":
		err = capabilitiesCmd(os.Args[2:])
	case "pipelines":
		err = pipelinesCmd(os.Args[2:])
	case "runs":
		err = runsCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'pixelflow --help' for usage.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`pixelflow - declarative image pipeline engine

USAGE:
    pixelflow COMMAND [FLAGS]

COMMANDS:
    run FILE|NAME     Execute a pipeline from a YAML file or the library
    serve             Start the WebSocket gateway (and scheduler, if enabled)
    validate FILE     Check a pipeline definition without executing it
    capabilities      List registered providers
    pipelines         List library pipelines
    runs              List recorded executions

FLAGS (run):
    --var NAME=PATH   Bind an initial variable to an image file (repeatable)
    --stream          Print lifecycle events as they happen

COMMON FLAGS:
    --config PATH     Config file path (default: ./pixelflow.yaml)

CONFIGURATION:
    Environment: PIXELFLOW_* variables override the config file

EXAMPLES:
    pixelflow run thumbnail --var source=./photo.png
    pixelflow run ./examples/banner.yaml --stream
    pixelflow serve --config /etc/pixelflow.yaml`)
}

// runtime bundles everything a command needs once the config is loaded.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     domain.EventBus
	reg     *registry.Registry
	engine  *engine.Engine
	library *library.Library
	runs    *runstore.Store // nil when history is disabled

	shot    *screenshot.Generator
	closers []func() error
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("shutdown error", "error", err)
		}
	}
	rt.bus.Close()
}

func buildRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: log}
	rt.closers = append(rt.closers, closeLog)

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracer(shutCtx)
	})

	rt.bus = eventbus.New(log)
	guard := &security.URLGuard{AllowPrivate: cfg.Security.AllowPrivateHosts}

	rt.reg = registry.New(log)
	rt.shot = screenshot.New(cfg.Providers.Screenshot, guard, log)
	rt.closers = append(rt.closers, rt.shot.Close)

	for _, g := range []domain.Generator{
		shapes.New(),
		chart.New(cfg.Providers.Chart, guard, log),
		imagen.New(cfg.Providers.Imagen, guard, log),
		rt.shot,
	} {
		if err := rt.reg.RegisterGenerator(g); err != nil {
			return nil, err
		}
	}
	if err := rt.reg.RegisterTransformer(geometry.New()); err != nil {
		return nil, err
	}
	fileSaver, err := saver.NewFileSaver(cfg.Saver.OutputDir, log)
	if err != nil {
		return nil, err
	}
	for _, s := range []domain.Saver{fileSaver, saver.NewHTTPSaver(guard, log)} {
		if err := rt.reg.RegisterSaver(s); err != nil {
			return nil, err
		}
	}

	rt.engine = engine.New(rt.reg, rt.bus, log, cfg.Engine)

	rt.library = library.New(cfg.Library, rt.engine, rt.bus, log)
	if err := rt.library.Load(ctx); err != nil {
		return nil, err
	}

	if cfg.RunStore.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.RunStore.Path), 0o755); err != nil {
			return nil, fmt.Errorf("runstore dir: %w", err)
		}
		rt.runs, err = runstore.Open(cfg.RunStore.Path, rt.bus, log)
		if err != nil {
			return nil, err
		}
		unwatch := rt.runs.Watch(rt.bus)
		rt.closers = append(rt.closers, func() error {
			unwatch()
			return rt.runs.Close()
		})
	}

	return rt, nil
}

// --- run ---

// varFlags collects repeated --var NAME=PATH bindings.
type varFlags map[string]string

func (v varFlags) String() string { return fmt.Sprintf("%v", map[string]string(v)) }

func (v varFlags) Set(s string) error {
	name, path, ok := strings.Cut(s, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("want NAME=PATH, got %q", s)
	}
	v[name] = path
	return nil
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "./pixelflow.yaml", "config file path")
	stream := fs.Bool("stream", false, "print lifecycle events as they happen")
	vars := varFlags{}
	fs.Var(vars, "var", "initial variable binding NAME=PATH (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("want exactly one pipeline file or name")
	}
	target := fs.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	def, err := resolveDefinition(rt, target)
	if err != nil {
		return err
	}
	initial, err := loadInitialVars(vars)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	if *stream {
		events, err := rt.engine.ExecuteStream(ctx, def, initial)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for event := range events {
			if err := enc.Encode(event); err != nil {
				return err
			}
		}
		return nil
	}

	res, execErr := rt.engine.Execute(ctx, def, initial)
	if res == nil {
		return execErr
	}
	if rt.runs != nil {
		if err := rt.runs.Record(ctx, def.Name, startedAt, res); err != nil {
			rt.logger.Warn("failed to record run", "error", err)
		}
	}
	if err := printJSON(res); err != nil {
		return err
	}
	return execErr
}

func resolveDefinition(rt *runtime, target string) (domain.PipelineDefinition, error) {
	ext := strings.ToLower(filepath.Ext(target))
	if ext != ".yaml" && ext != ".yml" {
		return rt.library.Get(target)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	var def domain.PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("parse %s: %w", target, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(target), ext)
	}
	return def, nil
}

func loadInitialVars(vars varFlags) (map[string]domain.Payload, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	initial := make(map[string]domain.Payload, len(vars))
	for name, path := range vars {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("var %s: %w", name, err)
		}
		initial[name] = &domain.ImageBlob{
			Bytes:      data,
			MIME:       sniffMIME(path, data),
			Provenance: "file:" + filepath.Base(path),
		}
	}
	return initial, nil
}

func sniffMIME(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return http.DetectContentType(data)
	}
}

// --- serve ---

// pipelineRunner executes named library pipelines for the scheduler.
type pipelineRunner struct {
	rt *runtime
}

func (r *pipelineRunner) RunPipeline(ctx context.Context, name string) error {
	def, err := r.rt.library.Get(name)
	if err != nil {
		return err
	}
	startedAt := time.Now()
	res, execErr := r.rt.engine.Execute(ctx, def, nil)
	if res != nil && r.rt.runs != nil {
		if err := r.rt.runs.Record(ctx, name, startedAt, res); err != nil {
			r.rt.logger.Warn("failed to record scheduled run", "pipeline", name, "error", err)
		}
	}
	return execErr
}

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "./pixelflow.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.cfg.Scheduler.Enabled {
		sched := schedule.New(rt.cfg.Scheduler.Config, &pipelineRunner{rt: rt}, rt.bus, rt.logger)
		if err := sched.AddAll(rt.cfg.Scheduler.Jobs); err != nil {
			rt.logger.Warn("some scheduled jobs were skipped", "error", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if !rt.cfg.Gateway.Enabled {
		rt.logger.Info("gateway disabled; serving scheduler only")
		<-ctx.Done()
		return nil
	}

	var auth gateway.Authenticator
	if tokens := rt.cfg.Gateway.Auth.Tokens; len(tokens) > 0 {
		entries := make([]gateway.Token, len(tokens))
		for i, t := range tokens {
			entries[i] = gateway.Token{Token: t.Token, Name: t.Name}
		}
		auth = gateway.NewStaticTokenAuth(entries)
	} else {
		rt.logger.Warn("gateway has no auth tokens configured; accepting all connections")
		auth = gateway.OpenAuth{}
	}

	srv := gateway.NewServer(rt.bus, auth, rt.cfg.Gateway.Addr, rt.logger)
	gateway.RegisterDefaultHandlers(srv, gateway.HandlerDeps{
		Engine:   rt.engine,
		Library:  rt.library,
		Registry: rt.reg,
		Runs:     rt.runs,
		Logger:   rt.logger,
	})
	return srv.Start(ctx)
}

// --- inspection commands ---

func validateCmd(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "./pixelflow.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("want exactly one pipeline file")
	}

	ctx := context.Background()
	rt, err := buildRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	def, err := resolveDefinition(rt, fs.Arg(0))
	if err != nil {
		return err
	}
	if err := rt.engine.Validate(def, def.Inputs); err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d steps)\n", def.Name, len(def.Steps))
	return nil
}

func capabilitiesCmd(args []string) error {
	fs := flag.NewFlagSet("capabilities", flag.ExitOnError)
	configPath := fs.String("config", "./pixelflow.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := buildRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	for _, kind := range []domain.CapabilityKind{domain.CapGenerator, domain.CapTransform, domain.CapSave} {
		for _, cap := range rt.reg.Capabilities(kind) {
			line := fmt.Sprintf("%-10s %-12s %s", cap.Kind, cap.Name, cap.Description)
			if len(cap.Operations) > 0 {
				line += fmt.Sprintf(" (operations: %s)", strings.Join(cap.Operations, ", "))
			}
			fmt.Println(line)
		}
	}
	return nil
}

func pipelinesCmd(args []string) error {
	fs := flag.NewFlagSet("pipelines", flag.ExitOnError)
	configPath := fs.String("config", "./pixelflow.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := buildRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	defs := rt.library.List()
	if len(defs) == 0 {
		fmt.Println("no pipelines loaded")
		return nil
	}
	for _, def := range defs {
		line := fmt.Sprintf("%-20s %d steps", def.Name, len(def.Steps))
		if len(def.Inputs) > 0 {
			line += fmt.Sprintf(" (inputs: %s)", strings.Join(def.Inputs, ", "))
		}
		if def.Description != "" {
			line += "  " + def.Description
		}
		fmt.Println(line)
	}
	return nil
}

func runsCmd(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	configPath := fs.String("config", "./pixelflow.yaml", "config file path")
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := buildRuntime(ctx, *configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.runs == nil {
		return fmt.Errorf("run history is disabled in the config")
	}
	runs, err := rt.runs.List(ctx, *limit)
	if err != nil {
		return err
	}
	for _, run := range runs {
		name := run.Pipeline
		if name == "" {
			name = "-"
		}
		line := fmt.Sprintf("%s  %-20s %-9s %s", run.StartedAt.Format(time.RFC3339), name, run.Status,
			strings.Join(run.ImageIDs, ","))
		if run.Error != "" {
			line += "  " + run.Error
		}
		fmt.Println(line)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
