// Package library loads named pipeline definitions from a directory of
// YAML files and serves them by name.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"pixelflow/internal/domain"
)

// Validator checks a definition without executing it. Satisfied by the
// engine.
type Validator interface {
	Validate(def domain.PipelineDefinition, initialVars []string) error
}

// Config holds the library settings.
type Config struct {
	// Dir is scanned non-recursively for *.yaml and *.yml files.
	Dir string `yaml:"dir"`
}

// Library holds the loaded definitions. Reload swaps the whole map, so
// readers never see a partial load.
type Library struct {
	cfg       Config
	validator Validator
	bus       domain.EventBus
	logger    *slog.Logger

	pipelines atomic.Value // map[string]domain.PipelineDefinition
}

// New creates an empty library. Call Load to populate it.
func New(cfg Config, validator Validator, bus domain.EventBus, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Library{cfg: cfg, validator: validator, bus: bus, logger: logger}
	l.pipelines.Store(make(map[string]domain.PipelineDefinition))
	return l
}

// Load reads every YAML definition in the configured directory. Files
// that fail to parse or validate are skipped with a warning; one bad
// file never blocks the rest.
func (l *Library) Load(ctx context.Context) error {
	dir := l.cfg.Dir
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Debug("pipeline directory does not exist", "dir", dir)
			return nil
		}
		return fmt.Errorf("read pipeline dir: %w", err)
	}

	loaded := make(map[string]domain.PipelineDefinition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			l.logger.Warn("skip unreadable pipeline file", "file", entry.Name(), "error", err)
			continue
		}

		var def domain.PipelineDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			l.logger.Warn("skip invalid pipeline file", "file", entry.Name(), "error", err)
			continue
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		if err := l.validator.Validate(def, def.Inputs); err != nil {
			l.logger.Warn("skip invalid pipeline", "file", entry.Name(), "error", err)
			continue
		}
		if _, dup := loaded[def.Name]; dup {
			l.logger.Warn("skip duplicate pipeline name", "file", entry.Name(), "name", def.Name)
			continue
		}

		loaded[def.Name] = def
	}

	l.pipelines.Store(loaded)
	l.logger.Info("pipelines loaded", "dir", dir, "count", len(loaded))

	if l.bus != nil {
		payload, _ := json.Marshal(map[string]any{"count": len(loaded), "names": l.Names()})
		l.bus.Publish(ctx, domain.Event{
			Type:      domain.EventPipelinesLoaded,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
	return nil
}

// Get returns a pipeline by name.
func (l *Library) Get(name string) (domain.PipelineDefinition, error) {
	pm := l.pipelines.Load().(map[string]domain.PipelineDefinition)
	def, ok := pm[name]
	if !ok {
		return domain.PipelineDefinition{}, domain.NewDomainError("library.Get",
			domain.ErrPipelineNotFound, name)
	}
	return def, nil
}

// List returns all loaded definitions sorted by name.
func (l *Library) List() []domain.PipelineDefinition {
	pm := l.pipelines.Load().(map[string]domain.PipelineDefinition)
	defs := make([]domain.PipelineDefinition, 0, len(pm))
	for _, def := range pm {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the loaded pipeline names sorted.
func (l *Library) Names() []string {
	pm := l.pipelines.Load().(map[string]domain.PipelineDefinition)
	names := make([]string, 0, len(pm))
	for name := range pm {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
