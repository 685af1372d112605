// Package config loads the application configuration from YAML with
// defaults and PIXELFLOW_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"pixelflow/internal/adapter/provider/chart"
	"pixelflow/internal/adapter/provider/imagen"
	"pixelflow/internal/adapter/provider/screenshot"
	"pixelflow/internal/infra/tracer"
	"pixelflow/internal/usecase/engine"
	"pixelflow/internal/usecase/library"
	"pixelflow/internal/usecase/schedule"
)

// Config is the top-level application configuration.
type Config struct {
	Engine    engine.Config   `yaml:"engine"`
	Library   library.Config  `yaml:"library"`
	RunStore  RunStoreConfig  `yaml:"runstore"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Providers ProvidersConfig `yaml:"providers"`
	Saver     SaverConfig     `yaml:"saver"`
	Security  SecurityConfig  `yaml:"security"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    tracer.Config   `yaml:"tracer"`
}

// ProvidersConfig holds per-provider settings. The built-in pure
// providers (shapes, geometry) need none.
type ProvidersConfig struct {
	Chart      chart.Config      `yaml:"chart"`
	Imagen     imagen.Config     `yaml:"imagen"`
	Screenshot screenshot.Config `yaml:"screenshot"`
}

// RunStoreConfig holds execution-history settings.
type RunStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SchedulerConfig holds periodic-execution settings.
type SchedulerConfig struct {
	Enabled         bool `yaml:"enabled"`
	schedule.Config `yaml:",inline"`
}

// SaverConfig holds settings for the save-step providers.
type SaverConfig struct {
	// OutputDir is the sandbox root for the file saver; every relative
	// save destination resolves inside it.
	OutputDir string `yaml:"output_dir"`
}

// SecurityConfig holds network hardening settings.
type SecurityConfig struct {
	// AllowPrivateHosts disables the private-address guard on outbound
	// HTTP. Only meant for tests and local backends.
	AllowPrivateHosts bool `yaml:"allow_private_hosts"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled bool       `yaml:"enabled"`
	Addr    string     `yaml:"addr"`
	Auth    AuthConfig `yaml:"auth"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.pixelflow. Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".pixelflow")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Engine: engine.Config{
			MaxInFlight: 4,
			EventBuffer: 64,
		},
		Library: library.Config{
			Dir: "./pipelines",
		},
		RunStore: RunStoreConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "runs.db"),
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
			Config:  schedule.Config{JobTimeout: 10 * time.Minute},
		},
		Providers: ProvidersConfig{
			Screenshot: screenshot.Config{Timeout: 30 * time.Second},
		},
		Saver: SaverConfig{
			OutputDir: filepath.Join(dataDir, "output"),
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    ":8191",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: tracer.Config{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps PIXELFLOW_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PIXELFLOW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PIXELFLOW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PIXELFLOW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("PIXELFLOW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("PIXELFLOW_ENGINE_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxInFlight = n
		}
	}
	if v := os.Getenv("PIXELFLOW_PIPELINE_DIR"); v != "" {
		cfg.Library.Dir = v
	}
	if v := os.Getenv("PIXELFLOW_OUTPUT_DIR"); v != "" {
		cfg.Saver.OutputDir = v
	}
	if v := os.Getenv("PIXELFLOW_RUNSTORE_PATH"); v != "" {
		cfg.RunStore.Path = v
	}
	if v := os.Getenv("PIXELFLOW_CHART_BASE_URL"); v != "" {
		cfg.Providers.Chart.BaseURL = v
	}
	if v := os.Getenv("PIXELFLOW_IMAGEN_API_KEY"); v != "" {
		cfg.Providers.Imagen.APIKey = v
	}
	if v := os.Getenv("PIXELFLOW_IMAGEN_BASE_URL"); v != "" {
		cfg.Providers.Imagen.BaseURL = v
	}
	if v := os.Getenv("PIXELFLOW_IMAGEN_MODEL"); v != "" {
		cfg.Providers.Imagen.Model = v
	}
	if v := os.Getenv("PIXELFLOW_SCREENSHOT_REMOTE_URL"); v != "" {
		cfg.Providers.Screenshot.RemoteURL = v
	}
	if v := os.Getenv("PIXELFLOW_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("PIXELFLOW_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("PIXELFLOW_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens,
			TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("PIXELFLOW_ALLOW_PRIVATE_HOSTS"); v == "true" {
		cfg.Security.AllowPrivateHosts = true
	}
}

// Validate rejects configurations the application cannot start with.
func Validate(cfg *Config) error {
	if cfg.Engine.MaxInFlight < 0 {
		return fmt.Errorf("config: engine.max_in_flight must not be negative")
	}
	if cfg.Saver.OutputDir == "" {
		return fmt.Errorf("config: saver.output_dir is required")
	}
	if cfg.RunStore.Enabled && cfg.RunStore.Path == "" {
		return fmt.Errorf("config: runstore.path is required when runstore is enabled")
	}
	if cfg.Gateway.Enabled && cfg.Gateway.Addr == "" {
		return fmt.Errorf("config: gateway.addr is required when the gateway is enabled")
	}
	if cfg.Scheduler.Enabled {
		for i, job := range cfg.Scheduler.Jobs {
			if job.Pipeline == "" {
				return fmt.Errorf("config: scheduler.jobs[%d] has no pipeline", i)
			}
			if job.Schedule == "" {
				return fmt.Errorf("config: scheduler.jobs[%d] has no schedule", i)
			}
		}
	}
	return nil
}
