package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.MaxInFlight)
	assert.Equal(t, "./pipelines", cfg.Library.Dir)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.False(t, cfg.Gateway.Enabled)
	assert.True(t, cfg.RunStore.Enabled)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  max_in_flight: 8
library:
  dir: /srv/pipelines
providers:
  chart:
    base_url: http://charts.internal
gateway:
  enabled: true
  addr: ":9000"
  auth:
    tokens:
      - token: s3cret
        name: ops
scheduler:
  enabled: true
  jobs:
    - name: nightly
      pipeline: report
      schedule: "@daily"
logger:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.MaxInFlight)
	assert.Equal(t, 64, cfg.Engine.EventBuffer) // default survives partial section
	assert.Equal(t, "/srv/pipelines", cfg.Library.Dir)
	assert.Equal(t, "http://charts.internal", cfg.Providers.Chart.BaseURL)
	assert.Equal(t, ":9000", cfg.Gateway.Addr)
	require.Len(t, cfg.Gateway.Auth.Tokens, 1)
	assert.Equal(t, "ops", cfg.Gateway.Auth.Tokens[0].Name)
	require.Len(t, cfg.Scheduler.Jobs, 1)
	assert.Equal(t, "report", cfg.Scheduler.Jobs[0].Pipeline)
	assert.Equal(t, "json", cfg.Logger.Format)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PIXELFLOW_IMAGEN_API_KEY", "sk-env")
	t.Setenv("PIXELFLOW_LOGGER_LEVEL", "warn")
	t.Setenv("PIXELFLOW_ENGINE_MAX_IN_FLIGHT", "2")
	t.Setenv("PIXELFLOW_GATEWAY_TOKEN", "tok-env")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "sk-env", cfg.Providers.Imagen.APIKey)
	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.Equal(t, 2, cfg.Engine.MaxInFlight)
	require.Len(t, cfg.Gateway.Auth.Tokens, 1)
	assert.Equal(t, "tok-env", cfg.Gateway.Auth.Tokens[0].Token)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cfg := Defaults()
	cfg.Saver.OutputDir = ""
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Gateway.Enabled = true
	cfg.Gateway.Addr = ""
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.RunStore.Path = ""
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Jobs = append(cfg.Scheduler.Jobs, cfg.Scheduler.Jobs...)
	assert.NoError(t, Validate(cfg)) // empty job list is fine
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
