package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safewalk/server/internal/lib/route"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	total := 0.0
	for _, w := range cfg.Engine.BaseWeights {
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.Len(t, cfg.Engine.BaseWeights, len(route.KnownFactors))
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
engine:
  base_weights:
    crime: 0.5
  time_decay_hours: 12
  fetch_timeout: 3s
routing:
  supplier: straight_line
  spacing_meters: 25
providers:
  caltrans:
    enabled: true
    on_route_meters: 75
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 12.0, cfg.Engine.TimeDecayHours)
	assert.Equal(t, 3*time.Second, cfg.Engine.FetchTimeout)
	assert.Equal(t, 25.0, cfg.Routing.SpacingMeters)
	assert.Equal(t, 75.0, cfg.Providers.Caltrans.OnRouteMeters)
	assert.Equal(t, 500.0, cfg.Providers.Caltrans.NearbyMeters, "unset keys keep defaults")

	// Weight maps merge with the defaults
	assert.Equal(t, 0.5, cfg.Engine.BaseWeights["crime"])
	assert.Equal(t, 0.2, cfg.Engine.BaseWeights["lighting"])
	assert.Len(t, cfg.Engine.BaseWeights, len(route.KnownFactors))
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
engine:
  anomaly_threshold: 2.5
`)
	t.Setenv("SAFEWALK_ENGINE__ANOMALY_THRESHOLD", "3")
	t.Setenv("SAFEWALK_ENGINE__BASE_WEIGHTS__WEATHER", "0")
	t.Setenv("SAFEWALK_SERVER__PORT", "7000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3.0, cfg.Engine.AnomalyThreshold)
	assert.Equal(t, 0.0, cfg.Engine.BaseWeights["weather"])
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoad_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `
engine:
  base_weights:
    moon_phase: 0.4
  time_decay_hours: 0
routing:
  supplier: teleport
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moon_phase")
	assert.Contains(t, err.Error(), "time_decay_hours")
	assert.Contains(t, err.Error(), "teleport")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.Engine.BaseWeights["crime"] = -1 },
			wantErr: "non-negative",
		},
		{
			name: "zero total weight",
			mutate: func(c *Config) {
				for k := range c.Engine.BaseWeights {
					c.Engine.BaseWeights[k] = 0
				}
			},
			wantErr: "positive total",
		},
		{
			name:    "zero max segments",
			mutate:  func(c *Config) { c.Engine.MaxRouteSegments = 0 },
			wantErr: "max_route_segments",
		},
		{
			name:    "google without key",
			mutate:  func(c *Config) { c.Routing.Supplier = SupplierGoogle },
			wantErr: "api_key",
		},
		{
			name:    "weather without key",
			mutate:  func(c *Config) { c.Providers.Weather.Enabled = true },
			wantErr: "openweather_api_key",
		},
		{
			name:    "reports without database",
			mutate:  func(c *Config) { c.Providers.Reports.Enabled = true },
			wantErr: "database_url",
		},
		{
			name:    "unknown time zone",
			mutate:  func(c *Config) { c.Providers.TimeZone = "Mars/Olympus_Mons" },
			wantErr: "time_zone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEngineConfig_Weights(t *testing.T) {
	weights := DefaultConfig().Engine.Weights()
	assert.Equal(t, 0.3, weights[route.FactorCrime])
	assert.Equal(t, 0.1, weights[route.FactorTimeOfDay])
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "engine.fetch_timeout", envKey("SAFEWALK_ENGINE__FETCH_TIMEOUT"))
	assert.Equal(t, "providers.caltrans.chp_incidents.url", envKey("SAFEWALK_PROVIDERS__CALTRANS__CHP_INCIDENTS__URL"))
}
