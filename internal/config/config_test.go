package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/telemetry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hydrod.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// TestDefault verifies the defaults validate cleanly and carry the
// central tuning values.
func TestDefault(t *testing.T) {
	cfg := Default()

	errs, warnings := cfg.Validate()
	assert.Empty(t, errs)
	assert.Empty(t, warnings)

	assert.Equal(t, 10*time.Minute, cfg.CycleInterval.Std())
	assert.Equal(t, 7*24*time.Hour, cfg.Window.Std())
	assert.Equal(t, 0.95, cfg.Stability.ExcellenceThreshold)
	assert.Equal(t, 12, cfg.Stability.FreezeAfterCycles)
	assert.InDelta(t, 50.0, cfg.Limits[control.ChannelPHPump].DailyCap, 1e-9)
	assert.False(t, cfg.Advisory.Enabled)
	assert.False(t, cfg.EmergencyStop)
}

// TestLoad_FileOverridesDefaults verifies YAML values land on top of
// the defaults without wiping untouched sections.
func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store_path: /var/lib/hydrod/test.db
zones:
  - id: greenhouse-1
    grow_phase: FRUITS
cycle_interval: 30s
window: 600
stability:
  excellence_threshold: 0.9
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hydrod/test.db", cfg.StorePath)
	require.Len(t, cfg.Zones, 1)
	assert.Equal(t, "FRUITS", cfg.Zones[0].GrowPhase)
	assert.Equal(t, 30*time.Second, cfg.CycleInterval.Std(), "duration string form")
	assert.Equal(t, 10*time.Minute, cfg.Window.Std(), "bare integer is seconds")
	assert.Equal(t, 0.9, cfg.Stability.ExcellenceThreshold)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, 12, cfg.Stability.FreezeAfterCycles)
	assert.InDelta(t, 20.0, cfg.Limits[control.ChannelPHPump].MaxPerAction, 1e-9)
}

// TestLoad_EnvOverrides verifies deployment env vars win over the file.
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HYDROD_STORE_PATH", "/tmp/env.db")
	t.Setenv("HYDROD_KAFKA_BROKER", "kafka-1:9092")
	t.Setenv("HYDROD_CYCLE_INTERVAL", "45s")
	t.Setenv("HYDROD_EMERGENCY_STOP", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", cfg.StorePath)
	assert.Equal(t, []string{"kafka-1:9092"}, cfg.Ingest.Brokers)
	assert.Equal(t, 45*time.Second, cfg.CycleInterval.Std())
	assert.True(t, cfg.EmergencyStop)
}

// TestLoad_RejectsInvalid verifies a config with hard errors never
// loads.
func TestLoad_RejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
zones: []
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one zone")
}

// TestValidate verifies the error and warning split.
func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErr  string
		wantWarn string
	}{
		{
			name:    "duplicate zone ids",
			mutate:  func(c *Config) { c.Zones = append(c.Zones, c.Zones[0]) },
			wantErr: "duplicate zone id",
		},
		{
			name: "inverted target band",
			mutate: func(c *Config) {
				c.Targets[telemetry.ChannelPH] = ChannelTarget{Target: 6, Min: 6.5, Max: 5.5, Weight: 0.3}
			},
			wantErr: "min 6.5 >= max 5.5",
		},
		{
			name: "negative limit",
			mutate: func(c *Config) {
				c.Limits[control.ChannelPumpA] = ChannelLimit{MaxPerAction: -1}
			},
			wantErr: "negative limit",
		},
		{
			name:    "zero window",
			mutate:  func(c *Config) { c.Window = 0 },
			wantErr: "window must be positive",
		},
		{
			name: "advisory enabled without timeout",
			mutate: func(c *Config) {
				c.Advisory.Enabled = true
				c.Advisory.Timeout = 0
			},
			wantErr: "advisory timeout",
		},
		{
			name: "unusual ph band warns only",
			mutate: func(c *Config) {
				c.Targets[telemetry.ChannelPH] = ChannelTarget{Target: 3.5, Min: 3.0, Max: 4.2, Weight: 0.3}
			},
			wantWarn: "pH targets outside typical",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			errs, warnings := cfg.Validate()

			if tt.wantErr != "" {
				require.NotEmpty(t, errs)
				assert.Contains(t, errs[0], tt.wantErr)
			} else {
				assert.Empty(t, errs)
			}
			if tt.wantWarn != "" {
				require.NotEmpty(t, warnings)
				assert.Contains(t, warnings[0], tt.wantWarn)
			}
		})
	}
}

// TestAggregateConfig verifies the derivation feeding the KPI
// aggregator: only weighted channels are required for confidence.
func TestAggregateConfig(t *testing.T) {
	cfg := Default()
	agg := cfg.AggregateConfig()

	assert.Equal(t, cfg.MinValidSamples, agg.MinValidSamples)
	assert.Contains(t, agg.Required, telemetry.ChannelPH)
	assert.NotContains(t, agg.Required, telemetry.ChannelTurbidity, "unweighted channels are optional")
	band := agg.Bands[telemetry.ChannelPH]
	assert.Less(t, band.Min, band.Max)
}

// TestZoneByID verifies the lookup misses cleanly.
func TestZoneByID(t *testing.T) {
	cfg := Default()
	require.NotEmpty(t, cfg.Zones)

	z, ok := cfg.ZoneByID(cfg.Zones[0].ID)
	assert.True(t, ok)
	assert.Equal(t, cfg.Zones[0].ID, z.ID)

	_, ok = cfg.ZoneByID("nope")
	assert.False(t, ok)
}
