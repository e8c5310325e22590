// Package config loads and validates the structured configuration for the
// control daemon: per-channel valid bands, rule thresholds and magnitude
// caps, per-channel dosing limits, stability and advisory settings, and
// the zone list.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/telemetry"
)

// ChannelTarget is the configured band, target, and health weight for one
// sensor channel.
type ChannelTarget struct {
	Target float64 `yaml:"target"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Weight float64 `yaml:"weight"`
}

// ChannelLimit is the hard safety envelope for one actuator channel.
type ChannelLimit struct {
	// MaxPerAction is the absolute per-action ceiling. A candidate above
	// it is rejected outright, never clamped.
	MaxPerAction float64 `yaml:"max_per_action"`

	// DailyCap is the per-calendar-day cumulative cap enforced against
	// the dosing ledger. Zero means the channel is not ledgered.
	DailyCap float64 `yaml:"daily_cap"`

	// RateWindow is how many recent dispatched commands the
	// rate-of-change check looks at; RateCeiling is the maximum allowed
	// sum of magnitudes over that window plus the candidate.
	RateWindow  int     `yaml:"rate_window"`
	RateCeiling float64 `yaml:"rate_ceiling"`
}

// RuleParams holds the per-rule thresholds the rules engine evaluates
// against.
type RuleParams struct {
	PHInSpecThresholdPct    float64        `yaml:"ph_in_spec_threshold_pct"`
	PHDeadband              float64        `yaml:"ph_deadband"`
	PHAdjustmentLimit       float64        `yaml:"ph_adjustment_limit"`
	ECInSpecThresholdPct    float64        `yaml:"ec_in_spec_threshold_pct"`
	ECAdjustmentLimit       float64        `yaml:"ec_adjustment_limit"`
	HealthScoreThreshold    float64        `yaml:"health_score_threshold"`
	TempDeadbandC           float64        `yaml:"temp_deadband_c"`
	HumidityHighPct         float64        `yaml:"humidity_high_pct"`
	LuxStressThreshold      float64        `yaml:"lux_stress_threshold"`
	ECStressThreshold       float64        `yaml:"ec_stress_threshold"`
	ReservoirChangeDays     map[string]int `yaml:"reservoir_change_days"`
	AbsolutePHBand          telemetry.Band `yaml:"absolute_ph_band"`
	AbsoluteECBand          telemetry.Band `yaml:"absolute_ec_band"`
	AbsoluteTempBand        telemetry.Band `yaml:"absolute_temp_band"`
	ReservoirVolumeL        float64        `yaml:"reservoir_volume_l"`
	BaselineDosingMLPerWeek float64        `yaml:"baseline_dosing_ml_per_week"`
	DosingVarianceThreshold float64        `yaml:"dosing_variance_threshold"`
}

// StabilityParams configures the stability filter.
type StabilityParams struct {
	ExcellenceThreshold   float64 `yaml:"excellence_threshold"`
	FreezeAfterCycles     int     `yaml:"freeze_after_cycles"`
	MaxFreezeCycles       int     `yaml:"max_freeze_cycles"`
	CooldownCycles        int     `yaml:"cooldown_cycles"`
	MinImprovement        float64 `yaml:"min_improvement"`
	InterventionCost      float64 `yaml:"intervention_cost"`
	AttenuateAboveHealth  float64 `yaml:"attenuate_above_health"`
	ExcellentAboveHealth  float64 `yaml:"excellent_above_health"`
	GoodHealthFactor      float64 `yaml:"good_health_factor"`
	ExcellentHealthFactor float64 `yaml:"excellent_health_factor"`

	// LockoutAllowedChannels are the only channels a SAFETY_LOCKOUT
	// still admits, for constrained neutralizing actions.
	LockoutAllowedChannels []control.ActuatorChannel `yaml:"lockout_allowed_channels"`
}

// AdvisoryParams configures the external advisory call.
type AdvisoryParams struct {
	Enabled             bool                      `yaml:"enabled"`
	Endpoint            string                    `yaml:"endpoint"`
	Model               string                    `yaml:"model"`
	APIKeyEnv           string                    `yaml:"api_key_env"`
	Timeout             Duration                  `yaml:"timeout"`
	ConfidenceOverride  float64                   `yaml:"confidence_override"`
	ForbiddenChannels   []control.ActuatorChannel `yaml:"forbidden_channels"`
	RecentDecisionHours int                       `yaml:"recent_decision_hours"`
}

// IngestParams configures the Kafka telemetry consumer.
type IngestParams struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Zone describes one independently controlled grow zone.
type Zone struct {
	ID        string `yaml:"id"`
	GrowPhase string `yaml:"grow_phase"` // GREENS | FRUITS
}

// Config is the full daemon configuration.
type Config struct {
	StorePath string `yaml:"store_path"`

	Zones []Zone `yaml:"zones"`

	Window          Duration `yaml:"window"`
	MinValidSamples int      `yaml:"min_valid_samples"`
	CycleInterval   Duration `yaml:"cycle_interval"`

	Targets map[telemetry.Channel]ChannelTarget `yaml:"targets"`

	Limits map[control.ActuatorChannel]ChannelLimit `yaml:"limits"`

	Rules     RuleParams      `yaml:"rules"`
	Stability StabilityParams `yaml:"stability"`
	Advisory  AdvisoryParams  `yaml:"advisory"`
	Ingest    IngestParams    `yaml:"ingest"`

	// EmergencyStop makes the safety validator reject every candidate on
	// every channel. Normally flipped at runtime, but can be pinned in
	// config for maintenance.
	EmergencyStop bool `yaml:"emergency_stop"`

	// FailureEscalationCycles is how many consecutive cycles a channel
	// may fail actuation before the zone locks out.
	FailureEscalationCycles int `yaml:"failure_escalation_cycles"`

	APIAddr string `yaml:"api_addr"`
}

// Default returns the baseline configuration. Values mirror a 20 L
// vegetative-phase reservoir; deployments override via YAML and env.
func Default() Config {
	return Config{
		StorePath:       "hydrod.db",
		Zones:           []Zone{{ID: "zone-a", GrowPhase: "GREENS"}},
		Window:          Duration(7 * 24 * time.Hour),
		MinValidSamples: 12,
		CycleInterval:   Duration(10 * time.Minute),
		Targets: map[telemetry.Channel]ChannelTarget{
			telemetry.ChannelPH:       {Target: 6.0, Min: 5.5, Max: 6.5, Weight: 0.30},
			telemetry.ChannelEC:       {Target: 1.6, Min: 1.2, Max: 2.0, Weight: 0.25},
			telemetry.ChannelAirTemp:  {Target: 22, Min: 18, Max: 26, Weight: 0.20},
			telemetry.ChannelHumidity: {Target: 60, Min: 50, Max: 70, Weight: 0.15},
			telemetry.ChannelCO2:      {Target: 800, Min: 400, Max: 1200, Weight: 0.10},
		},
		Limits: map[control.ActuatorChannel]ChannelLimit{
			control.ChannelPumpA:      {MaxPerAction: 50, DailyCap: 200, RateWindow: 3, RateCeiling: 100},
			control.ChannelPumpB:      {MaxPerAction: 50, DailyCap: 200, RateWindow: 3, RateCeiling: 100},
			control.ChannelPHPump:     {MaxPerAction: 20, DailyCap: 50, RateWindow: 3, RateCeiling: 40},
			control.ChannelRefillPump: {MaxPerAction: 1000, DailyCap: 2000, RateWindow: 3, RateCeiling: 2000},
			control.ChannelFan:        {MaxPerAction: 100, RateWindow: 3, RateCeiling: 300},
			control.ChannelLED:        {MaxPerAction: 100, RateWindow: 3, RateCeiling: 300},
			control.ChannelReservoir:  {MaxPerAction: 0},
		},
		Rules: RuleParams{
			PHInSpecThresholdPct:    90,
			PHDeadband:              0.2,
			PHAdjustmentLimit:       0.1,
			ECInSpecThresholdPct:    90,
			ECAdjustmentLimit:       0.1,
			HealthScoreThreshold:    0.8,
			TempDeadbandC:           2.0,
			HumidityHighPct:         80,
			LuxStressThreshold:      30000,
			ECStressThreshold:       2.0,
			ReservoirChangeDays:     map[string]int{"GREENS": 14, "FRUITS": 7},
			AbsolutePHBand:          telemetry.Band{Min: 4.0, Max: 8.0},
			AbsoluteECBand:          telemetry.Band{Min: 0.5, Max: 3.0},
			AbsoluteTempBand:        telemetry.Band{Min: 10, Max: 35},
			ReservoirVolumeL:        20,
			BaselineDosingMLPerWeek: 50,
			DosingVarianceThreshold: 0.2,
		},
		Stability: StabilityParams{
			ExcellenceThreshold:   0.95,
			FreezeAfterCycles:     12,
			MaxFreezeCycles:       24,
			CooldownCycles:        3,
			MinImprovement:        0.1,
			InterventionCost:      1.0,
			AttenuateAboveHealth:  0.8,
			ExcellentAboveHealth:  0.9,
			GoodHealthFactor:      0.8,
			ExcellentHealthFactor: 0.5,
			LockoutAllowedChannels: []control.ActuatorChannel{
				control.ChannelFan,
			},
		},
		Advisory: AdvisoryParams{
			Enabled:            false,
			Endpoint:           "https://api.openai.com/v1/chat/completions",
			Model:              "o3-mini",
			APIKeyEnv:          "OPENAI_API_KEY",
			Timeout:            Duration(30 * time.Second),
			ConfidenceOverride: 0.8,
			ForbiddenChannels: []control.ActuatorChannel{
				control.ChannelRefillPump,
				control.ChannelReservoir,
			},
			RecentDecisionHours: 6,
		},
		Ingest: IngestParams{
			Brokers: []string{"localhost:9092"},
			Topic:   "hydro.snapshots",
			GroupID: "hydrod",
		},
		FailureEscalationCycles: 3,
		APIAddr:                 ":8084",
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path loads defaults plus env only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if errs, _ := cfg.Validate(); len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid config: %s", errs[0])
	}
	return cfg, nil
}

// applyEnvOverrides maps deployment-varying env vars onto the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HYDROD_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("HYDROD_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("HYDROD_KAFKA_BROKER"); v != "" {
		cfg.Ingest.Brokers = []string{v}
	}
	if v := os.Getenv("HYDROD_KAFKA_TOPIC"); v != "" {
		cfg.Ingest.Topic = v
	}
	if v := os.Getenv("HYDROD_ADVISORY_ENDPOINT"); v != "" {
		cfg.Advisory.Endpoint = v
	}
	if v := os.Getenv("HYDROD_CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CycleInterval = Duration(d)
		}
	}
	if v := os.Getenv("HYDROD_EMERGENCY_STOP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EmergencyStop = b
		}
	}
}

// Validate checks the configuration and returns hard errors and advisory
// warnings separately. A config with errors must not run a control loop.
func (c Config) Validate() (errs []string, warnings []string) {
	if len(c.Zones) == 0 {
		errs = append(errs, "at least one zone is required")
	}
	seen := make(map[string]bool, len(c.Zones))
	for _, z := range c.Zones {
		if z.ID == "" {
			errs = append(errs, "zone with empty id")
			continue
		}
		if seen[z.ID] {
			errs = append(errs, fmt.Sprintf("duplicate zone id %q", z.ID))
		}
		seen[z.ID] = true
	}

	for ch, t := range c.Targets {
		if t.Min >= t.Max {
			errs = append(errs, fmt.Sprintf("target band for %s: min %v >= max %v", ch, t.Min, t.Max))
		}
	}
	if t, ok := c.Targets[telemetry.ChannelPH]; ok {
		if t.Min < 4.0 || t.Max > 8.0 {
			warnings = append(warnings, "pH targets outside typical hydroponic range (4.0-8.0)")
		}
	}
	if t, ok := c.Targets[telemetry.ChannelEC]; ok {
		if t.Min < 0.5 || t.Max > 3.0 {
			warnings = append(warnings, "EC targets outside typical range (0.5-3.0)")
		}
	}

	for ch, lim := range c.Limits {
		if !control.KnownChannel(ch) {
			errs = append(errs, fmt.Sprintf("limit for unknown channel %q", ch))
		}
		if lim.MaxPerAction < 0 || lim.DailyCap < 0 {
			errs = append(errs, fmt.Sprintf("negative limit for channel %s", ch))
		}
	}

	if c.Window <= 0 {
		errs = append(errs, "window must be positive")
	}
	if c.MinValidSamples <= 0 {
		errs = append(errs, "min_valid_samples must be positive")
	}
	if c.Stability.ExcellenceThreshold <= 0 || c.Stability.ExcellenceThreshold > 1 {
		errs = append(errs, "excellence_threshold must be in (0, 1]")
	}
	if c.Stability.FreezeAfterCycles <= 0 {
		errs = append(errs, "freeze_after_cycles must be positive")
	}
	if c.Advisory.Enabled && c.Advisory.Timeout <= 0 {
		errs = append(errs, "advisory timeout must be positive when advisory is enabled")
	}

	return errs, warnings
}

// AggregateConfig derives the telemetry aggregation parameters.
func (c Config) AggregateConfig() telemetry.AggregateConfig {
	bands := make(map[telemetry.Channel]telemetry.Band, len(c.Targets))
	weights := make(map[telemetry.Channel]float64, len(c.Targets))
	var required []telemetry.Channel
	for _, ch := range telemetry.Channels {
		t, ok := c.Targets[ch]
		if !ok {
			continue
		}
		bands[ch] = telemetry.Band{Min: t.Min, Max: t.Max}
		if t.Weight > 0 {
			weights[ch] = t.Weight
			required = append(required, ch)
		}
	}
	return telemetry.AggregateConfig{
		Bands:           bands,
		Weights:         weights,
		Required:        required,
		MinValidSamples: c.MinValidSamples,
	}
}

// ZoneByID returns the zone entry for id.
func (c Config) ZoneByID(id string) (Zone, bool) {
	for _, z := range c.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}
