package telemetry

import (
	"time"

	"github.com/mossline/hydrod/internal/control"
)

// Band is a closed valid range for a sensor channel.
type Band struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies inside the band, inclusive.
func (b Band) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Trend classifies the direction of a channel over the window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// ChannelKPI summarizes one sensor channel over the trailing window.
type ChannelKPI struct {
	Average      float64 `json:"average"`
	InSpecPct    float64 `json:"in_spec_pct"`
	ValidSamples int     `json:"valid_samples"`
	Trend        Trend   `json:"trend"`
}

// KPISet is the derived performance summary for one control cycle.
//
// LowConfidence is set when any required channel has fewer valid samples
// than the configured minimum. Downstream, a low-confidence KPI set means
// "no non-safety rule triggers", never an error.
type KPISet struct {
	ZoneID      string    `json:"zone_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	SampleCount int       `json:"sample_count"`

	Channels    map[Channel]ChannelKPI `json:"channels"`
	HealthScore float64                `json:"health_score"`

	// DosingTotals is the cumulative ml dispensed per channel over the
	// window, sourced from the command history.
	DosingTotals map[control.ActuatorChannel]float64 `json:"dosing_totals"`

	DaysSinceReservoirChange int  `json:"days_since_reservoir_change"`
	LowConfidence            bool `json:"low_confidence"`

	// LevelLow is the most recent reservoir low-level flag.
	LevelLow bool `json:"level_low"`
}

// Channel returns the KPI entry for a channel, zero-valued if absent.
func (k KPISet) Channel(c Channel) ChannelKPI {
	return k.Channels[c]
}

// Rollup is one persisted per-day, per-channel KPI rollup row, the unit
// of the historical trend record.
type Rollup struct {
	ZoneID       string  `json:"zone_id"`
	Day          string  `json:"day"` // YYYY-MM-DD
	Channel      Channel `json:"channel"`
	Average      float64 `json:"average"`
	InSpecPct    float64 `json:"in_spec_pct"`
	ValidSamples int     `json:"valid_samples"`
	Trend        Trend   `json:"trend"`
}
