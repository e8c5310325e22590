// Package telemetry defines sensor snapshots and reduces a trailing
// window of them into the per-cycle KPI summary the rules engine runs on.
package telemetry

import (
	"math"
	"time"
)

// Channel identifies a sensor channel within a snapshot.
type Channel string

const (
	ChannelPH        Channel = "ph"
	ChannelEC        Channel = "ec"
	ChannelWaterTemp Channel = "water_temp"
	ChannelAirTemp   Channel = "air_temp"
	ChannelHumidity  Channel = "humidity"
	ChannelCO2       Channel = "co2"
	ChannelLux       Channel = "lux"
	ChannelTurbidity Channel = "turbidity"
	ChannelPressure  Channel = "pressure"
	ChannelLEDPower  Channel = "led_power"
)

// Channels lists all sensor channels in a fixed order for deterministic
// iteration.
var Channels = []Channel{
	ChannelPH,
	ChannelEC,
	ChannelWaterTemp,
	ChannelAirTemp,
	ChannelHumidity,
	ChannelCO2,
	ChannelLux,
	ChannelTurbidity,
	ChannelPressure,
	ChannelLEDPower,
}

// Snapshot is one immutable sensor reading set for a zone.
//
// A channel absent from Values, or carrying a NaN, is a missing/invalid
// sample: it is excluded from averages but still counts in the in-spec
// denominator.
type Snapshot struct {
	ZoneID    string              `json:"zone_id"`
	Timestamp time.Time           `json:"timestamp"`
	Values    map[Channel]float64 `json:"values"`
	LevelHigh bool                `json:"level_high"`
	LevelLow  bool                `json:"level_low"`
}

// Value returns the sample for a channel and whether it is valid.
func (s Snapshot) Value(c Channel) (float64, bool) {
	v, ok := s.Values[c]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
