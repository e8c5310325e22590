package testutil

import (
	"time"

	"github.com/mossline/hydrod/internal/telemetry"
)

// SteadyWindow builds n snapshots at a fixed interval ending just
// before end, every channel pinned to the given values. Channels absent
// from values are omitted from each snapshot (invalid samples).
func SteadyWindow(zoneID string, end time.Time, n int, interval time.Duration, values map[telemetry.Channel]float64) []telemetry.Snapshot {
	out := make([]telemetry.Snapshot, 0, n)
	for i := n; i > 0; i-- {
		snap := telemetry.Snapshot{
			ZoneID:    zoneID,
			Timestamp: end.Add(-time.Duration(i) * interval),
			Values:    make(map[telemetry.Channel]float64, len(values)),
		}
		for ch, v := range values {
			snap.Values[ch] = v
		}
		out = append(out, snap)
	}
	return out
}

// RampWindow builds n snapshots where one channel moves linearly from
// start to stop while the rest stay fixed.
func RampWindow(zoneID string, end time.Time, n int, interval time.Duration, fixed map[telemetry.Channel]float64, ramp telemetry.Channel, start, stop float64) []telemetry.Snapshot {
	out := SteadyWindow(zoneID, end, n, interval, fixed)
	if n < 2 {
		if n == 1 {
			out[0].Values[ramp] = start
		}
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i].Values[ramp] = start + step*float64(i)
	}
	return out
}

// HealthyValues returns a value set sitting on every default target.
func HealthyValues() map[telemetry.Channel]float64 {
	return map[telemetry.Channel]float64{
		telemetry.ChannelPH:       6.0,
		telemetry.ChannelEC:       1.6,
		telemetry.ChannelAirTemp:  22.0,
		telemetry.ChannelHumidity: 60.0,
		telemetry.ChannelCO2:      800.0,
		telemetry.ChannelLux:      15000.0,
	}
}
