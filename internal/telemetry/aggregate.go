package telemetry

import (
	"time"

	"github.com/mossline/hydrod/internal/control"
)

// defaultTrendEpsilon is the slope magnitude below which a channel is
// classified as stable.
const defaultTrendEpsilon = 0.01

// AggregateConfig parameterizes window reduction.
type AggregateConfig struct {
	// Bands are the configured valid ranges per channel. A channel
	// without a band contributes averages but no in-spec percentage or
	// health weight.
	Bands map[Channel]Band

	// Weights are the health-score weights per channel. Channels missing
	// from the map do not contribute to the composite score. Weights are
	// normalized over the channels present, so they need not sum to 1.
	Weights map[Channel]float64

	// Required channels must each reach MinValidSamples valid samples in
	// the window or the whole KPI set is marked low-confidence.
	Required []Channel

	MinValidSamples int

	// TrendEpsilon is the absolute slope threshold for the stable
	// classification. Zero means the default.
	TrendEpsilon float64
}

// Aggregate reduces an ordered trailing window of snapshots into a KPI
// set. Snapshots must share a zone and be ordered oldest first.
//
// Dosing totals and days-since-reservoir-change are owned by the command
// history, not the snapshot stream, so the caller supplies them.
func Aggregate(
	zoneID string,
	window []Snapshot,
	dosing map[control.ActuatorChannel]float64,
	daysSinceReservoirChange int,
	cfg AggregateConfig,
) KPISet {
	kpi := KPISet{
		ZoneID:                   zoneID,
		SampleCount:              len(window),
		Channels:                 make(map[Channel]ChannelKPI, len(Channels)),
		DosingTotals:             dosing,
		DaysSinceReservoirChange: daysSinceReservoirChange,
	}
	if len(window) == 0 {
		kpi.LowConfidence = true
		return kpi
	}

	kpi.WindowStart = window[0].Timestamp
	kpi.WindowEnd = window[len(window)-1].Timestamp
	kpi.LevelLow = window[len(window)-1].LevelLow

	epsilon := cfg.TrendEpsilon
	if epsilon == 0 {
		epsilon = defaultTrendEpsilon
	}

	for _, ch := range Channels {
		kpi.Channels[ch] = reduceChannel(ch, window, cfg.Bands[ch], epsilon)
	}

	kpi.HealthScore = healthScore(kpi.Channels, cfg.Weights)

	for _, req := range cfg.Required {
		if kpi.Channels[req].ValidSamples < cfg.MinValidSamples {
			kpi.LowConfidence = true
			break
		}
	}

	return kpi
}

// reduceChannel computes the average, in-spec percentage, and trend for
// one channel. Invalid samples are excluded from the average and the
// trend but stay in the in-spec denominator.
func reduceChannel(ch Channel, window []Snapshot, band Band, epsilon float64) ChannelKPI {
	var (
		sum    float64
		valid  []float64
		inSpec int
	)
	for _, snap := range window {
		v, ok := snap.Value(ch)
		if !ok {
			continue
		}
		sum += v
		valid = append(valid, v)
		if band != (Band{}) && band.Contains(v) {
			inSpec++
		}
	}

	kpi := ChannelKPI{ValidSamples: len(valid), Trend: TrendStable}
	if len(valid) > 0 {
		kpi.Average = sum / float64(len(valid))
		kpi.Trend = classifyTrend(valid, epsilon)
	}
	if band != (Band{}) && len(window) > 0 {
		kpi.InSpecPct = 100 * float64(inSpec) / float64(len(window))
	}
	return kpi
}

// classifyTrend fits a least-squares slope over the valid sample series
// and classifies it against epsilon.
func classifyTrend(values []float64, epsilon float64) Trend {
	n := len(values)
	if n < 2 {
		return TrendStable
	}

	var xSum, ySum, xySum, x2Sum float64
	for i, v := range values {
		x := float64(i)
		xSum += x
		ySum += v
		xySum += x * v
		x2Sum += x * x
	}
	denom := float64(n)*x2Sum - xSum*xSum
	if denom == 0 {
		return TrendStable
	}
	slope := (float64(n)*xySum - xSum*ySum) / denom

	switch {
	case slope > epsilon:
		return TrendIncreasing
	case slope < -epsilon:
		return TrendDecreasing
	}
	return TrendStable
}

// healthScore is the weight-normalized mean of per-channel in-spec
// fractions over the channels that carry a weight.
func healthScore(channels map[Channel]ChannelKPI, weights map[Channel]float64) float64 {
	var weightSum, score float64
	for _, ch := range Channels {
		w, ok := weights[ch]
		if !ok || w <= 0 {
			continue
		}
		weightSum += w
		score += w * channels[ch].InSpecPct / 100
	}
	if weightSum == 0 {
		return 0
	}
	return score / weightSum
}

// WindowStartFor returns the inclusive lower bound of the trailing window
// ending at now.
func WindowStartFor(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}
