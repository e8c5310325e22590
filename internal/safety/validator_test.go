package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossline/hydrod/internal/control"
)

// TestValidate_PerActionCeiling verifies that a candidate over the
// per-action ceiling is rejected outright, never clamped down to it.
func TestValidate_PerActionCeiling(t *testing.T) {
	verdict := Validate(Input{
		Candidate: control.ProposedAction{Channel: control.ChannelPumpA, Magnitude: 60},
		Limit:     Limit{MaxPerAction: 50, DailyCap: 200},
	})

	assert.Equal(t, control.VerdictRejected, verdict.Outcome)
	assert.Equal(t, LimitMaxPerAction, verdict.ViolatedLimit)
	assert.Zero(t, verdict.Magnitude)
}

// TestValidate_DailyCapClampsToRemaining covers the cap boundary: with
// 48 ml already dispensed against a 50 ml cap, a 10 ml candidate is
// clamped to exactly the 2 ml remaining.
func TestValidate_DailyCapClampsToRemaining(t *testing.T) {
	verdict := Validate(Input{
		Candidate: control.ProposedAction{Channel: control.ChannelPHPump, Magnitude: 10},
		Dispensed: 48,
		Limit:     Limit{MaxPerAction: 20, DailyCap: 50},
	})

	assert.Equal(t, control.VerdictClamped, verdict.Outcome)
	assert.Equal(t, LimitDailyCap, verdict.ViolatedLimit)
	assert.InDelta(t, 2.0, verdict.Magnitude, 1e-9)
	assert.True(t, verdict.Dispatchable())
}

// TestValidate_DailyCapPreservesDirection verifies that clamping a
// signed down-dose keeps the sign.
func TestValidate_DailyCapPreservesDirection(t *testing.T) {
	verdict := Validate(Input{
		Candidate: control.ProposedAction{Channel: control.ChannelPHPump, Magnitude: -10},
		Dispensed: 45,
		Limit:     Limit{MaxPerAction: 20, DailyCap: 50},
	})

	assert.Equal(t, control.VerdictClamped, verdict.Outcome)
	assert.InDelta(t, -5.0, verdict.Magnitude, 1e-9)
}

// TestValidate_DailyCapExhausted verifies that a fully consumed cap
// rejects instead of clamping to zero.
func TestValidate_DailyCapExhausted(t *testing.T) {
	verdict := Validate(Input{
		Candidate: control.ProposedAction{Channel: control.ChannelPumpB, Magnitude: 5},
		Dispensed: 200,
		Limit:     Limit{MaxPerAction: 50, DailyCap: 200},
	})

	assert.Equal(t, control.VerdictRejected, verdict.Outcome)
	assert.Equal(t, LimitDailyCap, verdict.ViolatedLimit)
	assert.False(t, verdict.Dispatchable())
}

// TestValidate_RateOfChange verifies the rolling-window rate ceiling,
// including that only the configured number of recent commands count.
func TestValidate_RateOfChange(t *testing.T) {
	tests := []struct {
		name    string
		recent  []float64
		magnitude float64
		want    control.VerdictOutcome
	}{
		{name: "under ceiling", recent: []float64{30, 30}, magnitude: 30, want: control.VerdictPass},
		{name: "over ceiling", recent: []float64{40, 40, 15}, magnitude: 10, want: control.VerdictRejected},
		{name: "old commands ignored", recent: []float64{10, 10, 10, 500}, magnitude: 10, want: control.VerdictPass},
		{name: "signs count as volume", recent: []float64{-40, 40}, magnitude: -25, want: control.VerdictRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := Validate(Input{
				Candidate: control.ProposedAction{Channel: control.ChannelPumpA, Magnitude: tt.magnitude},
				Recent:    tt.recent,
				Limit:     Limit{MaxPerAction: 50, DailyCap: 200, RateWindow: 3, RateCeiling: 100},
			})
			assert.Equal(t, tt.want, verdict.Outcome)
			if tt.want == control.VerdictRejected {
				assert.Equal(t, LimitRateOfChange, verdict.ViolatedLimit)
			}
		})
	}
}

// TestValidate_EmergencyStop verifies that the flag rejects everything
// before any other check runs.
func TestValidate_EmergencyStop(t *testing.T) {
	verdict := Validate(Input{
		Candidate:     control.ProposedAction{Channel: control.ChannelFan, Magnitude: 10},
		Limit:         Limit{MaxPerAction: 100},
		EmergencyStop: true,
	})

	assert.Equal(t, control.VerdictRejected, verdict.Outcome)
	assert.Equal(t, LimitEmergencyStop, verdict.ViolatedLimit)
}

// TestValidate_Idempotent verifies that validating the same input twice
// yields identical verdicts: the validator mutates nothing.
func TestValidate_Idempotent(t *testing.T) {
	in := Input{
		Candidate: control.ProposedAction{Channel: control.ChannelPHPump, Magnitude: 10},
		Dispensed: 48,
		Recent:    []float64{5, 5},
		Limit:     Limit{MaxPerAction: 20, DailyCap: 50, RateWindow: 3, RateCeiling: 40},
	}

	first := Validate(in)
	second := Validate(in)
	require.Equal(t, first, second)
}

// TestValidate_NonDosingChannelSkipsCap verifies that daily caps apply
// only to dosing channels; fan percent deltas have no ledger entry.
func TestValidate_NonDosingChannelSkipsCap(t *testing.T) {
	verdict := Validate(Input{
		Candidate: control.ProposedAction{Channel: control.ChannelFan, Magnitude: 80},
		Dispensed: 999,
		Limit:     Limit{MaxPerAction: 100, DailyCap: 100},
	})

	assert.Equal(t, control.VerdictPass, verdict.Outcome)
}
