package stability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/control"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testFilter() *Filter {
	return New(config.Default().Stability)
}

func passVerdict(ch control.ActuatorChannel, magnitude float64, severity control.Severity) control.SafetyVerdict {
	return control.SafetyVerdict{
		Candidate: control.ProposedAction{
			Channel: ch, Magnitude: magnitude,
			Source: control.SourceRule, Severity: severity,
		},
		Outcome:   control.VerdictPass,
		Magnitude: magnitude,
	}
}

// TestAdvance_FreezesAfterSustainedExcellence verifies the excellence
// streak: twelve consecutive cycles at or above 0.95 freeze the zone,
// eleven do not.
func TestAdvance_FreezesAfterSustainedExcellence(t *testing.T) {
	f := testFilter()
	state := control.NewSystemState("zone-a", testNow)

	var seq int64
	for i := 0; i < 11; i++ {
		seq++
		state = f.Advance(state, 0.98, seq, "", testNow)
		require.Equal(t, control.ModeNormal, state.Mode, "cycle %d", seq)
	}
	assert.Equal(t, 11, state.ExcellentStreak)

	seq++
	state = f.Advance(state, 0.98, seq, "", testNow)
	assert.Equal(t, control.ModeFrozen, state.Mode)
	assert.Equal(t, seq, state.EnteredCycle)
}

// TestAdvance_ScoreDropResetsStreak verifies that one sub-threshold
// cycle restarts the excellence count.
func TestAdvance_ScoreDropResetsStreak(t *testing.T) {
	f := testFilter()
	state := control.NewSystemState("zone-a", testNow)

	for seq := int64(1); seq <= 6; seq++ {
		state = f.Advance(state, 0.98, seq, "", testNow)
	}
	require.Equal(t, 6, state.ExcellentStreak)

	state = f.Advance(state, 0.90, 7, "", testNow)
	assert.Equal(t, control.ModeNormal, state.Mode)
	assert.Zero(t, state.ExcellentStreak)
}

// TestAdvance_ThawOnScoreDrop verifies FROZEN returns to NORMAL as soon
// as performance degrades.
func TestAdvance_ThawOnScoreDrop(t *testing.T) {
	f := testFilter()
	state := control.SystemState{
		ZoneID: "zone-a", Mode: control.ModeFrozen,
		EnteredAt: testNow, EnteredCycle: 12, ExcellentStreak: 12,
	}

	state = f.Advance(state, 0.80, 13, "", testNow)
	assert.Equal(t, control.ModeNormal, state.Mode)
	assert.Zero(t, state.ExcellentStreak)
}

// TestAdvance_ThawAfterMaxFreeze verifies the freeze duration bound:
// even at a perfect score, a freeze never outlives the configured
// maximum number of cycles.
func TestAdvance_ThawAfterMaxFreeze(t *testing.T) {
	f := testFilter()
	state := control.SystemState{
		ZoneID: "zone-a", Mode: control.ModeFrozen,
		EnteredAt: testNow, EnteredCycle: 100, ExcellentStreak: 12,
	}

	state = f.Advance(state, 1.0, 123, "", testNow)
	require.Equal(t, control.ModeFrozen, state.Mode, "23 cycles in, still frozen")

	state = f.Advance(state, 1.0, 124, "", testNow)
	assert.Equal(t, control.ModeNormal, state.Mode)
}

// TestAdvance_SafetyForcesLockoutFromAnyMode verifies the lockout
// transition and its stickiness: no health score clears it.
func TestAdvance_SafetyForcesLockoutFromAnyMode(t *testing.T) {
	f := testFilter()

	for _, mode := range []control.Mode{control.ModeNormal, control.ModeFrozen} {
		state := control.SystemState{ZoneID: "zone-a", Mode: mode, EnteredAt: testNow}
		state = f.Advance(state, 0.99, 5, "ph_critical: pH 3.1 outside absolute limits", testNow)
		require.Equal(t, control.ModeSafetyLockout, state.Mode, "from %s", mode)

		state = f.Advance(state, 1.0, 6, "", testNow)
		assert.Equal(t, control.ModeSafetyLockout, state.Mode, "lockout is sticky")
	}
}

// TestAcknowledge verifies the only path out of lockout, and that it
// refuses zones that are not locked out.
func TestAcknowledge(t *testing.T) {
	f := testFilter()
	state := control.SystemState{ZoneID: "zone-a", Mode: control.ModeSafetyLockout, EnteredAt: testNow}

	next, err := f.Acknowledge(state, "jamie", 9, testNow)
	require.NoError(t, err)
	assert.Equal(t, control.ModeNormal, next.Mode)
	assert.Contains(t, next.Reason, "jamie")

	_, err = f.Acknowledge(next, "jamie", 10, testNow)
	assert.Error(t, err, "acknowledging a NORMAL zone is a caller mistake")
}

// TestAdmit_FrozenSuppressesNonSafety verifies that a frozen zone
// passes safety actions and nothing else.
func TestAdmit_FrozenSuppressesNonSafety(t *testing.T) {
	f := testFilter()
	out := f.Admit(Input{
		State:    control.SystemState{ZoneID: "zone-a", Mode: control.ModeFrozen},
		Health:   0.97,
		CycleSeq: 20,
		Verdicts: []control.SafetyVerdict{
			passVerdict(control.ChannelPHPump, 1.4, control.SeverityHigh),
			passVerdict(control.ChannelFan, 100, control.SeveritySafety),
		},
	})

	require.Len(t, out.Admitted, 1)
	assert.Equal(t, control.ChannelFan, out.Admitted[0].Channel)
	require.Len(t, out.Suppressed, 1)
	assert.Equal(t, ReasonFrozen, out.Suppressed[0].Reason)
}

// TestAdmit_LockoutAllowsOnlyConfiguredChannels verifies the lockout
// allow-list: the fan neutralizing action passes, dosing does not.
func TestAdmit_LockoutAllowsOnlyConfiguredChannels(t *testing.T) {
	f := testFilter()
	out := f.Admit(Input{
		State:    control.SystemState{ZoneID: "zone-a", Mode: control.ModeSafetyLockout},
		Health:   0.3,
		CycleSeq: 20,
		Verdicts: []control.SafetyVerdict{
			passVerdict(control.ChannelFan, 100, control.SeveritySafety),
			passVerdict(control.ChannelPumpA, 6, control.SeverityHigh),
		},
	})

	require.Len(t, out.Admitted, 1)
	assert.Equal(t, control.ChannelFan, out.Admitted[0].Channel)
	require.Len(t, out.Suppressed, 1)
	assert.Equal(t, ReasonLockout, out.Suppressed[0].Reason)
}

// TestAdmit_Cooldown verifies the per-channel cooldown in NORMAL mode
// and that safety severity bypasses it.
func TestAdmit_Cooldown(t *testing.T) {
	f := testFilter()
	last := map[control.ActuatorChannel]int64{
		control.ChannelPHPump: 10,
		control.ChannelFan:    10,
	}

	out := f.Admit(Input{
		State:           control.SystemState{ZoneID: "zone-a", Mode: control.ModeNormal},
		Health:          0.5,
		CycleSeq:        12, // 2 cycles since last action, cooldown is 3
		LastActionCycle: last,
		Verdicts: []control.SafetyVerdict{
			passVerdict(control.ChannelPHPump, 1.4, control.SeverityHigh),
			passVerdict(control.ChannelFan, 100, control.SeveritySafety),
		},
	})

	require.Len(t, out.Admitted, 1)
	assert.Equal(t, control.ChannelFan, out.Admitted[0].Channel, "safety bypasses cooldown")
	require.Len(t, out.Suppressed, 1)
	assert.Equal(t, ReasonCooldown, out.Suppressed[0].Reason)

	out = f.Admit(Input{
		State:           control.SystemState{ZoneID: "zone-a", Mode: control.ModeNormal},
		Health:          0.5,
		CycleSeq:        13, // cooldown elapsed
		LastActionCycle: last,
		Verdicts: []control.SafetyVerdict{
			passVerdict(control.ChannelPHPump, 1.4, control.SeverityHigh),
		},
	})
	assert.Len(t, out.Admitted, 1)
}

// TestAdmit_MinImprovement verifies the improvement test: a marginal
// low-severity nudge on a healthy zone is not worth the disturbance,
// the same nudge on a struggling zone is.
func TestAdmit_MinImprovement(t *testing.T) {
	f := testFilter()
	verdicts := []control.SafetyVerdict{
		passVerdict(control.ChannelFan, -10, control.SeverityLow),
	}

	healthy := f.Admit(Input{
		State:    control.SystemState{ZoneID: "zone-a", Mode: control.ModeNormal},
		Health:   0.95,
		CycleSeq: 5,
		Verdicts: verdicts,
	})
	require.Empty(t, healthy.Admitted)
	require.Len(t, healthy.Suppressed, 1)
	assert.Equal(t, ReasonMinImprovement, healthy.Suppressed[0].Reason)

	struggling := f.Admit(Input{
		State:    control.SystemState{ZoneID: "zone-a", Mode: control.ModeNormal},
		Health:   0.5,
		CycleSeq: 5,
		Verdicts: verdicts,
	})
	assert.Len(t, struggling.Admitted, 1)
}

// TestAdmit_AttenuatesDosingByHealth verifies the dose scale-down tiers
// and that environmental channels pass unscaled.
func TestAdmit_AttenuatesDosingByHealth(t *testing.T) {
	f := testFilter()

	tests := []struct {
		name   string
		health float64
		want   float64
	}{
		{name: "struggling full dose", health: 0.5, want: 10.0},
		{name: "good health scaled", health: 0.85, want: 8.0},
		{name: "excellent health scaled harder", health: 0.92, want: 5.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.Admit(Input{
				State:    control.SystemState{ZoneID: "zone-a", Mode: control.ModeNormal},
				Health:   tt.health,
				CycleSeq: 5,
				Verdicts: []control.SafetyVerdict{
					passVerdict(control.ChannelPumpA, 10, control.SeverityHigh),
				},
			})
			require.Len(t, out.Admitted, 1)
			assert.InDelta(t, tt.want, out.Admitted[0].Magnitude, 1e-9)
		})
	}

	out := f.Admit(Input{
		State:    control.SystemState{ZoneID: "zone-a", Mode: control.ModeNormal},
		Health:   0.92,
		CycleSeq: 5,
		Verdicts: []control.SafetyVerdict{
			passVerdict(control.ChannelFan, 60, control.SeverityMedium),
		},
	})
	require.Len(t, out.Admitted, 1)
	assert.InDelta(t, 60.0, out.Admitted[0].Magnitude, 1e-9, "percent channels are not attenuated")
}

// TestAdmit_SkipsNonDispatchableVerdicts verifies that rejected
// verdicts never reach admission.
func TestAdmit_SkipsNonDispatchableVerdicts(t *testing.T) {
	f := testFilter()
	rejected := control.SafetyVerdict{
		Candidate: control.ProposedAction{Channel: control.ChannelPumpA, Magnitude: 60, Severity: control.SeverityHigh},
		Outcome:   control.VerdictRejected,
	}

	out := f.Admit(Input{
		State:    control.SystemState{ZoneID: "zone-a", Mode: control.ModeNormal},
		Health:   0.5,
		CycleSeq: 5,
		Verdicts: []control.SafetyVerdict{rejected},
	})
	assert.Empty(t, out.Admitted)
	assert.Empty(t, out.Suppressed)
}
