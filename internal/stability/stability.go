// Package stability is the last gate before dispatch. It keeps the
// per-zone mode machine (NORMAL, FROZEN, SAFETY_LOCKOUT) and decides,
// per validated candidate, whether acting is worth the disturbance.
//
// The guiding principle is stable-unless-better: a running system that
// is performing well is left alone, and marginal corrections are
// suppressed or attenuated rather than dispatched at full strength.
package stability

import (
	"fmt"
	"math"
	"time"

	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/control"
)

// Filter applies the mode machine and the per-action admission tests.
type Filter struct {
	params config.StabilityParams
}

// New builds a filter from stability parameters.
func New(params config.StabilityParams) *Filter {
	return &Filter{params: params}
}

// Suppression records one candidate the filter refused, for the audit
// record.
type Suppression struct {
	Channel control.ActuatorChannel `json:"channel"`
	Reason  string                  `json:"reason"`
}

// Suppression reasons.
const (
	ReasonFrozen         = "frozen"
	ReasonLockout        = "safety_lockout"
	ReasonCooldown       = "cooldown"
	ReasonMinImprovement = "below_min_improvement"
)

// Input is everything the admission pass needs for one cycle.
type Input struct {
	State    control.SystemState
	Health   float64
	CycleSeq int64

	// LastActionCycle maps each channel to the cycle sequence of its most
	// recent dispatched action, for the cooldown test.
	LastActionCycle map[control.ActuatorChannel]int64

	// Verdicts are the safety validator's outputs for this cycle's fused
	// candidates. Only dispatchable verdicts are considered.
	Verdicts []control.SafetyVerdict
}

// Outcome is the admission pass result.
type Outcome struct {
	Admitted   []control.ProposedAction
	Suppressed []Suppression
}

// Advance runs the mode transitions for one cycle and returns the next
// state. It must be called before Admit so admission sees the mode for
// the current cycle.
//
// A triggered safety rule forces SAFETY_LOCKOUT from any mode. The
// lockout is sticky: only Acknowledge clears it, never a transition
// here. Otherwise NORMAL freezes after a sustained excellent run, and
// FROZEN thaws on a score drop or when the maximum freeze duration
// elapses.
func (f *Filter) Advance(state control.SystemState, health float64, cycleSeq int64, safetyReason string, now time.Time) control.SystemState {
	if safetyReason != "" && state.Mode != control.ModeSafetyLockout {
		return enter(state, control.ModeSafetyLockout, "safety: "+safetyReason, cycleSeq, now)
	}

	switch state.Mode {
	case control.ModeSafetyLockout:
		return state

	case control.ModeFrozen:
		if health < f.params.ExcellenceThreshold {
			next := enter(state, control.ModeNormal, fmt.Sprintf("health %.2f dropped below %.2f", health, f.params.ExcellenceThreshold), cycleSeq, now)
			next.ExcellentStreak = 0
			return next
		}
		if cycleSeq-state.EnteredCycle >= int64(f.params.MaxFreezeCycles) {
			next := enter(state, control.ModeNormal, fmt.Sprintf("maximum freeze of %d cycles elapsed", f.params.MaxFreezeCycles), cycleSeq, now)
			next.ExcellentStreak = 0
			return next
		}
		return state

	default: // NORMAL
		if health >= f.params.ExcellenceThreshold {
			state.ExcellentStreak++
		} else {
			state.ExcellentStreak = 0
		}
		if state.ExcellentStreak >= f.params.FreezeAfterCycles {
			return enter(state, control.ModeFrozen, fmt.Sprintf("health held at or above %.2f for %d cycles", f.params.ExcellenceThreshold, state.ExcellentStreak), cycleSeq, now)
		}
		return state
	}
}

// Acknowledge clears a SAFETY_LOCKOUT back to NORMAL. It is the only
// path out of lockout and is driven by an explicit operator action.
func (f *Filter) Acknowledge(state control.SystemState, operator string, cycleSeq int64, now time.Time) (control.SystemState, error) {
	if state.Mode != control.ModeSafetyLockout {
		return state, fmt.Errorf("zone %s: acknowledge in mode %s, expected %s", state.ZoneID, state.Mode, control.ModeSafetyLockout)
	}
	next := enter(state, control.ModeNormal, "lockout acknowledged by "+operator, cycleSeq, now)
	next.ExcellentStreak = 0
	return next, nil
}

// Admit applies the per-action tests under the (already advanced) mode.
//
// Safety-severity actions bypass cooldown and the improvement test in
// every mode; in SAFETY_LOCKOUT even they are restricted to the
// configured allow-list of neutralizing channels.
func (f *Filter) Admit(in Input) Outcome {
	var out Outcome
	for _, verdict := range in.Verdicts {
		if !verdict.Dispatchable() {
			continue
		}
		action := verdict.Candidate
		action.Magnitude = verdict.Magnitude

		if reason := f.suppressionReason(in, action); reason != "" {
			out.Suppressed = append(out.Suppressed, Suppression{Channel: action.Channel, Reason: reason})
			continue
		}

		out.Admitted = append(out.Admitted, f.attenuate(action, in.Health))
	}
	return out
}

func (f *Filter) suppressionReason(in Input, action control.ProposedAction) string {
	switch in.State.Mode {
	case control.ModeSafetyLockout:
		if !f.lockoutAllowed(action.Channel) {
			return ReasonLockout
		}
		return ""

	case control.ModeFrozen:
		if action.Severity < control.SeveritySafety {
			return ReasonFrozen
		}
		return ""
	}

	if action.Severity >= control.SeveritySafety {
		return ""
	}
	if last, ok := in.LastActionCycle[action.Channel]; ok {
		if in.CycleSeq-last < int64(f.params.CooldownCycles) {
			return ReasonCooldown
		}
	}
	if f.expectedBenefit(action, in.Health)-f.params.InterventionCost <= f.params.MinImprovement {
		return ReasonMinImprovement
	}
	return ""
}

// expectedBenefit scores a candidate against the intervention cost.
// Severity is the main signal; a struggling zone raises the benefit of
// acting while a healthy one lowers it, so marginal low-severity nudges
// stop clearing the bar exactly when the zone no longer needs them.
func (f *Filter) expectedBenefit(action control.ProposedAction, health float64) float64 {
	benefit := float64(action.Severity) * (2 - clamp01(health))
	if action.Source != control.SourceRule && action.Confidence > 0 {
		benefit *= action.Confidence
	}
	return benefit
}

// attenuate scales dosing magnitudes down when the zone is already
// healthy. Environmental channels and safety actions pass unscaled.
func (f *Filter) attenuate(action control.ProposedAction, health float64) control.ProposedAction {
	if !control.DosingChannel(action.Channel) || action.Severity >= control.SeveritySafety {
		return action
	}

	factor := 1.0
	switch {
	case f.params.ExcellentAboveHealth > 0 && health >= f.params.ExcellentAboveHealth:
		factor = f.params.ExcellentHealthFactor
	case f.params.AttenuateAboveHealth > 0 && health >= f.params.AttenuateAboveHealth:
		factor = f.params.GoodHealthFactor
	}
	if factor >= 1 {
		return action
	}

	action.Magnitude = math.Round(action.Magnitude*factor*10) / 10
	return action
}

func (f *Filter) lockoutAllowed(ch control.ActuatorChannel) bool {
	for _, allowed := range f.params.LockoutAllowedChannels {
		if ch == allowed {
			return true
		}
	}
	return false
}

func enter(state control.SystemState, mode control.Mode, reason string, cycleSeq int64, now time.Time) control.SystemState {
	state.Mode = mode
	state.Reason = reason
	state.EnteredAt = now
	state.EnteredCycle = cycleSeq
	return state
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
