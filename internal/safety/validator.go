package safety

import (
	"fmt"
	"math"

	"github.com/mossline/hydrod/internal/control"
)

// Limit is the configured hard envelope for one actuator channel.
type Limit struct {
	// MaxPerAction is the absolute per-action ceiling. A candidate whose
	// magnitude exceeds it is rejected outright, never clamped.
	MaxPerAction float64

	// DailyCap bounds the cumulative ledger entry per calendar day.
	// Zero disables the daily-cap check for the channel.
	DailyCap float64

	// RateWindow and RateCeiling bound the sum of magnitudes over the
	// most recent dispatched commands plus the candidate. A zero window
	// disables the check.
	RateWindow  int
	RateCeiling float64
}

// Input is everything the validator looks at for one candidate. The
// validator mutates none of it: invoking it twice on the same input
// yields the same verdict both times.
type Input struct {
	Candidate control.ProposedAction

	// Dispensed is the ledger entry for the candidate's channel today.
	Dispensed float64

	// Recent holds the magnitudes of the most recent dispatched commands
	// on the channel, newest first. Only the first Limit.RateWindow
	// entries are considered.
	Recent []float64

	Limit Limit

	EmergencyStop bool
}

// Violated-limit identifiers carried on clamped and rejected verdicts.
const (
	LimitEmergencyStop = "emergency_stop"
	LimitMaxPerAction  = "max_per_action"
	LimitDailyCap      = "daily_cap"
	LimitRateOfChange  = "rate_of_change"
)

// Validate checks one candidate action against the hard limits and the
// current ledger entry.
//
// Checks run in a fixed order: emergency stop, per-action ceiling, daily
// cap, rate of change. The daily cap clamps to the remaining allowance
// when some allowance is left and rejects when none is; every other
// violation rejects.
func Validate(in Input) control.SafetyVerdict {
	verdict := control.SafetyVerdict{
		Candidate: in.Candidate,
		Outcome:   control.VerdictPass,
		Magnitude: in.Candidate.Magnitude,
	}

	if in.EmergencyStop {
		return reject(verdict, LimitEmergencyStop)
	}

	magnitude := math.Abs(in.Candidate.Magnitude)

	if in.Limit.MaxPerAction > 0 && magnitude > in.Limit.MaxPerAction {
		return reject(verdict, LimitMaxPerAction)
	}

	if in.Limit.DailyCap > 0 && control.DosingChannel(in.Candidate.Channel) {
		remaining := in.Limit.DailyCap - in.Dispensed
		if remaining <= 0 {
			return reject(verdict, LimitDailyCap)
		}
		if magnitude > remaining {
			verdict.Outcome = control.VerdictClamped
			verdict.Magnitude = math.Copysign(remaining, in.Candidate.Magnitude)
			verdict.ViolatedLimit = LimitDailyCap
			magnitude = remaining
		}
	}

	if in.Limit.RateWindow > 0 && in.Limit.RateCeiling > 0 {
		sum := magnitude
		for i, recent := range in.Recent {
			if i >= in.Limit.RateWindow {
				break
			}
			sum += math.Abs(recent)
		}
		if sum > in.Limit.RateCeiling {
			return reject(verdict, LimitRateOfChange)
		}
	}

	return verdict
}

func reject(v control.SafetyVerdict, limit string) control.SafetyVerdict {
	v.Outcome = control.VerdictRejected
	v.Magnitude = 0
	v.ViolatedLimit = limit
	return v
}

// InvariantError marks a corrupted persistent structure. It is fatal to
// the control cycle: the pipeline halts the cycle and forces lockout
// rather than guessing a recovery.
type InvariantError struct {
	ZoneID string
	Detail string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in zone %s: %s", e.ZoneID, e.Detail)
}
