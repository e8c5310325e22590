package control

import (
	"fmt"
	"time"
)

// ActuatorChannel identifies a physical actuator the pipeline can command.
//
// The channel vocabulary is closed: rules, the advisory adapter, and
// configuration all speak in terms of these channels. An advisory proposal
// naming a channel outside this set is treated as an abstention for that
// channel.
type ActuatorChannel string

const (
	ChannelPumpA      ActuatorChannel = "pump_a"      // nutrient part A, ml
	ChannelPumpB      ActuatorChannel = "pump_b"      // nutrient part B, ml
	ChannelPHPump     ActuatorChannel = "ph_pump"     // pH corrector, ml (signed: + raises pH)
	ChannelRefillPump ActuatorChannel = "refill_pump" // fresh water top-up, ml
	ChannelFan        ActuatorChannel = "fan"         // percent speed delta
	ChannelLED        ActuatorChannel = "led"         // percent power delta
	ChannelReservoir  ActuatorChannel = "reservoir"   // maintenance advice, no magnitude
)

// ActuatorChannels lists all known channels in a fixed order.
// Iteration over pipeline results uses this order for determinism.
var ActuatorChannels = []ActuatorChannel{
	ChannelPumpA,
	ChannelPumpB,
	ChannelPHPump,
	ChannelRefillPump,
	ChannelFan,
	ChannelLED,
	ChannelReservoir,
}

// KnownChannel reports whether c is part of the closed channel vocabulary.
func KnownChannel(c ActuatorChannel) bool {
	for _, known := range ActuatorChannels {
		if c == known {
			return true
		}
	}
	return false
}

// DosingChannel reports whether c dispenses liquid and therefore counts
// against the per-day dosing ledger.
func DosingChannel(c ActuatorChannel) bool {
	switch c {
	case ChannelPumpA, ChannelPumpB, ChannelPHPump, ChannelRefillPump:
		return true
	}
	return false
}

// Severity ranks rule evaluations. When multiple rules target the same
// actuator channel, only the highest-severity proposal survives.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	// SeveritySafety marks safety-violation rules. A triggered safety rule
	// forces SAFETY_LOCKOUT and bypasses the per-channel cooldown.
	SeveritySafety
)

// String returns the audit-log name of the severity tier.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeveritySafety:
		return "safety"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Source tags where a proposed action originated.
type Source string

const (
	SourceRule     Source = "rule"
	SourceAdvisory Source = "advisory"
	SourceFused    Source = "fused"
)

// ProposedAction is a candidate adjustment for one actuator channel.
//
// Magnitude is signed: for dosing channels the unit is ml and the sign is
// the dosing direction (pH up vs down), for fan/led it is a percent delta.
// Confidence is populated only for advisory-sourced proposals.
type ProposedAction struct {
	Channel    ActuatorChannel `json:"channel"`
	Magnitude  float64         `json:"magnitude"`
	Source     Source          `json:"source"`
	Severity   Severity        `json:"severity"`
	Confidence float64         `json:"confidence,omitempty"`
	Reason     string          `json:"reason"`
}

// VerdictOutcome is the result of safety validation for one candidate.
type VerdictOutcome string

const (
	VerdictPass     VerdictOutcome = "pass"
	VerdictClamped  VerdictOutcome = "clamped"
	VerdictRejected VerdictOutcome = "rejected"
)

// SafetyVerdict records the outcome of validating one candidate action.
// Magnitude carries the resulting (possibly clamped) magnitude; for a
// rejected candidate it is zero. ViolatedLimit names the limit that
// clamped or rejected the candidate, empty on a clean pass.
type SafetyVerdict struct {
	Candidate     ProposedAction `json:"candidate"`
	Outcome       VerdictOutcome `json:"outcome"`
	Magnitude     float64        `json:"magnitude"`
	ViolatedLimit string         `json:"violated_limit,omitempty"`
}

// Dispatchable reports whether the verdict admits a physical command:
// a pass, or a clamp that left a non-zero magnitude.
func (v SafetyVerdict) Dispatchable() bool {
	switch v.Outcome {
	case VerdictPass:
		return true
	case VerdictClamped:
		return v.Magnitude != 0
	}
	return false
}

// CommandOutcome is the actuator collaborator's report for a dispatch.
type CommandOutcome string

const (
	OutcomeSuccess CommandOutcome = "success"
	OutcomeFailure CommandOutcome = "failure"
)

// ActuatorCommand is one concrete command handed to the actuator
// collaborator, recorded with its outcome.
type ActuatorCommand struct {
	ID           string          `json:"id"`
	ZoneID       string          `json:"zone_id"`
	Channel      ActuatorChannel `json:"channel"`
	Magnitude    float64         `json:"magnitude"`
	Reason       string          `json:"reason"`
	DispatchedAt time.Time       `json:"dispatched_at"`
	Outcome      CommandOutcome  `json:"outcome"`
}
