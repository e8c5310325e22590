// Package rules deterministically evaluates the per-cycle KPI summary
// against configured thresholds and produces zero or more proposed
// actions per actuator channel.
//
// The rule catalog is a closed enumeration with a uniform evaluation
// contract. Every rule is evaluated every cycle and appears in the
// result whether or not it triggered, so the audit record shows the
// full decision surface.
package rules

import (
	"time"

	"github.com/mossline/hydrod/internal/control"
)

// ID identifies a rule in the closed catalog.
type ID string

const (
	RulePHLow            ID = "ph_low"
	RulePHHigh           ID = "ph_high"
	RuleECLow            ID = "ec_low"
	RuleECHigh           ID = "ec_high"
	RuleTempHigh         ID = "temp_high"
	RuleTempLow          ID = "temp_low"
	RuleHumidityHigh     ID = "humidity_high"
	RuleLightStress      ID = "light_stress"
	RuleReservoirCadence ID = "reservoir_cadence"
	RulePHCritical       ID = "ph_critical"
	RuleECCritical       ID = "ec_critical"
	RuleTempCritical     ID = "temp_critical"
	RuleLevelCritical    ID = "level_critical"
)

// Category groups rules for suppression policy. Safety-category rules
// keep evaluating on low-confidence telemetry and bypass the stability
// cooldown; everything else is suppressed while confidence is low.
type Category string

const (
	CategoryPH            Category = "ph_stability"
	CategoryEC            Category = "ec_optimization"
	CategoryEnvironmental Category = "environmental"
	CategoryReservoir     Category = "reservoir"
	CategorySafety        Category = "safety"
)

// Evaluation is the outcome of evaluating one rule for one cycle.
// Proposals is empty for untriggered rules and for safety rules that
// only raise an event.
type Evaluation struct {
	Rule        ID                       `json:"rule"`
	Category    Category                 `json:"category"`
	Triggered   bool                     `json:"triggered"`
	Severity    control.Severity         `json:"severity"`
	Proposals   []control.ProposedAction `json:"proposals,omitempty"`
	Detail      string                   `json:"detail"`
	EvaluatedAt time.Time                `json:"evaluated_at"`
}

// History is the recent decision context rules may consult. Cooldown
// enforcement lives in the stability filter; rules use history only for
// conditions phrased over past actions, such as the excess-dosing check.
type History struct {
	// CycleSeq is the current cycle sequence number.
	CycleSeq int64

	// LastActionCycle maps each channel to the cycle sequence of its
	// most recent dispatched command, absent if never acted on.
	LastActionCycle map[control.ActuatorChannel]int64
}
