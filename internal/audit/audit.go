// Package audit defines the durable record of what each control cycle
// saw, decided, and did. A cycle summary is written exactly once per
// cycle and is the ground truth for reviewing the controller's
// behavior after the fact.
package audit

import (
	"time"

	"github.com/mossline/hydrod/internal/advisory"
	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/fusion"
	"github.com/mossline/hydrod/internal/rules"
	"github.com/mossline/hydrod/internal/stability"
	"github.com/mossline/hydrod/internal/telemetry"
)

// CycleSummary captures one full pass of the decision pipeline for one
// zone. Every stage's output is kept, including candidates that were
// rejected or suppressed, so the record explains inaction as well as
// action.
type CycleSummary struct {
	ID          string    `json:"id"`
	ZoneID      string    `json:"zone_id"`
	CycleSeq    int64     `json:"cycle_seq"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	KPIs        telemetry.KPISet          `json:"kpis"`
	Evaluations []rules.Evaluation        `json:"evaluations"`
	Advisory    advisory.Result           `json:"advisory"`
	Decisions   []fusion.Decision         `json:"decisions"`
	Verdicts    []control.SafetyVerdict   `json:"verdicts"`
	Suppressed  []stability.Suppression   `json:"suppressed,omitempty"`
	Commands    []control.ActuatorCommand `json:"commands,omitempty"`
	State       control.SystemState       `json:"state"`

	Failures   int    `json:"failures"`
	Halted     bool   `json:"halted,omitempty"`
	HaltReason string `json:"halt_reason,omitempty"`
}

// SafetyEvent records a safety-rule trigger or validator rejection of a
// safety-severity action. Events stay open until an operator
// acknowledges them; an open event holds the zone in SAFETY_LOCKOUT.
type SafetyEvent struct {
	ID       string    `json:"id"`
	ZoneID   string    `json:"zone_id"`
	Rule     string    `json:"rule"`
	Detail   string    `json:"detail"`
	RaisedAt time.Time `json:"raised_at"`

	Acknowledged bool       `json:"acknowledged"`
	AckBy        string     `json:"ack_by,omitempty"`
	AckAt        *time.Time `json:"ack_at,omitempty"`
}

// AdvisoryDecision is the durable record of one advisory round trip,
// kept separately from cycle summaries so recent decisions can be fed
// back into the next advisory prompt.
type AdvisoryDecision struct {
	ID        string          `json:"id"`
	ZoneID    string          `json:"zone_id"`
	CycleSeq  int64           `json:"cycle_seq"`
	Result    advisory.Result `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}
