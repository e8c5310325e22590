// Package advisory is the boundary to the external AI decision-making
// collaborator. It assembles a structured context, performs a bounded
// request, and validates the response against a strict schema.
//
// The adapter never has authority of its own: a timeout, a transport
// failure, a schema violation, or an out-of-range value all collapse to
// an abstention, and the control cycle proceeds on rules alone.
package advisory

import (
	"context"
	"time"

	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/rules"
	"github.com/mossline/hydrod/internal/telemetry"
)

// Context is the structured request context handed to the advisor.
type Context struct {
	KPIs            telemetry.KPISet          `json:"kpis"`
	Evaluations     []rules.Evaluation        `json:"rule_evaluations"`
	RecentCommands  []control.ActuatorCommand `json:"recent_commands"`
	RecentDecisions []PastDecision            `json:"recent_decisions,omitempty"`
	State           control.SystemState       `json:"system_state"`
}

// PastDecision is a compact view of a prior advisory round trip, fed
// back into the prompt so the model sees what it recently proposed and
// whether it abstained.
type PastDecision struct {
	CycleSeq  int64                    `json:"cycle_seq"`
	Abstained bool                     `json:"abstained"`
	Reason    string                   `json:"reason,omitempty"`
	Proposals []control.ProposedAction `json:"proposals,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
}

// Abstention reasons recorded in the audit summary.
const (
	AbstainDisabled  = "advisory_disabled"
	AbstainTimeout   = "advisory_timeout"
	AbstainTransport = "advisory_transport_error"
	AbstainSchema    = "advisory_schema_invalid"
	AbstainExplicit  = "advisory_abstained"
)

// Result is the advisor's answer: a set of validated proposals, or an
// abstention with a reason. A result can carry both, with proposals
// that survived validation next to channels dropped as out-of-range.
type Result struct {
	Proposals []control.ProposedAction `json:"proposals,omitempty"`
	Abstained bool                     `json:"abstained"`
	Reason    string                   `json:"reason,omitempty"`
	Reasoning string                   `json:"reasoning,omitempty"`

	// DroppedChannels lists channels whose proposals failed vocabulary
	// or range validation and were treated as per-channel abstentions.
	DroppedChannels []control.ActuatorChannel `json:"dropped_channels,omitempty"`
}

// Advisor supplies advisory proposals for a control cycle.
//
// Propose never returns an error: every failure mode is an abstention.
// Implementations must respect ctx cancellation so an in-flight call
// past its deadline can be abandoned without holding the cycle open.
type Advisor interface {
	Propose(ctx context.Context, in Context) Result
}

// Disabled is an Advisor that always abstains. Used when the advisory
// integration is switched off.
type Disabled struct{}

// Propose implements Advisor.
func (Disabled) Propose(context.Context, Context) Result {
	return Result{Abstained: true, Reason: AbstainDisabled}
}
