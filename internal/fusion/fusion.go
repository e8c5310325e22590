// Package fusion merges rule-derived and advisory-derived proposals into
// at most one candidate action per actuator channel.
//
// Fusion is a pure function of its inputs: identical (rule proposals,
// advisory result) pairs always yield an identical candidate set, in a
// fixed channel order.
package fusion

import (
	"math"

	"github.com/mossline/hydrod/internal/advisory"
	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/rules"
)

// Config parameterizes the merge.
type Config struct {
	// ConfidenceOverride is the advisory confidence above which the
	// advisory magnitude replaces the rule-derived one (still clipped to
	// the rule-derived maximum for the channel).
	ConfidenceOverride float64

	// RuleMax is the per-channel rule-derived magnitude ceiling used to
	// clip advisory overrides.
	RuleMax map[control.ActuatorChannel]float64

	// ForbiddenChannels are channels the advisory may never act on.
	ForbiddenChannels []control.ActuatorChannel
}

// Merge notes recorded per channel for the audit summary.
const (
	NoteRulesOnly         = "rules_only"
	NoteAdvisoryOnly      = "advisory_only"
	NoteRulePreferred     = "rule_preferred"
	NoteAdvisoryOverride  = "advisory_override"
	NoteDirectionConflict = "direction_conflict_rule_preferred"
	NoteSafetyConflict    = "advisory_discarded_safety_conflict"
	NoteForbiddenChannel  = "advisory_discarded_forbidden_channel"
	NoteAdvisoryAbstained = "advisory_abstained"
)

// Decision is the fused outcome for one channel, with both inputs kept
// for the audit record.
type Decision struct {
	Channel  control.ActuatorChannel  `json:"channel"`
	Action   control.ProposedAction   `json:"action"`
	Rule     *control.ProposedAction  `json:"rule,omitempty"`
	Advisory *control.ProposedAction  `json:"advisory,omitempty"`
	Note     string                   `json:"note"`
}

// HasCandidate reports whether the decision carries an action to hand to
// the safety validator. Discard-only decisions (advisory dropped with no
// rule proposal on the channel) are kept for the audit record but carry
// no candidate.
func (d Decision) HasCandidate() bool {
	return d.Action.Channel != ""
}

// Fuse combines the surviving rule proposals with the advisory result.
//
// Per channel: neither input present means no candidate; one input
// present becomes the candidate with its source tag; both present and
// agreeing in direction fuse, preferring the rule magnitude unless the
// advisory confidence clears the override threshold. An advisory
// proposal that conflicts with a triggered safety rule on its channel is
// discarded regardless of confidence.
func Fuse(
	ruleProposals map[control.ActuatorChannel]control.ProposedAction,
	adv advisory.Result,
	evals []rules.Evaluation,
	cfg Config,
) []Decision {
	advisoryByChannel := make(map[control.ActuatorChannel]control.ProposedAction, len(adv.Proposals))
	for _, p := range adv.Proposals {
		advisoryByChannel[p.Channel] = p
	}

	safetyDirection := safetyDirections(evals)

	var decisions []Decision
	for _, ch := range control.ActuatorChannels {
		ruleProp, haveRule := ruleProposals[ch]
		advProp, haveAdvisory := advisoryByChannel[ch]

		if haveAdvisory {
			if forbidden(ch, cfg.ForbiddenChannels) {
				decisions = appendDiscard(decisions, ch, haveRule, ruleProp, advProp, NoteForbiddenChannel)
				continue
			}
			if dir, safetyTouched := safetyDirection[ch]; safetyTouched && opposed(dir, advProp.Magnitude) {
				decisions = appendDiscard(decisions, ch, haveRule, ruleProp, advProp, NoteSafetyConflict)
				continue
			}
		}

		switch {
		case !haveRule && !haveAdvisory:
			// No candidate for this channel.

		case haveRule && !haveAdvisory:
			note := NoteRulesOnly
			if adv.Abstained {
				note = NoteAdvisoryAbstained
			}
			decisions = append(decisions, Decision{
				Channel: ch, Action: ruleProp, Rule: clone(ruleProp), Note: note,
			})

		case !haveRule && haveAdvisory:
			decisions = append(decisions, Decision{
				Channel: ch, Action: advProp, Advisory: clone(advProp), Note: NoteAdvisoryOnly,
			})

		default:
			decisions = append(decisions, fuseBoth(ch, ruleProp, advProp, cfg))
		}
	}

	return decisions
}

// fuseBoth merges a rule proposal and an advisory proposal that are both
// present on the same channel.
func fuseBoth(ch control.ActuatorChannel, ruleProp, advProp control.ProposedAction, cfg Config) Decision {
	decision := Decision{Channel: ch, Rule: clone(ruleProp), Advisory: clone(advProp)}

	if opposed(ruleProp.Magnitude, advProp.Magnitude) {
		decision.Action = ruleProp
		decision.Note = NoteDirectionConflict
		return decision
	}

	fused := ruleProp
	fused.Source = control.SourceFused
	fused.Confidence = advProp.Confidence

	if advProp.Confidence > cfg.ConfidenceOverride {
		magnitude := advProp.Magnitude
		if max, ok := cfg.RuleMax[ch]; ok && max > 0 && math.Abs(magnitude) > max {
			magnitude = math.Copysign(max, magnitude)
		}
		fused.Magnitude = magnitude
		fused.Reason = advProp.Reason
		decision.Note = NoteAdvisoryOverride
	} else {
		decision.Note = NoteRulePreferred
	}

	decision.Action = fused
	return decision
}

// safetyDirections maps each channel touched by a triggered safety rule
// to the direction that rule proposed. Channels whose safety rule
// carries no proposal map to zero, which opposes any non-zero advisory
// magnitude.
func safetyDirections(evals []rules.Evaluation) map[control.ActuatorChannel]float64 {
	out := make(map[control.ActuatorChannel]float64)
	for _, eval := range evals {
		if eval.Category != rules.CategorySafety || !eval.Triggered {
			continue
		}
		for _, p := range eval.Proposals {
			out[p.Channel] = p.Magnitude
		}
	}
	return out
}

// opposed reports whether two signed magnitudes point in conflicting
// directions. A zero reference opposes everything non-zero.
func opposed(reference, candidate float64) bool {
	if reference == 0 {
		return candidate != 0
	}
	return reference*candidate < 0
}

func forbidden(ch control.ActuatorChannel, forbiddenList []control.ActuatorChannel) bool {
	for _, f := range forbiddenList {
		if ch == f {
			return true
		}
	}
	return false
}

func appendDiscard(
	decisions []Decision,
	ch control.ActuatorChannel,
	haveRule bool,
	ruleProp, advProp control.ProposedAction,
	note string,
) []Decision {
	d := Decision{Channel: ch, Advisory: clone(advProp), Note: note}
	if haveRule {
		d.Rule = clone(ruleProp)
		d.Action = ruleProp
	}
	return append(decisions, d)
}

func clone(p control.ProposedAction) *control.ProposedAction {
	c := p
	return &c
}
