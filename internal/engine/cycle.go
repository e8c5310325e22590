package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossline/hydrod/internal/advisory"
	"github.com/mossline/hydrod/internal/audit"
	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/fusion"
	"github.com/mossline/hydrod/internal/rules"
	"github.com/mossline/hydrod/internal/safety"
	"github.com/mossline/hydrod/internal/stability"
	"github.com/mossline/hydrod/internal/telemetry"
)

// RunCycle executes one full decision cycle for a zone and returns the
// committed audit summary.
//
// An invariant violation in a persisted structure halts the cycle: no
// actions are dispatched, the zone is forced into SAFETY_LOCKOUT, and a
// halted summary is committed so the record shows why nothing ran.
func (e *Engine) RunCycle(ctx context.Context, zone config.Zone) (audit.CycleSummary, error) {
	startedAt := e.now()

	lastSeq, err := e.store.LastCycleSeq(ctx, zone.ID)
	if err != nil {
		return audit.CycleSummary{}, err
	}
	seq := lastSeq + 1

	summary := audit.CycleSummary{
		ID:        e.newID(),
		ZoneID:    zone.ID,
		CycleSeq:  seq,
		StartedAt: startedAt,
	}

	state, found, err := e.store.LoadState(ctx, zone.ID)
	if err != nil {
		return summary, err
	}
	if !found {
		state = control.NewSystemState(zone.ID, startedAt)
	}
	if err := state.Validate(); err != nil {
		return e.haltCycle(ctx, summary, state, nil, err)
	}

	day := safety.DayKey(startedAt)
	ledger, err := e.store.LoadLedger(ctx, zone.ID, day)
	if err != nil {
		var inv *safety.InvariantError
		if errors.As(err, &inv) {
			return e.haltCycle(ctx, summary, state, nil, err)
		}
		return summary, err
	}

	kpi, err := e.aggregate(ctx, zone, startedAt)
	if err != nil {
		return summary, err
	}
	summary.KPIs = kpi

	recentCommands, err := e.store.RecentCommands(ctx, zone.ID, 20)
	if err != nil {
		return summary, err
	}

	ruleEngine := rules.New(e.cfg.Rules, e.cfg.Targets, zone.GrowPhase).
		WithClock(func() time.Time { return startedAt })

	evals := ruleEngine.Evaluate(kpi, rules.History{CycleSeq: seq})
	summary.Evaluations = evals

	recentDecisions, err := e.recentAdvisoryDecisions(ctx, zone.ID, startedAt)
	if err != nil {
		return summary, err
	}

	// The adapter enforces its own timeout; a slow or dead endpoint
	// degrades to an abstention without stalling the cycle.
	advResult := e.advisor.Propose(ctx, advisory.Context{
		KPIs:            kpi,
		Evaluations:     evals,
		RecentCommands:  recentCommands,
		RecentDecisions: recentDecisions,
		State:           state,
	})
	summary.Advisory = advResult

	decisions := fusion.Fuse(rules.SurvivingProposals(evals), advResult, evals, fusion.Config{
		ConfidenceOverride: e.cfg.Advisory.ConfidenceOverride,
		RuleMax:            ruleEngine.MaxMagnitudes(),
		ForbiddenChannels:  e.cfg.Advisory.ForbiddenChannels,
	})
	summary.Decisions = decisions

	verdicts, err := e.validate(ctx, zone.ID, ledger, decisions)
	if err != nil {
		return summary, err
	}
	summary.Verdicts = verdicts

	safetyReason := ""
	if safetyEval, triggered := rules.SafetyTriggered(evals); triggered {
		safetyReason = fmt.Sprintf("%s: %s", safetyEval.Rule, safetyEval.Detail)
		if state.Mode != control.ModeSafetyLockout {
			if err := e.raiseSafetyEvents(ctx, zone.ID, evals, startedAt); err != nil {
				return summary, err
			}
		}
	}

	rejectionReason, err := e.raiseRejectionEvents(ctx, zone.ID, verdicts, state.Mode == control.ModeSafetyLockout, startedAt)
	if err != nil {
		return summary, err
	}
	if safetyReason == "" {
		safetyReason = rejectionReason
	}

	state = e.filter.Advance(state, kpi.HealthScore, seq, safetyReason, startedAt)

	lastActions, err := e.store.LastActionCycles(ctx, zone.ID)
	if err != nil {
		return summary, err
	}

	outcome := e.filter.Admit(stability.Input{
		State:           state,
		Health:          kpi.HealthScore,
		CycleSeq:        seq,
		LastActionCycle: lastActions,
		Verdicts:        verdicts,
	})
	summary.Suppressed = outcome.Suppressed

	dispatched, err := e.dispatcher.Dispatch(ctx, zone.ID, outcome.Admitted, ledger)
	summary.Commands = dispatched.Commands
	summary.Failures = dispatched.Failures
	if err != nil {
		return e.haltCycle(ctx, summary, state, ledger, err)
	}

	state, err = e.escalateFailures(ctx, zone.ID, state, seq, dispatched.Failures, startedAt)
	if err != nil {
		return summary, err
	}

	if err := e.recordReservoirChange(ctx, zone.ID, dispatched.Commands, startedAt); err != nil {
		return summary, err
	}

	summary.State = state
	summary.CompletedAt = e.now()

	if err := e.commit(ctx, summary, ledger, advResult, day); err != nil {
		return summary, err
	}
	return summary, nil
}

// aggregate loads the zone's telemetry window and reduces it to a KPI
// set.
func (e *Engine) aggregate(ctx context.Context, zone config.Zone, now time.Time) (telemetry.KPISet, error) {
	windowStart := telemetry.WindowStartFor(now, e.cfg.Window.Std())

	window, err := e.store.SnapshotsBetween(ctx, zone.ID, windowStart, now)
	if err != nil {
		return telemetry.KPISet{}, err
	}
	dosing, err := e.store.DosingTotals(ctx, zone.ID, windowStart)
	if err != nil {
		return telemetry.KPISet{}, err
	}

	changedAt, found, err := e.store.LatestReservoirChange(ctx, zone.ID)
	if err != nil {
		return telemetry.KPISet{}, err
	}
	if !found {
		// Commissioning baseline: the cadence clock starts at first cycle.
		if err := e.store.WriteReservoirChange(ctx, zone.ID, now); err != nil {
			return telemetry.KPISet{}, err
		}
		changedAt = now
	}
	daysSinceChange := int(now.Sub(changedAt).Hours() / 24)

	return telemetry.Aggregate(zone.ID, window, dosing, daysSinceChange, e.cfg.AggregateConfig()), nil
}

// validate runs every fused candidate through the safety validator.
func (e *Engine) validate(ctx context.Context, zoneID string, ledger *safety.Ledger, decisions []fusion.Decision) ([]control.SafetyVerdict, error) {
	var verdicts []control.SafetyVerdict
	for _, decision := range decisions {
		if !decision.HasCandidate() {
			continue
		}
		candidate := decision.Action

		recent, err := e.store.RecentMagnitudes(ctx, zoneID, candidate.Channel, e.cfg.Limits[candidate.Channel].RateWindow)
		if err != nil {
			return nil, err
		}

		limit := e.cfg.Limits[candidate.Channel]
		verdicts = append(verdicts, safety.Validate(safety.Input{
			Candidate: candidate,
			Dispensed: ledger.Entry(candidate.Channel),
			Recent:    recent,
			Limit: safety.Limit{
				MaxPerAction: limit.MaxPerAction,
				DailyCap:     limit.DailyCap,
				RateWindow:   limit.RateWindow,
				RateCeiling:  limit.RateCeiling,
			},
			EmergencyStop: e.cfg.EmergencyStop,
		}))
	}
	return verdicts, nil
}

// raiseSafetyEvents records one open safety event per triggered
// safety-category rule.
func (e *Engine) raiseSafetyEvents(ctx context.Context, zoneID string, evals []rules.Evaluation, at time.Time) error {
	for _, eval := range evals {
		if eval.Category != rules.CategorySafety || !eval.Triggered {
			continue
		}
		ev := audit.SafetyEvent{
			ID:       e.newID(),
			ZoneID:   zoneID,
			Rule:     string(eval.Rule),
			Detail:   eval.Detail,
			RaisedAt: at,
		}
		if err := e.store.WriteSafetyEvent(ctx, ev); err != nil {
			return err
		}
		e.log.Warn("safety event raised", "zone", zoneID, "rule", ev.Rule, "detail", ev.Detail)
	}
	return nil
}

// raiseRejectionEvents records a safety event for each validator
// rejection in the safety category: an emergency-stop rejection on any
// channel, or a rejected safety-severity candidate. Returns a lockout
// reason when any fired. Routine rejections (daily cap exhausted, rate
// ceiling) stay in the verdict record and raise nothing.
func (e *Engine) raiseRejectionEvents(ctx context.Context, zoneID string, verdicts []control.SafetyVerdict, locked bool, at time.Time) (string, error) {
	reason := ""
	for _, v := range verdicts {
		if v.Outcome != control.VerdictRejected {
			continue
		}
		if v.ViolatedLimit != safety.LimitEmergencyStop && v.Candidate.Severity != control.SeveritySafety {
			continue
		}

		detail := fmt.Sprintf("action on %s rejected: %s", v.Candidate.Channel, v.ViolatedLimit)
		if reason == "" {
			reason = "validator_rejection: " + detail
		}
		if locked {
			continue
		}
		if err := e.store.WriteSafetyEvent(ctx, audit.SafetyEvent{
			ID:       e.newID(),
			ZoneID:   zoneID,
			Rule:     "validator_rejection",
			Detail:   detail,
			RaisedAt: at,
		}); err != nil {
			return "", err
		}
		e.log.Warn("safety event raised", "zone", zoneID, "rule", "validator_rejection", "detail", detail)
	}
	return reason, nil
}

// recentAdvisoryDecisions loads the zone's prior advisory round trips
// within the configured lookback window, compacted for the prompt.
func (e *Engine) recentAdvisoryDecisions(ctx context.Context, zoneID string, now time.Time) ([]advisory.PastDecision, error) {
	hours := e.cfg.Advisory.RecentDecisionHours
	if !e.cfg.Advisory.Enabled || hours <= 0 {
		return nil, nil
	}

	decisions, err := e.store.RecentAdvisoryDecisions(ctx, zoneID, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, err
	}

	past := make([]advisory.PastDecision, 0, len(decisions))
	for _, d := range decisions {
		past = append(past, advisory.PastDecision{
			CycleSeq:  d.CycleSeq,
			Abstained: d.Result.Abstained,
			Reason:    d.Result.Reason,
			Proposals: d.Result.Proposals,
			CreatedAt: d.CreatedAt,
		})
	}
	return past, nil
}

// escalateFailures forces lockout after too many consecutive cycles
// with actuator failures.
func (e *Engine) escalateFailures(ctx context.Context, zoneID string, state control.SystemState, seq int64, failures int, at time.Time) (control.SystemState, error) {
	if failures == 0 {
		e.consecutiveFailures[zoneID] = 0
		return state, nil
	}

	e.consecutiveFailures[zoneID]++
	threshold := e.cfg.FailureEscalationCycles
	if threshold <= 0 || e.consecutiveFailures[zoneID] < threshold || state.Mode == control.ModeSafetyLockout {
		return state, nil
	}

	detail := fmt.Sprintf("actuator failures in %d consecutive cycles", e.consecutiveFailures[zoneID])
	if err := e.store.WriteSafetyEvent(ctx, audit.SafetyEvent{
		ID:       e.newID(),
		ZoneID:   zoneID,
		Rule:     "actuator_failure_escalation",
		Detail:   detail,
		RaisedAt: at,
	}); err != nil {
		return state, err
	}

	state.Mode = control.ModeSafetyLockout
	state.Reason = detail
	state.EnteredAt = at
	state.EnteredCycle = seq
	e.log.Error("failure escalation", "zone", zoneID, "detail", detail)
	return state, nil
}

// recordReservoirChange resets the cadence clock when a reservoir
// maintenance command succeeded this cycle.
func (e *Engine) recordReservoirChange(ctx context.Context, zoneID string, commands []control.ActuatorCommand, at time.Time) error {
	for _, cmd := range commands {
		if cmd.Channel == control.ChannelReservoir && cmd.Outcome == control.OutcomeSuccess {
			return e.store.WriteReservoirChange(ctx, zoneID, at)
		}
	}
	return nil
}

// commit persists everything the cycle produced.
func (e *Engine) commit(ctx context.Context, summary audit.CycleSummary, ledger *safety.Ledger, advResult advisory.Result, day string) error {
	if err := e.store.CommitCycle(ctx, summary, ledger); err != nil {
		return err
	}
	if err := e.store.WriteAdvisoryDecision(ctx, audit.AdvisoryDecision{
		ID:        e.newID(),
		ZoneID:    summary.ZoneID,
		CycleSeq:  summary.CycleSeq,
		Result:    advResult,
		CreatedAt: summary.CompletedAt,
	}); err != nil {
		return err
	}
	return e.store.WriteKPIRollup(ctx, day, summary.KPIs)
}

// haltCycle records an invariant violation: the zone goes to
// SAFETY_LOCKOUT, a halted summary is committed, and the violation is
// returned to the caller.
func (e *Engine) haltCycle(ctx context.Context, summary audit.CycleSummary, state control.SystemState, ledger *safety.Ledger, cause error) (audit.CycleSummary, error) {
	at := e.now()

	state.Mode = control.ModeSafetyLockout
	state.Reason = "invariant violation: " + cause.Error()
	state.EnteredAt = at
	state.EnteredCycle = summary.CycleSeq

	summary.State = state
	summary.Halted = true
	summary.HaltReason = cause.Error()
	summary.CompletedAt = at

	if err := e.store.WriteSafetyEvent(ctx, audit.SafetyEvent{
		ID:       e.newID(),
		ZoneID:   summary.ZoneID,
		Rule:     "invariant_violation",
		Detail:   cause.Error(),
		RaisedAt: at,
	}); err != nil {
		e.log.Error("halt: write safety event", "zone", summary.ZoneID, "error", err)
	}
	if err := e.store.CommitCycle(ctx, summary, ledger); err != nil {
		e.log.Error("halt: commit summary", "zone", summary.ZoneID, "error", err)
	}

	e.log.Error("cycle halted", "zone", summary.ZoneID, "cycle", summary.CycleSeq, "cause", cause)
	return summary, cause
}
