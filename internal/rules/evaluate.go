package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/telemetry"
)

// Engine evaluates the rule catalog against a KPI set.
type Engine struct {
	params  config.RuleParams
	targets map[telemetry.Channel]config.ChannelTarget
	phase   string
	now     func() time.Time
}

// New builds a rules engine for one zone. The grow phase selects the
// reservoir-change cadence.
func New(params config.RuleParams, targets map[telemetry.Channel]config.ChannelTarget, growPhase string) *Engine {
	return &Engine{params: params, targets: targets, phase: growPhase, now: time.Now}
}

// WithClock overrides the evaluation timestamp source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ruleFn evaluates one rule. It returns triggered, proposals, and a
// human-readable detail line for the audit record.
type ruleFn func(e *Engine, kpi telemetry.KPISet, hist History) (bool, []control.ProposedAction, string)

// catalogEntry fixes a rule's identity, category, and severity tier.
// Catalog order is evaluation order and breaks severity ties.
type catalogEntry struct {
	id       ID
	category Category
	severity control.Severity
	fn       ruleFn
}

var catalog = []catalogEntry{
	{RulePHLow, CategoryPH, control.SeverityHigh, (*Engine).phLow},
	{RulePHHigh, CategoryPH, control.SeverityHigh, (*Engine).phHigh},
	{RuleECLow, CategoryEC, control.SeverityMedium, (*Engine).ecLow},
	{RuleECHigh, CategoryEC, control.SeverityLow, (*Engine).ecHigh},
	{RuleTempHigh, CategoryEnvironmental, control.SeverityMedium, (*Engine).tempHigh},
	{RuleTempLow, CategoryEnvironmental, control.SeverityLow, (*Engine).tempLow},
	{RuleHumidityHigh, CategoryEnvironmental, control.SeverityMedium, (*Engine).humidityHigh},
	{RuleLightStress, CategoryEnvironmental, control.SeverityLow, (*Engine).lightStress},
	{RuleReservoirCadence, CategoryReservoir, control.SeverityLow, (*Engine).reservoirCadence},
	{RulePHCritical, CategorySafety, control.SeveritySafety, (*Engine).phCritical},
	{RuleECCritical, CategorySafety, control.SeveritySafety, (*Engine).ecCritical},
	{RuleTempCritical, CategorySafety, control.SeveritySafety, (*Engine).tempCritical},
	{RuleLevelCritical, CategorySafety, control.SeveritySafety, (*Engine).levelCritical},
}

// Evaluate runs the full catalog in declaration order.
//
// A low-confidence KPI set suppresses every non-safety rule: those rules
// appear untriggered with a suppression detail, never as an error.
func (e *Engine) Evaluate(kpi telemetry.KPISet, hist History) []Evaluation {
	evaluatedAt := e.now()
	results := make([]Evaluation, 0, len(catalog))

	for _, entry := range catalog {
		eval := Evaluation{
			Rule:        entry.id,
			Category:    entry.category,
			Severity:    entry.severity,
			EvaluatedAt: evaluatedAt,
		}

		if kpi.LowConfidence && entry.category != CategorySafety {
			eval.Detail = "suppressed: low-confidence telemetry"
			results = append(results, eval)
			continue
		}

		triggered, proposals, detail := entry.fn(e, kpi, hist)
		eval.Triggered = triggered
		eval.Detail = detail
		for i := range proposals {
			proposals[i].Source = control.SourceRule
			proposals[i].Severity = entry.severity
		}
		eval.Proposals = proposals
		results = append(results, eval)
	}

	return results
}

// SurvivingProposals reduces evaluations to at most one proposal per
// channel: the highest-severity triggered proposal, catalog order
// breaking ties. Rules targeting different channels are independent.
func SurvivingProposals(evals []Evaluation) map[control.ActuatorChannel]control.ProposedAction {
	out := make(map[control.ActuatorChannel]control.ProposedAction)
	for _, eval := range evals {
		if !eval.Triggered {
			continue
		}
		for _, p := range eval.Proposals {
			best, ok := out[p.Channel]
			if !ok || p.Severity > best.Severity {
				out[p.Channel] = p
			}
		}
	}
	return out
}

// SafetyTriggered reports whether any safety-category rule triggered,
// with the first triggering evaluation.
func SafetyTriggered(evals []Evaluation) (Evaluation, bool) {
	for _, eval := range evals {
		if eval.Category == CategorySafety && eval.Triggered {
			return eval, true
		}
	}
	return Evaluation{}, false
}

func (e *Engine) target(ch telemetry.Channel) config.ChannelTarget {
	return e.targets[ch]
}

// phLow proposes an up-dose when the windowed pH average sits below the
// band and the in-spec percentage has degraded.
func (e *Engine) phLow(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	ph := kpi.Channel(telemetry.ChannelPH)
	target := e.target(telemetry.ChannelPH)
	if ph.ValidSamples == 0 {
		return false, nil, "no valid pH samples"
	}
	deviation := target.Target - ph.Average
	if ph.InSpecPct >= e.params.PHInSpecThresholdPct || deviation <= e.params.PHDeadband {
		return false, nil, fmt.Sprintf("pH stable: avg %.2f, in-spec %.1f%%", ph.Average, ph.InSpecPct)
	}

	adjustment := math.Min(deviation*0.5, e.params.PHAdjustmentLimit)
	ml := e.phUpDoseML(adjustment)
	reason := fmt.Sprintf("pH %.2f below target %.2f, in-spec %.1f%%", ph.Average, target.Target, ph.InSpecPct)
	return true, []control.ProposedAction{{
		Channel:   control.ChannelPHPump,
		Magnitude: ml,
		Reason:    reason,
	}}, reason
}

// phHigh proposes a down-dose; the negative magnitude carries direction.
func (e *Engine) phHigh(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	ph := kpi.Channel(telemetry.ChannelPH)
	target := e.target(telemetry.ChannelPH)
	if ph.ValidSamples == 0 {
		return false, nil, "no valid pH samples"
	}
	deviation := ph.Average - target.Target
	if ph.InSpecPct >= e.params.PHInSpecThresholdPct || deviation <= e.params.PHDeadband {
		return false, nil, fmt.Sprintf("pH stable: avg %.2f, in-spec %.1f%%", ph.Average, ph.InSpecPct)
	}

	adjustment := math.Min(deviation*0.5, e.params.PHAdjustmentLimit)
	ml := e.phDownDoseML(adjustment)
	reason := fmt.Sprintf("pH %.2f above target %.2f, in-spec %.1f%%", ph.Average, target.Target, ph.InSpecPct)
	return true, []control.ProposedAction{{
		Channel:   control.ChannelPHPump,
		Magnitude: -ml,
		Reason:    reason,
	}}, reason
}

// ecLow proposes a two-part nutrient dose split 60/40 between part A
// and part B.
func (e *Engine) ecLow(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	ec := kpi.Channel(telemetry.ChannelEC)
	target := e.target(telemetry.ChannelEC)
	if ec.ValidSamples == 0 {
		return false, nil, "no valid EC samples"
	}
	if ec.InSpecPct >= e.params.ECInSpecThresholdPct ||
		kpi.HealthScore >= e.params.HealthScoreThreshold ||
		ec.Average >= target.Target {
		return false, nil, fmt.Sprintf("EC stable: avg %.2f, in-spec %.1f%%, health %.2f", ec.Average, ec.InSpecPct, kpi.HealthScore)
	}

	adjustment := math.Min(target.Target-ec.Average, e.params.ECAdjustmentLimit)
	base := e.nutrientDoseML(adjustment)
	reason := fmt.Sprintf("raise EC from %.2f toward %.2f (health %.2f)", ec.Average, target.Target, kpi.HealthScore)
	return true, []control.ProposedAction{
		{Channel: control.ChannelPumpA, Magnitude: round1(base * 0.6), Reason: reason},
		{Channel: control.ChannelPumpB, Magnitude: round1(base * 0.4), Reason: reason},
	}, reason
}

// ecHigh proposes a dilution top-up when dosing over the window ran well
// above baseline while EC drifted upward above target.
func (e *Engine) ecHigh(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	ec := kpi.Channel(telemetry.ChannelEC)
	target := e.target(telemetry.ChannelEC)
	if ec.ValidSamples == 0 {
		return false, nil, "no valid EC samples"
	}

	var totalML float64
	for _, ml := range kpi.DosingTotals {
		totalML += ml
	}
	baseline := e.params.BaselineDosingMLPerWeek
	excessive := baseline > 0 && totalML > baseline*(1+e.params.DosingVarianceThreshold)
	if !excessive || ec.Average <= target.Target || ec.Trend != telemetry.TrendIncreasing {
		return false, nil, fmt.Sprintf("dosing within baseline: %.1fml over window", totalML)
	}

	adjustment := math.Min(ec.Average-target.Target, e.params.ECAdjustmentLimit)
	ml := round1(e.nutrientDoseML(adjustment) * 0.5 * 10) // dilution needs volume, not concentrate
	reason := fmt.Sprintf("excessive dosing %.1fml > baseline %.1fml with EC %.2f rising", totalML, baseline, ec.Average)
	return true, []control.ProposedAction{{
		Channel:   control.ChannelRefillPump,
		Magnitude: ml,
		Reason:    reason,
	}}, reason
}

func (e *Engine) tempHigh(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	temp := kpi.Channel(telemetry.ChannelAirTemp)
	target := e.target(telemetry.ChannelAirTemp)
	if temp.ValidSamples == 0 {
		return false, nil, "no valid temperature samples"
	}
	if temp.Average <= target.Target+e.params.TempDeadbandC {
		return false, nil, fmt.Sprintf("temperature in band: avg %.1fC", temp.Average)
	}

	speed := math.Min(80, (temp.Average-target.Target)*20)
	reason := fmt.Sprintf("cooling: temperature %.1fC above %.1fC", temp.Average, target.Target+e.params.TempDeadbandC)
	return true, []control.ProposedAction{{
		Channel:   control.ChannelFan,
		Magnitude: round1(speed),
		Reason:    reason,
	}}, reason
}

func (e *Engine) tempLow(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	temp := kpi.Channel(telemetry.ChannelAirTemp)
	target := e.target(telemetry.ChannelAirTemp)
	if temp.ValidSamples == 0 {
		return false, nil, "no valid temperature samples"
	}
	if temp.Average >= target.Target-e.params.TempDeadbandC {
		return false, nil, fmt.Sprintf("temperature in band: avg %.1fC", temp.Average)
	}

	reason := fmt.Sprintf("reduce cooling: temperature %.1fC below %.1fC", temp.Average, target.Target-e.params.TempDeadbandC)
	return true, []control.ProposedAction{{
		Channel:   control.ChannelFan,
		Magnitude: -10,
		Reason:    reason,
	}}, reason
}

func (e *Engine) humidityHigh(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	hum := kpi.Channel(telemetry.ChannelHumidity)
	if hum.ValidSamples == 0 {
		return false, nil, "no valid humidity samples"
	}
	if hum.Average <= e.params.HumidityHighPct {
		return false, nil, fmt.Sprintf("humidity in band: avg %.1f%%", hum.Average)
	}

	reason := fmt.Sprintf("humidity control: %.1f%% above %.1f%%", hum.Average, e.params.HumidityHighPct)
	return true, []control.ProposedAction{{
		Channel:   control.ChannelFan,
		Magnitude: 60,
		Reason:    reason,
	}}, reason
}

// lightStress dims the LEDs when very bright light coincides with high
// EC, a combination that stresses the crop.
func (e *Engine) lightStress(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	lux := kpi.Channel(telemetry.ChannelLux)
	ec := kpi.Channel(telemetry.ChannelEC)
	if lux.ValidSamples == 0 || ec.ValidSamples == 0 {
		return false, nil, "no valid lux/EC samples"
	}
	if lux.Average <= e.params.LuxStressThreshold || ec.Average <= e.params.ECStressThreshold {
		return false, nil, fmt.Sprintf("no light stress: %.0f lux, EC %.2f", lux.Average, ec.Average)
	}

	reason := fmt.Sprintf("prevent light stress: %.0f lux with EC %.2f", lux.Average, ec.Average)
	return true, []control.ProposedAction{{
		Channel:   control.ChannelLED,
		Magnitude: -30,
		Reason:    reason,
	}}, reason
}

// reservoirCadence proposes a maintenance reservoir change when the
// per-phase cadence has elapsed. The proposal carries no magnitude; it
// is advice for the maintenance channel, not a dose.
func (e *Engine) reservoirCadence(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	maxDays, ok := e.params.ReservoirChangeDays[e.phase]
	if !ok {
		maxDays = 14
	}
	if kpi.DaysSinceReservoirChange < maxDays {
		return false, nil, fmt.Sprintf("reservoir OK: %d/%d days for %s", kpi.DaysSinceReservoirChange, maxDays, e.phase)
	}

	reason := fmt.Sprintf("reservoir change due: %d days >= %d for %s", kpi.DaysSinceReservoirChange, maxDays, e.phase)
	return true, []control.ProposedAction{{
		Channel: control.ChannelReservoir,
		Reason:  reason,
	}}, reason
}

func (e *Engine) phCritical(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	ph := kpi.Channel(telemetry.ChannelPH)
	if ph.ValidSamples == 0 {
		return false, nil, "no valid pH samples"
	}
	if e.params.AbsolutePHBand.Contains(ph.Average) {
		return false, nil, fmt.Sprintf("pH within absolute limits: %.2f", ph.Average)
	}
	return true, nil, fmt.Sprintf("pH %.2f outside absolute limits [%.1f, %.1f]", ph.Average, e.params.AbsolutePHBand.Min, e.params.AbsolutePHBand.Max)
}

func (e *Engine) ecCritical(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	ec := kpi.Channel(telemetry.ChannelEC)
	if ec.ValidSamples == 0 {
		return false, nil, "no valid EC samples"
	}
	if e.params.AbsoluteECBand.Contains(ec.Average) {
		return false, nil, fmt.Sprintf("EC within absolute limits: %.2f", ec.Average)
	}
	return true, nil, fmt.Sprintf("EC %.2f outside absolute limits [%.1f, %.1f]", ec.Average, e.params.AbsoluteECBand.Min, e.params.AbsoluteECBand.Max)
}

// tempCritical proposes full fan as a neutralizing action when the zone
// is critically hot; critically cold has no in-vocabulary remedy.
func (e *Engine) tempCritical(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	temp := kpi.Channel(telemetry.ChannelAirTemp)
	if temp.ValidSamples == 0 {
		return false, nil, "no valid temperature samples"
	}
	band := e.params.AbsoluteTempBand
	if band.Contains(temp.Average) {
		return false, nil, fmt.Sprintf("temperature within absolute limits: %.1fC", temp.Average)
	}

	detail := fmt.Sprintf("temperature %.1fC outside absolute limits [%.0f, %.0f]", temp.Average, band.Min, band.Max)
	if temp.Average > band.Max {
		return true, []control.ProposedAction{{
			Channel:   control.ChannelFan,
			Magnitude: 100,
			Reason:    "emergency cooling: " + detail,
		}}, detail
	}
	return true, nil, detail
}

func (e *Engine) levelCritical(kpi telemetry.KPISet, _ History) (bool, []control.ProposedAction, string) {
	if !kpi.LevelLow {
		return false, nil, "reservoir level OK"
	}
	return true, nil, "reservoir low-level float tripped"
}

// MaxMagnitudes returns the largest magnitude any catalog rule can
// propose per channel. Fusion clips advisory overrides to these values.
func (e *Engine) MaxMagnitudes() map[control.ActuatorChannel]float64 {
	base := e.nutrientDoseML(e.params.ECAdjustmentLimit)
	return map[control.ActuatorChannel]float64{
		control.ChannelPHPump:     e.phDownDoseML(e.params.PHAdjustmentLimit),
		control.ChannelPumpA:      round1(base * 0.6),
		control.ChannelPumpB:      round1(base * 0.4),
		control.ChannelRefillPump: round1(base * 0.5 * 10),
		control.ChannelFan:        100,
		control.ChannelLED:        100,
	}
}

// Empirical dose formulas; 1 ml shifts pH by 0.1 per 10 L, pH-up is more
// concentrated, and ~5 ml of concentrate raises EC by 0.1 per 10 L.

func (e *Engine) phUpDoseML(adjustment float64) float64 {
	return round1((adjustment / 0.1) * (e.params.ReservoirVolumeL / 10) * 0.7)
}

func (e *Engine) phDownDoseML(adjustment float64) float64 {
	return round1((adjustment / 0.1) * (e.params.ReservoirVolumeL / 10))
}

func (e *Engine) nutrientDoseML(adjustment float64) float64 {
	return (adjustment / 0.1) * 5 * (e.params.ReservoirVolumeL / 10)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
