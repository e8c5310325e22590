package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossline/hydrod/internal/audit"
	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/safety"
	"github.com/mossline/hydrod/internal/telemetry"
)

// SnapshotsBetween returns a zone's snapshots with since <= ts < until,
// oldest first.
func (s *Store) SnapshotsBetween(ctx context.Context, zoneID string, since, until time.Time) ([]telemetry.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, readings, level_high, level_low
		FROM snapshots
		WHERE zone_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, zoneID, since.UTC().Format(timeFormat), until.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Snapshot
	for rows.Next() {
		var (
			ts, readings        string
			levelHigh, levelLow int
		)
		if err := rows.Scan(&ts, &readings, &levelHigh, &levelLow); err != nil {
			return nil, fmt.Errorf("read snapshots: scan: %w", err)
		}
		snap := telemetry.Snapshot{
			ZoneID:    zoneID,
			LevelHigh: levelHigh != 0,
			LevelLow:  levelLow != 0,
		}
		if snap.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("read snapshots: parse ts %q: %w", ts, err)
		}
		if err := json.Unmarshal([]byte(readings), &snap.Values); err != nil {
			return nil, fmt.Errorf("read snapshots: parse readings: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// RecentMagnitudes returns the magnitudes of the zone's last n
// successful commands on one channel, newest first. Feeds the
// rate-of-change check.
func (s *Store) RecentMagnitudes(ctx context.Context, zoneID string, ch control.ActuatorChannel, n int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT magnitude FROM commands
		WHERE zone_id = ? AND channel = ? AND outcome = ?
		ORDER BY dispatched_at DESC
		LIMIT ?
	`, zoneID, string(ch), string(control.OutcomeSuccess), n)
	if err != nil {
		return nil, fmt.Errorf("read recent magnitudes: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var m float64
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("read recent magnitudes: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DosingTotals sums successful dosing-command volumes per channel since
// a point in time. Magnitudes are summed as absolute volumes.
func (s *Store) DosingTotals(ctx context.Context, zoneID string, since time.Time) (map[control.ActuatorChannel]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, SUM(ABS(magnitude))
		FROM commands
		WHERE zone_id = ? AND outcome = ? AND dispatched_at >= ?
		GROUP BY channel
	`, zoneID, string(control.OutcomeSuccess), since.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("read dosing totals: %w", err)
	}
	defer rows.Close()

	out := make(map[control.ActuatorChannel]float64)
	for rows.Next() {
		var (
			ch string
			ml float64
		)
		if err := rows.Scan(&ch, &ml); err != nil {
			return nil, fmt.Errorf("read dosing totals: scan: %w", err)
		}
		channel := control.ActuatorChannel(ch)
		if control.DosingChannel(channel) {
			out[channel] = ml
		}
	}
	return out, rows.Err()
}

// RecentCommands returns the zone's latest commands, newest first.
func (s *Store) RecentCommands(ctx context.Context, zoneID string, limit int) ([]control.ActuatorCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, magnitude, reason, dispatched_at, outcome
		FROM commands
		WHERE zone_id = ?
		ORDER BY dispatched_at DESC
		LIMIT ?
	`, zoneID, limit)
	if err != nil {
		return nil, fmt.Errorf("read recent commands: %w", err)
	}
	defer rows.Close()

	var out []control.ActuatorCommand
	for rows.Next() {
		var (
			cmd                     control.ActuatorCommand
			ch, outcome, dispatched string
		)
		if err := rows.Scan(&cmd.ID, &ch, &cmd.Magnitude, &cmd.Reason, &dispatched, &outcome); err != nil {
			return nil, fmt.Errorf("read recent commands: scan: %w", err)
		}
		cmd.ZoneID = zoneID
		cmd.Channel = control.ActuatorChannel(ch)
		cmd.Outcome = control.CommandOutcome(outcome)
		if cmd.DispatchedAt, err = time.Parse(timeFormat, dispatched); err != nil {
			return nil, fmt.Errorf("read recent commands: parse dispatched_at %q: %w", dispatched, err)
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// LastActionCycles returns, per channel, the cycle sequence of the
// zone's most recent successful command. Feeds the cooldown check.
func (s *Store) LastActionCycles(ctx context.Context, zoneID string) (map[control.ActuatorChannel]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, MAX(cycle_seq)
		FROM commands
		WHERE zone_id = ? AND outcome = ?
		GROUP BY channel
	`, zoneID, string(control.OutcomeSuccess))
	if err != nil {
		return nil, fmt.Errorf("read last action cycles: %w", err)
	}
	defer rows.Close()

	out := make(map[control.ActuatorChannel]int64)
	for rows.Next() {
		var (
			ch  string
			seq int64
		)
		if err := rows.Scan(&ch, &seq); err != nil {
			return nil, fmt.Errorf("read last action cycles: scan: %w", err)
		}
		out[control.ActuatorChannel(ch)] = seq
	}
	return out, rows.Err()
}

// LoadState returns the zone's checkpointed stability state. found is
// false on first run, before any cycle has committed.
func (s *Store) LoadState(ctx context.Context, zoneID string) (state control.SystemState, found bool, err error) {
	var (
		mode, reason, enteredAt string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT mode, reason, entered_at, entered_cycle, excellent_streak
		FROM state_checkpoints WHERE zone_id = ?
	`, zoneID).Scan(&mode, &reason, &enteredAt, &state.EnteredCycle, &state.ExcellentStreak)
	if errors.Is(err, sql.ErrNoRows) {
		return control.SystemState{}, false, nil
	}
	if err != nil {
		return control.SystemState{}, false, fmt.Errorf("load state: %w", err)
	}

	state.ZoneID = zoneID
	state.Mode = control.Mode(mode)
	state.Reason = reason
	if state.EnteredAt, err = time.Parse(timeFormat, enteredAt); err != nil {
		return control.SystemState{}, false, fmt.Errorf("load state: parse entered_at %q: %w", enteredAt, err)
	}
	return state, true, nil
}

// LastCycleSeq returns the highest committed cycle sequence for a zone,
// zero when none exist.
func (s *Store) LastCycleSeq(ctx context.Context, zoneID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(cycle_seq) FROM cycle_summaries WHERE zone_id = ?
	`, zoneID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read last cycle seq: %w", err)
	}
	return seq.Int64, nil
}

// LoadLedger rebuilds the zone's dosing ledger for one day from its
// checkpoint. A missing checkpoint yields an empty ledger for that day.
func (s *Store) LoadLedger(ctx context.Context, zoneID, day string) (*safety.Ledger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, dispensed_ml
		FROM ledger_checkpoints
		WHERE zone_id = ? AND day = ?
	`, zoneID, day)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	ledger := &safety.Ledger{
		ZoneID:    zoneID,
		Day:       day,
		Dispensed: make(map[control.ActuatorChannel]float64),
	}
	for rows.Next() {
		var (
			ch string
			ml float64
		)
		if err := rows.Scan(&ch, &ml); err != nil {
			return nil, fmt.Errorf("load ledger: scan: %w", err)
		}
		ledger.Dispensed[control.ActuatorChannel(ch)] = ml
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := ledger.Validate(); err != nil {
		return nil, err
	}
	return ledger, nil
}

// LatestReservoirChange returns when the zone's reservoir was last
// changed. found is false when no change has been recorded.
func (s *Store) LatestReservoirChange(ctx context.Context, zoneID string) (at time.Time, found bool, err error) {
	var ts sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MAX(changed_at) FROM reservoir_changes WHERE zone_id = ?
	`, zoneID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read reservoir change: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	if at, err = time.Parse(timeFormat, ts.String); err != nil {
		return time.Time{}, false, fmt.Errorf("read reservoir change: parse %q: %w", ts.String, err)
	}
	return at, true, nil
}

// CycleSummaries returns the latest summaries for a zone, newest first.
func (s *Store) CycleSummaries(ctx context.Context, zoneID string, limit int) ([]audit.CycleSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT summary FROM cycle_summaries
		WHERE zone_id = ?
		ORDER BY cycle_seq DESC
		LIMIT ?
	`, zoneID, limit)
	if err != nil {
		return nil, fmt.Errorf("read cycle summaries: %w", err)
	}
	defer rows.Close()

	var out []audit.CycleSummary
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("read cycle summaries: scan: %w", err)
		}
		var summary audit.CycleSummary
		if err := json.Unmarshal([]byte(payload), &summary); err != nil {
			return nil, fmt.Errorf("read cycle summaries: parse: %w", err)
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// OpenSafetyEvents returns a zone's unacknowledged safety events,
// oldest first.
func (s *Store) OpenSafetyEvents(ctx context.Context, zoneID string) ([]audit.SafetyEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule, detail, raised_at
		FROM safety_events
		WHERE zone_id = ? AND acknowledged = 0
		ORDER BY raised_at ASC
	`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("read safety events: %w", err)
	}
	defer rows.Close()

	var out []audit.SafetyEvent
	for rows.Next() {
		var (
			ev       audit.SafetyEvent
			raisedAt string
		)
		if err := rows.Scan(&ev.ID, &ev.Rule, &ev.Detail, &raisedAt); err != nil {
			return nil, fmt.Errorf("read safety events: scan: %w", err)
		}
		ev.ZoneID = zoneID
		if ev.RaisedAt, err = time.Parse(timeFormat, raisedAt); err != nil {
			return nil, fmt.Errorf("read safety events: parse raised_at %q: %w", raisedAt, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentAdvisoryDecisions returns a zone's advisory decisions since a
// point in time, newest first. Feeds the advisory prompt context.
func (s *Store) RecentAdvisoryDecisions(ctx context.Context, zoneID string, since time.Time) ([]audit.AdvisoryDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_seq, payload, created_at
		FROM advisory_decisions
		WHERE zone_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`, zoneID, since.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("read advisory decisions: %w", err)
	}
	defer rows.Close()

	var out []audit.AdvisoryDecision
	for rows.Next() {
		var (
			dec       audit.AdvisoryDecision
			payload   string
			createdAt string
		)
		if err := rows.Scan(&dec.ID, &dec.CycleSeq, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("read advisory decisions: scan: %w", err)
		}
		dec.ZoneID = zoneID
		if err := json.Unmarshal([]byte(payload), &dec.Result); err != nil {
			return nil, fmt.Errorf("read advisory decisions: parse: %w", err)
		}
		if dec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("read advisory decisions: parse created_at %q: %w", createdAt, err)
		}
		out = append(out, dec)
	}
	return out, rows.Err()
}

// KPIRollups returns a zone's daily rollups with day >= sinceDay, oldest
// day first, channels in lexical order within a day. An empty sinceDay
// returns the full history.
func (s *Store) KPIRollups(ctx context.Context, zoneID, sinceDay string) ([]telemetry.Rollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, channel, average, in_spec_pct, valid_samples, trend
		FROM kpi_rollups
		WHERE zone_id = ? AND day >= ?
		ORDER BY day ASC, channel ASC
	`, zoneID, sinceDay)
	if err != nil {
		return nil, fmt.Errorf("read kpi rollups: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Rollup
	for rows.Next() {
		var (
			r              telemetry.Rollup
			channel, trend string
		)
		if err := rows.Scan(&r.Day, &channel, &r.Average, &r.InSpecPct, &r.ValidSamples, &trend); err != nil {
			return nil, fmt.Errorf("read kpi rollups: scan: %w", err)
		}
		r.ZoneID = zoneID
		r.Channel = telemetry.Channel(channel)
		r.Trend = telemetry.Trend(trend)
		out = append(out, r)
	}
	return out, rows.Err()
}
