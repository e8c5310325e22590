package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mossline/hydrod/internal/audit"
	"github.com/mossline/hydrod/internal/safety"
	"github.com/mossline/hydrod/internal/telemetry"
)

const timeFormat = time.RFC3339Nano

// WriteSnapshot inserts a telemetry snapshot. The (zone_id, ts) primary
// key with ON CONFLICT DO NOTHING makes redelivery from the broker
// idempotent.
func (s *Store) WriteSnapshot(ctx context.Context, snap telemetry.Snapshot) error {
	readings, err := json.Marshal(snap.Values)
	if err != nil {
		return fmt.Errorf("write snapshot: marshal readings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (zone_id, ts, readings, level_high, level_low)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(zone_id, ts) DO NOTHING
	`,
		snap.ZoneID,
		snap.Timestamp.UTC().Format(timeFormat),
		string(readings),
		boolInt(snap.LevelHigh),
		boolInt(snap.LevelLow),
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// WriteSafetyEvent inserts a safety event, idempotent on its ID.
func (s *Store) WriteSafetyEvent(ctx context.Context, ev audit.SafetyEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO safety_events (id, zone_id, rule, detail, raised_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`, ev.ID, ev.ZoneID, ev.Rule, ev.Detail, ev.RaisedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("write safety event: %w", err)
	}
	return nil
}

// AcknowledgeSafetyEvents marks every open safety event for a zone as
// acknowledged and returns how many were closed.
func (s *Store) AcknowledgeSafetyEvents(ctx context.Context, zoneID, by string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE safety_events
		SET acknowledged = 1, ack_by = ?, ack_at = ?
		WHERE zone_id = ? AND acknowledged = 0
	`, by, at.UTC().Format(timeFormat), zoneID)
	if err != nil {
		return 0, fmt.Errorf("acknowledge safety events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("acknowledge safety events: rows affected: %w", err)
	}
	return n, nil
}

// WriteAdvisoryDecision records one advisory round trip, idempotent on
// its ID.
func (s *Store) WriteAdvisoryDecision(ctx context.Context, dec audit.AdvisoryDecision) error {
	payload, err := json.Marshal(dec.Result)
	if err != nil {
		return fmt.Errorf("write advisory decision: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO advisory_decisions (id, zone_id, cycle_seq, abstained, reason, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		dec.ID, dec.ZoneID, dec.CycleSeq,
		boolInt(dec.Result.Abstained), dec.Result.Reason,
		string(payload), dec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("write advisory decision: %w", err)
	}
	return nil
}

// WriteKPIRollup upserts per-channel daily rollups from a KPI set.
func (s *Store) WriteKPIRollup(ctx context.Context, day string, kpi telemetry.KPISet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write kpi rollup: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, ch := range telemetry.Channels {
		channelKPI, ok := kpi.Channels[ch]
		if !ok {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kpi_rollups (zone_id, day, channel, average, in_spec_pct, valid_samples, trend)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(zone_id, day, channel) DO UPDATE SET
				average = excluded.average,
				in_spec_pct = excluded.in_spec_pct,
				valid_samples = excluded.valid_samples,
				trend = excluded.trend
		`, kpi.ZoneID, day, string(ch), channelKPI.Average, channelKPI.InSpecPct, channelKPI.ValidSamples, string(channelKPI.Trend))
		if err != nil {
			return fmt.Errorf("write kpi rollup %s: %w", ch, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write kpi rollup: commit: %w", err)
	}
	return nil
}

// WriteReservoirChange records a completed reservoir change, idempotent
// on (zone_id, changed_at).
func (s *Store) WriteReservoirChange(ctx context.Context, zoneID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservoir_changes (zone_id, changed_at)
		VALUES (?, ?)
		ON CONFLICT(zone_id, changed_at) DO NOTHING
	`, zoneID, at.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("write reservoir change: %w", err)
	}
	return nil
}

// CheckpointState upserts a zone's stability state outside a cycle
// commit. Used when an acknowledgment clears a lockout between cycles.
func (s *Store) CheckpointState(ctx context.Context, summary audit.CycleSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint state: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := writeStateCheckpoint(ctx, tx, summary); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint state: commit: %w", err)
	}
	return nil
}

// CommitCycle atomically persists everything a completed cycle
// produced: the summary, its commands, the state checkpoint, and the
// ledger checkpoint. A crash between dispatch and this call loses at
// most one cycle's records, never half of one.
//
// Idempotent on (zone_id, cycle_seq): re-committing an already recorded
// cycle is a no-op.
func (s *Store) CommitCycle(ctx context.Context, summary audit.CycleSummary, ledger *safety.Ledger) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("commit cycle: marshal summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit cycle: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO cycle_summaries (id, zone_id, cycle_seq, started_at, completed_at, summary)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(zone_id, cycle_seq) DO NOTHING
	`,
		summary.ID, summary.ZoneID, summary.CycleSeq,
		summary.StartedAt.UTC().Format(timeFormat),
		summary.CompletedAt.UTC().Format(timeFormat),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("commit cycle: insert summary: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit cycle: rows affected: %w", err)
	}
	if inserted == 0 {
		// Cycle already recorded.
		return tx.Commit()
	}

	for _, cmd := range summary.Commands {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commands (id, zone_id, cycle_seq, channel, magnitude, reason, dispatched_at, outcome)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			cmd.ID, cmd.ZoneID, summary.CycleSeq, string(cmd.Channel),
			cmd.Magnitude, cmd.Reason,
			cmd.DispatchedAt.UTC().Format(timeFormat), string(cmd.Outcome),
		)
		if err != nil {
			return fmt.Errorf("commit cycle: insert command %s: %w", cmd.ID, err)
		}
	}

	if err := writeStateCheckpoint(ctx, tx, summary); err != nil {
		return err
	}
	if ledger != nil {
		if err := writeLedgerCheckpoint(ctx, tx, ledger); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cycle: commit: %w", err)
	}
	return nil
}

func writeStateCheckpoint(ctx context.Context, tx *sql.Tx, summary audit.CycleSummary) error {
	state := summary.State
	_, err := tx.ExecContext(ctx, `
		INSERT INTO state_checkpoints (zone_id, mode, reason, entered_at, entered_cycle, excellent_streak, cycle_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(zone_id) DO UPDATE SET
			mode = excluded.mode,
			reason = excluded.reason,
			entered_at = excluded.entered_at,
			entered_cycle = excluded.entered_cycle,
			excellent_streak = excluded.excellent_streak,
			cycle_seq = excluded.cycle_seq
	`,
		state.ZoneID, string(state.Mode), state.Reason,
		state.EnteredAt.UTC().Format(timeFormat),
		state.EnteredCycle, state.ExcellentStreak, summary.CycleSeq,
	)
	if err != nil {
		return fmt.Errorf("commit cycle: state checkpoint: %w", err)
	}
	return nil
}

func writeLedgerCheckpoint(ctx context.Context, tx *sql.Tx, ledger *safety.Ledger) error {
	for ch, ml := range ledger.Dispensed {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_checkpoints (zone_id, day, channel, dispensed_ml)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(zone_id, day, channel) DO UPDATE SET
				dispensed_ml = excluded.dispensed_ml
		`, ledger.ZoneID, ledger.Day, string(ch), ml)
		if err != nil {
			return fmt.Errorf("commit cycle: ledger checkpoint %s: %w", ch, err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
