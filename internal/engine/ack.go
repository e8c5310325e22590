package engine

import (
	"context"
	"fmt"

	"github.com/mossline/hydrod/internal/audit"
)

// Acknowledge clears a zone's SAFETY_LOCKOUT: every open safety event
// is marked acknowledged and the stability state returns to NORMAL in
// the same transaction boundary as the next checkpoint.
//
// Acknowledging a zone that is not locked out is an error; there is
// nothing to clear and the caller is likely confused about which zone
// tripped.
func (e *Engine) Acknowledge(ctx context.Context, zoneID, operator string) (int64, error) {
	state, found, err := e.store.LoadState(ctx, zoneID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("zone %s: no recorded state", zoneID)
	}

	at := e.now()
	seq, err := e.store.LastCycleSeq(ctx, zoneID)
	if err != nil {
		return 0, err
	}

	next, err := e.filter.Acknowledge(state, operator, seq, at)
	if err != nil {
		return 0, err
	}

	closed, err := e.store.AcknowledgeSafetyEvents(ctx, zoneID, operator, at)
	if err != nil {
		return 0, err
	}

	// Checkpoint the cleared state immediately so a restart before the
	// next cycle does not resurrect the lockout.
	if err := e.store.CheckpointState(ctx, audit.CycleSummary{
		ZoneID:   zoneID,
		CycleSeq: seq,
		State:    next,
	}); err != nil {
		return 0, err
	}

	e.consecutiveFailures[zoneID] = 0
	e.log.Info("lockout acknowledged", "zone", zoneID, "operator", operator, "events_closed", closed)
	return closed, nil
}
