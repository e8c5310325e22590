// Package dispatch turns admitted actions into actuator commands and
// keeps the dosing ledger consistent with what actually ran.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/safety"
)

// Actuator executes one physical command. Implementations must be safe
// to call from a single goroutine per zone; the dispatcher never calls
// concurrently for the same zone.
type Actuator interface {
	Actuate(ctx context.Context, cmd control.ActuatorCommand) error
}

// Dispatcher issues commands one at a time and commits each dosed
// volume to the ledger only after the actuator reports success. A
// command that fails its single retry is recorded as failed and leaves
// the ledger untouched, so the daily totals never count liquid that was
// not dispensed.
type Dispatcher struct {
	actuator Actuator
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New builds a dispatcher around an actuator.
func New(actuator Actuator, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		actuator: actuator,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock overrides the timestamp and ID sources. Used by tests.
func (d *Dispatcher) WithClock(now func() time.Time, newID func() string) *Dispatcher {
	d.now = now
	d.newID = newID
	return d
}

// Result is the outcome of one cycle's dispatch pass.
type Result struct {
	Commands []control.ActuatorCommand
	Failures int
}

// Dispatch executes the admitted actions in order. It returns an error
// only on a ledger invariant violation, which is fatal to the cycle;
// individual actuator failures are reported through Result.
func (d *Dispatcher) Dispatch(ctx context.Context, zoneID string, actions []control.ProposedAction, ledger *safety.Ledger) (Result, error) {
	var res Result
	for _, action := range actions {
		cmd := control.ActuatorCommand{
			ID:           d.newID(),
			ZoneID:       zoneID,
			Channel:      action.Channel,
			Magnitude:    action.Magnitude,
			Reason:       action.Reason,
			DispatchedAt: d.now(),
		}

		err := d.actuate(ctx, cmd)
		if err != nil {
			cmd.Outcome = control.OutcomeFailure
			res.Failures++
			res.Commands = append(res.Commands, cmd)
			d.log.Warn("actuator command failed",
				"zone", zoneID, "command", cmd.ID, "channel", cmd.Channel, "error", err)
			continue
		}

		cmd.Outcome = control.OutcomeSuccess
		if control.DosingChannel(cmd.Channel) {
			if err := ledger.Commit(cmd.Channel, cmd.Magnitude); err != nil {
				return res, fmt.Errorf("commit %s after command %s: %w", cmd.Channel, cmd.ID, err)
			}
		}
		res.Commands = append(res.Commands, cmd)
		d.log.Info("actuator command dispatched",
			"zone", zoneID, "command", cmd.ID, "channel", cmd.Channel, "magnitude", cmd.Magnitude)
	}
	return res, nil
}

// actuate tries the command, retrying once on failure within the same
// cycle.
func (d *Dispatcher) actuate(ctx context.Context, cmd control.ActuatorCommand) error {
	err := d.actuator.Actuate(ctx, cmd)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	d.log.Debug("retrying actuator command", "command", cmd.ID, "channel", cmd.Channel, "error", err)
	return d.actuator.Actuate(ctx, cmd)
}
