// Package safety enforces the hard limits on every physical action: the
// per-action ceiling, the per-day dosing cap tracked by the ledger, and
// the rate-of-change ceiling. Validation is a pure function; the ledger
// mutates only at successful dispatch.
package safety

import (
	"fmt"
	"time"

	"github.com/mossline/hydrod/internal/control"
)

// Ledger tracks the cumulative amount dispensed per channel in the
// current calendar day for one zone.
//
// The ledger never enforces the daily cap itself; the validator does.
// Its invariants are that entries are never negative and that updates
// happen only in the same atomic step as a successful dispatch.
type Ledger struct {
	ZoneID    string                              `json:"zone_id"`
	Day       string                              `json:"day"` // YYYY-MM-DD
	Dispensed map[control.ActuatorChannel]float64 `json:"dispensed"`
}

// NewLedger returns an empty ledger for the day containing now.
func NewLedger(zoneID string, now time.Time) *Ledger {
	return &Ledger{
		ZoneID:    zoneID,
		Day:       DayKey(now),
		Dispensed: make(map[control.ActuatorChannel]float64),
	}
}

// Entry returns the amount dispensed on a channel today.
func (l *Ledger) Entry(ch control.ActuatorChannel) float64 {
	return l.Dispensed[ch]
}

// Commit advances the ledger entry for a successfully dispatched command.
// The absolute magnitude is recorded; direction does not reduce the cap.
func (l *Ledger) Commit(ch control.ActuatorChannel, magnitude float64) error {
	amount := magnitude
	if amount < 0 {
		amount = -amount
	}
	if l.Dispensed == nil {
		l.Dispensed = make(map[control.ActuatorChannel]float64)
	}
	l.Dispensed[ch] += amount
	return l.Validate()
}

// Validate reports a ledger invariant violation. A negative entry is
// fatal to the cycle that observes it.
func (l *Ledger) Validate() error {
	for ch, amount := range l.Dispensed {
		if amount < 0 {
			return &InvariantError{
				ZoneID: l.ZoneID,
				Detail: fmt.Sprintf("negative ledger entry %v on channel %s", amount, ch),
			}
		}
	}
	return nil
}

// DayKey returns the UTC calendar-day key ledgers are filed under.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
