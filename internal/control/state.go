package control

import (
	"fmt"
	"time"
)

// Mode is the stability state machine's current mode.
type Mode string

const (
	// ModeNormal admits validated actions that clear the
	// minimum-improvement test and the per-channel cooldown.
	ModeNormal Mode = "NORMAL"

	// ModeFrozen suppresses every non-safety action because performance
	// has been excellent for a sustained run of cycles.
	ModeFrozen Mode = "FROZEN"

	// ModeSafetyLockout suppresses everything except configured
	// neutralizing channels. Only an explicit external acknowledgment
	// clears it.
	ModeSafetyLockout Mode = "SAFETY_LOCKOUT"
)

// SystemState is the per-zone stability state. It persists across cycles
// and is checkpointed at the end of every cycle.
type SystemState struct {
	ZoneID string `json:"zone_id"`
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason"`

	// EnteredAt is when the current mode was entered.
	EnteredAt time.Time `json:"entered_at"`

	// EnteredCycle is the cycle sequence at which the current mode was
	// entered; freeze duration is measured in cycles against it.
	EnteredCycle int64 `json:"entered_cycle"`

	// ExcellentStreak counts consecutive cycles with a health score at or
	// above the excellence threshold. Reset whenever the score drops.
	ExcellentStreak int `json:"excellent_streak"`
}

// NewSystemState returns the initial NORMAL state for a zone.
func NewSystemState(zoneID string, now time.Time) SystemState {
	return SystemState{
		ZoneID:    zoneID,
		Mode:      ModeNormal,
		Reason:    "initial",
		EnteredAt: now,
	}
}

// Validate reports an invariant violation in a checkpointed state.
// A corrupted state is fatal to the cycle that loads it.
func (s SystemState) Validate() error {
	switch s.Mode {
	case ModeNormal, ModeFrozen, ModeSafetyLockout:
	default:
		return fmt.Errorf("system state for zone %s: unknown mode %q", s.ZoneID, s.Mode)
	}
	if s.ExcellentStreak < 0 {
		return fmt.Errorf("system state for zone %s: negative excellence streak %d", s.ZoneID, s.ExcellentStreak)
	}
	return nil
}
