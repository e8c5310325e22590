package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mossline/hydrod/internal/control"
)

// Sim is an in-memory actuator for development and tests. It records
// every command and can be told to fail a channel a fixed number of
// times.
type Sim struct {
	mu        sync.Mutex
	commands  []control.ActuatorCommand
	failures  map[control.ActuatorChannel]int
	log       *slog.Logger
}

// NewSim returns a simulated actuator that succeeds on every channel.
func NewSim(log *slog.Logger) *Sim {
	return &Sim{failures: make(map[control.ActuatorChannel]int), log: log}
}

// FailNext makes the next n Actuate calls on ch return an error.
func (s *Sim) FailNext(ch control.ActuatorChannel, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[ch] = n
}

// Actuate implements Actuator.
func (s *Sim) Actuate(_ context.Context, cmd control.ActuatorCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[cmd.Channel] > 0 {
		s.failures[cmd.Channel]--
		return fmt.Errorf("simulated %s failure", cmd.Channel)
	}
	s.commands = append(s.commands, cmd)
	if s.log != nil {
		s.log.Debug("sim actuated", "channel", cmd.Channel, "magnitude", cmd.Magnitude)
	}
	return nil
}

// Commands returns a copy of everything actuated so far.
func (s *Sim) Commands() []control.ActuatorCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]control.ActuatorCommand, len(s.commands))
	copy(out, s.commands)
	return out
}
