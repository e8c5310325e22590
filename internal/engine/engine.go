package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mossline/hydrod/internal/advisory"
	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/dispatch"
	"github.com/mossline/hydrod/internal/stability"
	"github.com/mossline/hydrod/internal/store"
)

// Engine owns the control pipeline for every configured zone.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - RunCycle(): serialized by Run; safe to call directly only when no
//     Run loop is active (one-shot CLI use)
//
// INVARIANTS:
//   - zones are evaluated in configuration order, one at a time
//   - a cycle either commits its full audit record or none of it
type Engine struct {
	cfg        config.Config
	store      *store.Store
	advisor    advisory.Advisor
	dispatcher *dispatch.Dispatcher
	filter     *stability.Filter
	log        *slog.Logger

	now   func() time.Time
	newID func() string

	// consecutiveFailures counts cycles in a row with at least one
	// actuator failure, per zone. Reaching the configured threshold
	// forces SAFETY_LOCKOUT.
	consecutiveFailures map[string]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source. Used by tests and replay.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the ID source. Used by tests.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// New builds an engine over a store, an advisor, and an actuator
// backend.
func New(cfg config.Config, st *store.Store, advisor advisory.Advisor, actuator dispatch.Actuator, log *slog.Logger, opts ...Option) *Engine {
	if advisor == nil {
		advisor = advisory.Disabled{}
	}
	e := &Engine{
		cfg:                 cfg,
		store:               st,
		advisor:             advisor,
		filter:              stability.New(cfg.Stability),
		log:                 log,
		now:                 time.Now,
		newID:               uuid.NewString,
		consecutiveFailures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = dispatch.New(actuator, log).WithClock(
		func() time.Time { return e.now() },
		func() string { return e.newID() },
	)
	return e
}

// Run executes cycles for every zone on the configured interval until
// the context is cancelled. A failed cycle in one zone never blocks the
// others; it is logged and the loop moves on.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.CycleInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("engine started", "zones", len(e.cfg.Zones), "interval", interval)

	e.runAll(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.runAll(ctx)
		}
	}
}

func (e *Engine) runAll(ctx context.Context) {
	for _, zone := range e.cfg.Zones {
		if ctx.Err() != nil {
			return
		}
		summary, err := e.RunCycle(ctx, zone)
		if err != nil {
			e.log.Error("cycle failed", "zone", zone.ID, "error", err)
			continue
		}
		e.log.Info("cycle complete",
			"zone", zone.ID,
			"cycle", summary.CycleSeq,
			"mode", summary.State.Mode,
			"health", summary.KPIs.HealthScore,
			"commands", len(summary.Commands),
		)
	}
}
