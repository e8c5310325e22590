package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mossline/hydrod/internal/dispatch"
	"github.com/mossline/hydrod/internal/engine"
)

// CycleOptions holds flags for the cycle command.
type CycleOptions struct {
	*RootOptions
	Zone string
}

// NewCycleCommand creates the cycle command: one decision cycle for one
// zone (or all zones), then exit. Useful under cron and in development.
func NewCycleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CycleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one decision cycle and exit",
		Long: `Run a single decision cycle.

Without --zone every configured zone is cycled once, in configuration
order. The cycle summary is printed in the selected format. Commands
are dispatched to the built-in simulated actuator backend.

Example:
  hydrod cycle --config hydrod.yaml --zone zone-a --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneCycle(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Zone, "zone", "", "zone to cycle (default: all)")

	return cmd
}

func runOneCycle(cmd *cobra.Command, opts *CycleOptions) error {
	log := newLogger(opts.RootOptions)

	cfg, st, err := openStack(opts.RootOptions, log)
	if err != nil {
		return err
	}
	defer st.Close()

	advisor, err := buildAdvisor(cfg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build advisory client", err)
	}

	zones := cfg.Zones
	if opts.Zone != "" {
		zone, ok := cfg.ZoneByID(opts.Zone)
		if !ok {
			return WrapExitError(ExitCommandError, "unknown zone", fmt.Errorf("%q is not configured", opts.Zone))
		}
		zones = zones[:0:0]
		zones = append(zones, zone)
	}

	eng := engine.New(cfg, st, advisor, dispatch.NewSim(log), log)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	for _, zone := range zones {
		summary, err := eng.RunCycle(cmd.Context(), zone)
		if err != nil {
			_ = out.Error(fmt.Sprintf("zone %s: %v", zone.ID, err))
			return WrapExitError(ExitFailure, "cycle failed", err)
		}
		line := fmt.Sprintf("zone %s cycle %d: mode=%s health=%.2f commands=%d suppressed=%d",
			summary.ZoneID, summary.CycleSeq, summary.State.Mode,
			summary.KPIs.HealthScore, len(summary.Commands), len(summary.Suppressed))
		if err := out.Success(summary, line); err != nil {
			return err
		}
	}
	return nil
}
