package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command: print each zone's mode,
// last cycle, health score, and open safety events straight from the
// store.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show zone status",
		Long: `Show the stability mode, last cycle, and open safety events per zone.

Example:
  hydrod status --config hydrod.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(rootOpts)

			cfg, st, err := openStack(rootOpts, log)
			if err != nil {
				return err
			}
			defer st.Close()

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			ctx := cmd.Context()

			type zoneStatus struct {
				ZoneID      string  `json:"zone_id"`
				Mode        string  `json:"mode"`
				Reason      string  `json:"reason,omitempty"`
				LastCycle   int64   `json:"last_cycle"`
				HealthScore float64 `json:"health_score"`
				OpenEvents  int     `json:"open_safety_events"`
			}

			var statuses []zoneStatus
			var lines []string
			for _, zone := range cfg.Zones {
				zs := zoneStatus{ZoneID: zone.ID, Mode: "UNKNOWN"}

				if state, found, err := st.LoadState(ctx, zone.ID); err != nil {
					return WrapExitError(ExitFailure, "load state", err)
				} else if found {
					zs.Mode = string(state.Mode)
					zs.Reason = state.Reason
				}

				summaries, err := st.CycleSummaries(ctx, zone.ID, 1)
				if err != nil {
					return WrapExitError(ExitFailure, "load summaries", err)
				}
				if len(summaries) > 0 {
					zs.LastCycle = summaries[0].CycleSeq
					zs.HealthScore = summaries[0].KPIs.HealthScore
				}

				events, err := st.OpenSafetyEvents(ctx, zone.ID)
				if err != nil {
					return WrapExitError(ExitFailure, "load safety events", err)
				}
				zs.OpenEvents = len(events)

				statuses = append(statuses, zs)
				lines = append(lines, fmt.Sprintf("%-12s %-15s cycle=%d health=%.2f open_events=%d",
					zs.ZoneID, zs.Mode, zs.LastCycle, zs.HealthScore, zs.OpenEvents))
			}

			return out.Success(statuses, strings.Join(lines, "\n"))
		},
	}
	return cmd
}
