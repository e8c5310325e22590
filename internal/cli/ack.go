package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mossline/hydrod/internal/advisory"
	"github.com/mossline/hydrod/internal/dispatch"
	"github.com/mossline/hydrod/internal/engine"
)

// AckOptions holds flags for the ack command.
type AckOptions struct {
	*RootOptions
	Operator string
}

// NewAckCommand creates the ack command: acknowledge a zone's safety
// lockout and return it to NORMAL.
func NewAckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ack <zone>",
		Short: "Acknowledge a safety lockout",
		Long: `Acknowledge a zone's SAFETY_LOCKOUT.

All open safety events for the zone are marked acknowledged and the
zone returns to NORMAL on its next cycle. Requires --operator so the
audit record names who cleared it.

Example:
  hydrod ack zone-a --operator jamie`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(rootOpts)

			cfg, st, err := openStack(rootOpts, log)
			if err != nil {
				return err
			}
			defer st.Close()

			zoneID := args[0]
			if _, ok := cfg.ZoneByID(zoneID); !ok {
				return WrapExitError(ExitCommandError, "unknown zone", fmt.Errorf("%q is not configured", zoneID))
			}

			eng := engine.New(cfg, st, advisory.Disabled{}, dispatch.NewSim(log), log)
			closed, err := eng.Acknowledge(cmd.Context(), zoneID, opts.Operator)
			if err != nil {
				return WrapExitError(ExitFailure, "acknowledge failed", err)
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(
				map[string]any{"zone_id": zoneID, "events_closed": closed},
				fmt.Sprintf("zone %s: lockout cleared, %d event(s) acknowledged", zoneID, closed),
			)
		},
	}

	cmd.Flags().StringVar(&opts.Operator, "operator", "", "operator name for the audit record (required)")
	_ = cmd.MarkFlagRequired("operator")

	return cmd
}
