package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mossline/hydrod/internal/config"
)

// NewValidateCommand creates the validate command: load the config,
// report every error and warning, and exit non-zero on errors.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load and validate the configuration without starting anything.

Errors (inverted target bands, missing zones, nonpositive limits) exit
with code 1. Warnings (targets outside absolute safety bands) are
printed but do not fail validation.

Example:
  hydrod validate --config hydrod.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}

			errs, warnings := cfg.Validate()
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

			report := map[string]any{
				"errors":   errs,
				"warnings": warnings,
				"zones":    len(cfg.Zones),
			}

			var lines []string
			for _, w := range warnings {
				lines = append(lines, "warning: "+w)
			}
			for _, e := range errs {
				lines = append(lines, "error: "+e)
			}
			if len(lines) == 0 {
				lines = append(lines, fmt.Sprintf("config OK: %d zone(s)", len(cfg.Zones)))
			}

			if err := out.Success(report, strings.Join(lines, "\n")); err != nil {
				return err
			}
			if len(errs) > 0 {
				return WrapExitError(ExitFailure, fmt.Sprintf("%d config error(s)", len(errs)), nil)
			}
			return nil
		},
	}
	return cmd
}
