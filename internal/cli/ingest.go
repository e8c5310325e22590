package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mossline/hydrod/internal/ingest"
)

// NewIngestCommand creates the ingest command: run only the telemetry
// consumer, without the decision loop. Useful when the controller and
// the consumer are deployed separately.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run only the telemetry consumer",
		Long: `Consume telemetry snapshots from Kafka into the store.

Example:
  hydrod ingest --config hydrod.yaml --verbose`,
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

			if len(cfg.Ingest.Brokers) == 0 {
				return WrapExitError(ExitCommandError, "no Kafka brokers configured", nil)
			}

			consumer := ingest.New(cfg.Ingest, st, log)
			defer consumer.Close()

			ctx, cancel := signalContext(cmd)
			defer cancel()

			if err := consumer.Run(ctx); err != nil && err != context.Canceled {
				return WrapExitError(ExitFailure, "consumer error", err)
			}
			return nil
		},
	}
	return cmd
}
