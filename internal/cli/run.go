package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mossline/hydrod/internal/advisory"
	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/dispatch"
	"github.com/mossline/hydrod/internal/engine"
	"github.com/mossline/hydrod/internal/httpapi"
	"github.com/mossline/hydrod/internal/ingest"
	"github.com/mossline/hydrod/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	NoAPI    bool
	NoIngest bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the controller",
		Long: `Start the hydrod controller.

The controller opens the SQLite store, starts the telemetry consumer
and the HTTP API, and runs a decision cycle for every configured zone
on the cycle interval.

Commands are dispatched to the built-in simulated actuator backend;
no hardware is driven. Deployments with real actuators attach their
own driver in place of the simulator.

Example:
  hydrod run --config hydrod.yaml
  hydrod run --config hydrod.yaml --no-ingest --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoAPI, "no-api", false, "disable the HTTP API")
	cmd.Flags().BoolVar(&opts.NoIngest, "no-ingest", false, "disable the Kafka telemetry consumer")

	return cmd
}

func runController(cmd *cobra.Command, opts *RunOptions) error {
	log := newLogger(opts.RootOptions)
	slog.SetDefault(log)

	cfg, st, err := openStack(opts.RootOptions, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing store", "error", closeErr)
		}
	}()

	advisor, err := buildAdvisor(cfg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build advisory client", err)
	}

	eng := engine.New(cfg, st, advisor, dispatch.NewSim(log), log)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	errCh := make(chan error, 3)

	go func() {
		errCh <- eng.Run(ctx)
	}()

	if !opts.NoIngest && len(cfg.Ingest.Brokers) > 0 {
		consumer := ingest.New(cfg.Ingest, st, log)
		defer consumer.Close()
		go func() {
			errCh <- consumer.Run(ctx)
		}()
	}

	if !opts.NoAPI {
		api := httpapi.New(cfg, st, eng, log)
		go func() {
			errCh <- api.Run(ctx)
		}()
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Controller started (simulated actuator). Press Ctrl-C to stop.")

	err = <-errCh
	cancel()
	if err != nil && err != context.Canceled {
		return WrapExitError(ExitFailure, "controller error", err)
	}
	log.Info("controller stopped")
	return nil
}

// openStack loads the configuration and opens the store. Shared by
// every command that touches the database.
func openStack(opts *RootOptions, log *slog.Logger) (config.Config, *store.Store, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	errs, warnings := cfg.Validate()
	for _, w := range warnings {
		log.Warn("config warning", "detail", w)
	}
	if len(errs) > 0 {
		return config.Config{}, nil, WrapExitError(ExitCommandError, "invalid config", fmt.Errorf("%d error(s), first: %s", len(errs), errs[0]))
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return config.Config{}, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return cfg, st, nil
}

func buildAdvisor(cfg config.Config, log *slog.Logger) (advisory.Advisor, error) {
	if !cfg.Advisory.Enabled {
		return advisory.Disabled{}, nil
	}
	return advisory.NewClient(cfg.Advisory, cfg.Limits, log)
}

// signalContext derives a context cancelled by SIGINT/SIGTERM from the
// command's context.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
