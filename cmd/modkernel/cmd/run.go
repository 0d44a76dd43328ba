package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modkernel"
	"github.com/GoCodeAlone/modkernel/lifecycle"
	"github.com/GoCodeAlone/modkernel/modules/heartbeat"
	"github.com/GoCodeAlone/modkernel/registry"
)

// builtinCatalog lists the modules a kernel started from this binary can
// provision.
func builtinCatalog(logger heartbeat.Logger) (*registry.Catalog, error) {
	return registry.NewCatalog(
		heartbeat.Artifact("main", "1.0.0", heartbeat.DefaultSchedule, logger),
		heartbeat.Artifact("fast", "1.0.0", "@every 5s", logger),
	)
}

// NewRunCommand creates the command that hosts the kernel until it stops.
func NewRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run [args...]",
		Short: "Launch the kernel and block until it stops",
		Long: `Launch the kernel: provision the configured modules, open the command
channel and run until a stop command, SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			catalog, err := builtinCatalog(logger)
			if err != nil {
				return err
			}
			reg := registry.NewMemory(catalog,
				registry.WithLogger(logger),
				registry.WithStopTimeout(cfg.StopTimeout),
			)

			exitCodes := make(chan int, 1)
			hooks := lifecycle.NewExitHooks(logger)
			hooks.SetExitFunc(func(code int) { exitCodes <- code })
			stopSignals := hooks.HandleSignals(cmd.Context())
			defer stopSignals()

			fw, err := modkernel.NewFramework(cfg, reg,
				modkernel.WithLogger(logger),
				modkernel.WithExitHooks(hooks),
				modkernel.WithArgs(args),
			)
			if err != nil {
				return err
			}
			logger.Info("Launching kernel", "server", cfg.ServerName, "processId", fw.Identity().ProcessID, "version", Version)

			err = fw.Launch(cmd.Context())
			if hooks.Running() {
				// The signal path: hooks finish once the kernel has stopped.
				<-hooks.Done()
				return &ExitError{Code: <-exitCodes}
			}
			switch {
			case err == nil:
				return nil
			case errors.Is(err, modkernel.ErrShutdownInProgress):
				logger.Info("Kernel stopped during launch")
				return nil
			default:
				return fmt.Errorf("kernel launch failed: %w", err)
			}
		},
	}
}
