// Package cmd implements the modkernel command line: the run command that
// hosts the kernel, and the client commands that drive a running kernel over
// its local command channel.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// OsExit is replaced in tests.
var OsExit = os.Exit

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

type globalOptions struct {
	configPath string
	stateDir   string
}

// NewRootCommand creates the root command for the modkernel application
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "modkernel",
		Short: "Modkernel - bootstrap and lifecycle kernel for modular servers",
		Long: `Modkernel launches a modular server process and controls it through a
local, authenticated command channel.`,
		Version:       PrintVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Configuration file (.yaml, .yml or .toml)")
	flags.StringVar(&opts.stateDir, "state-dir", "", "Override the configured state directory")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewStopCommand(opts))
	cmd.AddCommand(NewPauseCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewIntrospectCommand(opts))

	return cmd
}

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("Modkernel v%s (commit: %s, built on: %s)", Version, Commit, Date)
}
