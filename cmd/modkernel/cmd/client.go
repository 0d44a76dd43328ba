package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modkernel/command"
)

func newClient(opts *globalOptions) (*command.Client, string, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, "", err
	}
	return &command.Client{
		IdentityFile: cfg.IdentityFile(),
		ChallengeDir: cfg.ChallengeDir(),
		Host:         cfg.Command.Host,
	}, cfg.ServerName, nil
}

func withTimeout(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

// NewStatusCommand creates the command that waits for a kernel to finish launching.
func NewStatusCommand(opts *globalOptions) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the kernel launched",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, server, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, timeout)
			defer cancel()

			if wait {
				if _, err := command.WaitForIdentity(ctx, client.IdentityFile); err != nil {
					return fmt.Errorf("waiting for %s: %w", server, err)
				}
			}
			reply, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if reply.Code == command.ReturnLaunchFailed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s failed to launch (process %s)\n", server, reply.ProcessID)
				return &ExitError{Code: int(reply.Code)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is running (process %s)\n", server, reply.ProcessID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the kernel to publish its command channel")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	return cmd
}

// NewStopCommand creates the command that stops a running kernel.
func NewStopCommand(opts *globalOptions) *cobra.Command {
	var (
		force   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the kernel and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, server, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, timeout)
			defer cancel()

			if err := client.Stop(ctx, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", server)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Ask modules to skip slow cleanup")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	return cmd
}

// NewPauseCommand creates the command that pauses pausable components.
func NewPauseCommand(opts *globalOptions) *cobra.Command {
	return newPauseCommand(opts, "pause", "Pause pausable components", (*command.Client).Pause)
}

// NewResumeCommand creates the command that resumes pausable components.
func NewResumeCommand(opts *globalOptions) *cobra.Command {
	return newPauseCommand(opts, "resume", "Resume pausable components", (*command.Client).Resume)
}

func newPauseCommand(opts *globalOptions, use, short string, send func(*command.Client, context.Context, *string) (command.ReturnCode, error)) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `. Without --target every component is actioned; --target takes a
comma-separated list of component names.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, timeout)
			defer cancel()

			var targets *string
			if cmd.Flags().Changed("target") {
				t, _ := cmd.Flags().GetString("target")
				targets = &t
			}
			code, err := send(client, ctx, targets)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", use, describeCode(code))
			if code != command.ReturnOK {
				return &ExitError{Code: int(code)}
			}
			return nil
		},
	}
	cmd.Flags().String("target", "", "Comma-separated component names")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}

func describeCode(code command.ReturnCode) string {
	switch code {
	case command.ReturnOK:
		return "ok"
	case command.ReturnPartial:
		return "some targets were not found"
	case command.ReturnPauseFailed:
		return "failed"
	case command.ReturnLaunchFailed:
		return "kernel failed to launch"
	default:
		return fmt.Sprintf("return code %d", int(code))
	}
}

// NewDumpCommand creates the command that writes runtime profiles.
func NewDumpCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump [action...]",
		Short: "Write runtime profiles (goroutine stacks by default) to the state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, 30*time.Second)
			defer cancel()
			if err := client.Dump(ctx, args...); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "dump written")
			return nil
		},
	}
	return cmd
}

// NewIntrospectCommand creates the command that writes an introspection report.
func NewIntrospectCommand(opts *globalOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "introspect [action...]",
		Short: "Write an introspection report and optional runtime profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, 30*time.Second)
			defer cancel()
			if err := client.Introspect(ctx, name, args...); err != nil {
				return err
			}
			if name == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "introspection written")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "introspection written to dump_%s\n", strings.TrimSpace(name))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Dump directory suffix (defaults to a timestamp)")
	return cmd
}
