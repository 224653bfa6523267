package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openpower/optest/pkg/console"
	"github.com/openpower/optest/pkg/harness"
	"github.com/openpower/optest/pkg/system"
)

// commandRunner is implemented by the host console and the SSH host
type commandRunner interface {
	RunCommand(ctx context.Context, command string, timeout time.Duration) ([]string, error)
	RunCommandIgnoreFail(ctx context.Context, command string, timeout time.Duration) ([]string, error)
}

func (a *app) runCommand() *cobra.Command {
	var (
		noBoot     bool
		overSSH    bool
		ignoreFail bool
		timeout    time.Duration
	)

	runCmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Boot to the OS and run a shell command on the machine",
		Long: `Brings the machine to OS (unless --no-boot) and runs the command on the
host console, or over SSH with --ssh. The output is printed and a non-zero
exit status fails the invocation unless --ignore-fail is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			ctx := cmd.Context()

			return a.locked(cmd, true, func(h *harness.Harness) error {
				if !noBoot {
					if err := h.System.GotoState(ctx, system.StateOS); err != nil {
						return err
					}
				}

				var runner commandRunner = h.Host
				if !overSSH {
					if h.Console == nil {
						return fmt.Errorf("platform %s has no host console, use --ssh", h.Ops.Name())
					}
					runner = h.Console
				}

				run := runner.RunCommand
				if ignoreFail {
					run = runner.RunCommandIgnoreFail
				}
				lines, err := run(ctx, command, timeout)

				var failed *console.CommandFailedError
				if errors.As(err, &failed) {
					lines = failed.Output
				}
				for _, l := range lines {
					fmt.Fprintln(cmd.OutOrStdout(), l)
				}
				return err
			})
		},
	}

	runCmd.Flags().BoolVar(&noBoot, "no-boot", false, "Run in whatever state the machine is in")
	runCmd.Flags().BoolVar(&overSSH, "ssh", false, "Run over SSH instead of the host console")
	runCmd.Flags().BoolVar(&ignoreFail, "ignore-fail", false, "Print the output of a failing command and succeed")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Command timeout (default console.commandTimeout)")
	return runCmd
}
