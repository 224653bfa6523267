package cmd

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/openpower/optest/pkg/harness"
	"github.com/openpower/optest/pkg/platform"
	"github.com/openpower/optest/pkg/system"
)

// leafCommand runs a single platform primitive under the exclusive lock and
// prints its normalized result
func (a *app) leafCommand(use, short string, op func(ctx context.Context, h *harness.Harness) platform.Result) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.locked(cmd, true, func(h *harness.Harness) error {
				r := op(cmd.Context(), h)
				fmt.Fprintln(cmd.OutOrStdout(), r.Status)
				return r.Error()
			})
		},
	}
}

func (a *app) powerCommand() *cobra.Command {
	var standby time.Duration

	powerCmd := &cobra.Command{
		Use:   "power",
		Short: "Run a power primitive directly, bypassing the state graph",
		Long: `Sends a single power request to the platform and prints SUCCESS, FAILED or
PARAMETER (not supported by this platform). The state machine is not consulted;
use goto to reach a state.`,
	}

	// a direct power request leaves the machine somewhere the graph cannot vouch for
	unknown := func(op func(platform.Ops, context.Context) platform.Result) func(context.Context, *harness.Harness) platform.Result {
		return func(ctx context.Context, h *harness.Harness) platform.Result {
			r := op(h.Ops, ctx)
			h.System.SetState(system.StateUnknown)
			return r
		}
	}

	powerCmd.AddCommand(
		a.leafCommand("on", "Power the machine on", unknown(platform.Ops.PowerOn)),
		a.leafCommand("off", "Hard power off", unknown(platform.Ops.PowerOff)),
		a.leafCommand("soft", "Request a graceful shutdown", unknown(platform.Ops.PowerSoft)),
		a.leafCommand("cycle", "Power cycle the machine", unknown(platform.Ops.PowerCycle)),
	)

	standbyCmd := a.leafCommand("standby", "Wait until the machine reaches standby", func(ctx context.Context, h *harness.Harness) platform.Result {
		wait := standby
		if wait <= 0 {
			wait = h.Config.Timeouts.Standby.Std()
		}
		return h.Ops.WaitForStandby(ctx, wait)
	})
	standbyCmd.Flags().DurationVar(&standby, "timeout", 0, "How long to wait (default timeouts.standby)")
	powerCmd.AddCommand(standbyCmd)

	return powerCmd
}

func (a *app) selCommand() *cobra.Command {
	selCmd := &cobra.Command{
		Use:   "sel",
		Short: "Read, check or clear the platform event log",
	}

	selCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.locked(cmd, false, func(h *harness.Harness) error {
				entries, err := h.System.SELList(cmd.Context())
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintln(cmd.OutOrStdout(), e)
				}
				return nil
			})
		},
	})

	var pattern string
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Fail when the event log holds a fatal entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pattern == "" {
				pattern = a.cfg.System.SELFatalPattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			return a.locked(cmd, false, func(h *harness.Harness) error {
				r := h.Ops.SELCheck(cmd.Context(), re)
				fmt.Fprintln(cmd.OutOrStdout(), r.Status)
				return r.Error()
			})
		},
	}
	checkCmd.Flags().StringVar(&pattern, "pattern", "", "Fatal entry pattern (default system.selFatalPattern)")
	selCmd.AddCommand(checkCmd)

	selCmd.AddCommand(a.leafCommand("clear", "Clear the event log", func(ctx context.Context, h *harness.Harness) platform.Result {
		return h.Ops.SDRClear(ctx)
	}))

	return selCmd
}
