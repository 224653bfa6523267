package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/harness"
	"github.com/openpower/optest/pkg/monitor"
)

// syncWriter serializes output from concurrent pollers
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func (a *app) monitorCommand() *cobra.Command {
	var (
		duration time.Duration
		interval time.Duration
		commands []string
		sel      bool
		sensors  bool
	)

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll the machine in the background and print what changes",
		Long: `Runs each --command on its own SSH console every interval, watches the event
log for new entries and, on IPMI platforms, samples the sensors. Stops after
--duration, or on interrupt when no duration is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				interval = a.cfg.Monitor.Interval.Std()
			}
			if len(commands) == 0 {
				commands = a.cfg.Monitor.Commands
			}
			out := &syncWriter{w: cmd.OutOrStdout()}
			ctx := cmd.Context()

			return a.locked(cmd, false, func(h *harness.Harness) error {
				var group monitor.Group
				for i, c := range commands {
					sess, err := h.HostSession(ctx, i)
					if err != nil {
						group.Stop()
						return err
					}
					defer sess.Close()

					label := c
					group.Add(ctx, &monitor.CommandPoller{
						Label:   fmt.Sprintf("command-%d", i),
						Runner:  sess,
						Command: c,
						OnOutput: func(lines []string) {
							out.printf("[%s]\n%s\n", label, strings.Join(lines, "\n"))
						},
					}, interval, h.Log)
				}
				if sel {
					group.Add(ctx, &monitor.SELPoller{
						Source: h.Ops,
						OnNew: func(entries []string) {
							for _, e := range entries {
								out.printf("[sel] %s\n", e)
							}
						},
					}, interval, h.Log)
				}
				if sensors && h.IPMI != nil {
					group.Add(ctx, &monitor.SensorPoller{
						IPMI: h.IPMI,
						OnSample: func(readings []monitor.Reading) {
							for _, r := range readings {
								out.printf("[sensor] %-20s %-4s %s\n", r.Name, r.Status, r.Value)
							}
						},
					}, interval, h.Log)
				}

				wait(ctx, duration)
				return group.Stop()
			})
		},
	}

	f := monitorCmd.Flags()
	f.DurationVar(&duration, "duration", 0, "How long to monitor (default until interrupted)")
	f.DurationVar(&interval, "interval", 0, "Poll interval (default monitor.interval)")
	f.StringArrayVar(&commands, "command", nil, "Command to poll on the host (repeatable, default monitor.commands)")
	f.BoolVar(&sel, "sel", true, "Watch the event log")
	f.BoolVar(&sensors, "sensors", false, "Sample sensors with ipmitool sdr")
	return monitorCmd
}

// wait blocks for d, or until ctx ends when d is zero
func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (a *app) tortureCommand() *cobra.Command {
	var (
		workers  int
		duration time.Duration
		command  string
		timeout  time.Duration
	)

	tortureCmd := &cobra.Command{
		Use:   "torture",
		Short: "Hammer the host with a command on many concurrent SSH consoles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers < 1 {
				return oerrors.Newf(oerrors.ErrInvalidInput, "--workers must be at least 1, got %d", workers)
			}
			return a.locked(cmd, true, func(h *harness.Harness) error {
				report, err := monitor.Torture(cmd.Context(), monitor.TortureConfig{
					Workers:  workers,
					Command:  command,
					Duration: duration,
					Timeout:  timeout,
					Log:      h.Log,
				}, func(ctx context.Context, i int) (monitor.Session, error) {
					return h.HostSession(ctx, i)
				})
				for i := range report.Completed {
					fmt.Fprintf(cmd.OutOrStdout(), "worker %d: %d completed, %d failed\n", i, report.Completed[i], report.Failed[i])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "total: %d commands\n", report.Total())
				return err
			})
		},
	}

	f := tortureCmd.Flags()
	f.IntVarP(&workers, "workers", "n", 4, "Number of concurrent consoles")
	f.DurationVar(&duration, "duration", time.Minute, "How long to run")
	f.StringVar(&command, "command", "uname -a", "Command each worker runs in a loop")
	f.DurationVar(&timeout, "timeout", 0, "Per command timeout (default console.commandTimeout)")
	return tortureCmd
}
