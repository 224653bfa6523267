// Package cmd implements the optest command line
package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/openpower/optest/pkg/config"
	"github.com/openpower/optest/pkg/harness"
)

// noConfig marks commands that run without loading a configuration
const noConfig = "optest/no-config"

// app carries the state shared by every command of one invocation
type app struct {
	configPath  string
	logLevel    string
	knownState  string
	overrides   []string
	metricsAddr string

	harnessOpts []harness.Option

	cfg     *config.File
	h       *harness.Harness
	metrics *http.Server
}

// NewRootCommand builds the optest command tree. Options are passed to
// every harness the commands build.
func NewRootCommand(opts ...harness.Option) *cobra.Command {
	a := &app{harnessOpts: opts}
	return a.rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "optest",
		Short: "Drive an OpenPOWER system through its boot states and run tests on it",
		Long: `optest powers an OpenPOWER machine (BMC managed, FSP, OpenBMC, QEMU or a
simulator container) into a target state such as OFF, PETITBOOT or OS, and
runs commands, monitors and torture loops against it.

The machine is described by a YAML, JSON or CUE config file. Every field can be
overridden with OPTEST_* environment variables or --set Path=value.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[noConfig] == "true" {
				return nil
			}
			return a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to config file (.yaml, .json or .cue)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&a.knownState, "known-state", "", "State the machine is known to be in (skips the initial power off)")
	flags.StringArrayVar(&a.overrides, "set", nil, "Override a config field, e.g. --set BMC.Username=admin (repeatable)")
	flags.StringVar(&a.metricsAddr, "metrics-listen", "", "Serve prometheus metrics on this address")

	root.AddCommand(
		a.gotoCommand(),
		a.stateCommand(),
		a.runCommand(),
		a.powerCommand(),
		a.selCommand(),
		a.monitorCommand(),
		a.tortureCommand(),
		a.configCommand(),
	)
	return root
}

// load reads the configuration and applies flag overrides
func (a *app) load() error {
	cfg, err := config.Read(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.knownState != "" {
		cfg.System.KnownState = a.knownState
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Listen = a.metricsAddr
	}
	if err := config.ApplyOverrides(cfg, a.overrides); err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.Metrics.Listen != "" {
		return a.serveMetrics(cfg.Metrics.Listen)
	}
	return nil
}

// harness builds the harness on first use
func (a *app) harness() (*harness.Harness, error) {
	if a.h != nil {
		return a.h, nil
	}
	h, err := harness.New(a.cfg, a.harnessOpts...)
	if err != nil {
		return nil, err
	}
	a.h = h
	return h, nil
}

// locked runs fn on the harness while holding the run lock, exclusive for
// commands that change the machine and shared for the others. Exclusive
// commands record the state they leave the machine in.
func (a *app) locked(cmd *cobra.Command, exclusive bool, fn func(h *harness.Harness) error) error {
	h, err := a.harness()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	wait := a.cfg.Lock.Wait.Std()
	if exclusive {
		err = h.Lock.Lock(ctx, wait)
	} else {
		err = h.Lock.RLock(ctx, wait)
	}
	if err != nil {
		return err
	}
	defer h.Lock.Unlock()

	if err := h.Resume(); err != nil {
		return err
	}
	err = fn(h)
	if exclusive {
		h.Record(cmd.CommandPath(), err)
	}
	return err
}

func (a *app) serveMetrics(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := a.metrics.Serve(l); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return nil
}

func (a *app) close() error {
	var err error
	if a.h != nil {
		err = multierr.Append(err, a.h.Close())
		a.h = nil
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, a.metrics.Shutdown(ctx))
		a.metrics = nil
	}
	return err
}

// run executes args against a fresh command tree and releases everything
// the commands opened
func run(ctx context.Context, args []string, out, errOut io.Writer, opts ...harness.Option) error {
	a := &app{harnessOpts: opts}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.ExecuteContext(ctx)
	return multierr.Append(err, a.close())
}

// Execute runs the CLI with the process arguments and returns the exit code
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
