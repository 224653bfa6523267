// Package harness builds the run-scoped context every command works from:
// the platform adapter, the host console, the host and the state machine,
// all wired from one config.File.
package harness

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/multierr"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/bmc"
	"github.com/openpower/optest/pkg/config"
	"github.com/openpower/optest/pkg/console"
	"github.com/openpower/optest/pkg/host"
	"github.com/openpower/optest/pkg/lock"
	"github.com/openpower/optest/pkg/logger"
	"github.com/openpower/optest/pkg/platform"
	"github.com/openpower/optest/pkg/state"
	"github.com/openpower/optest/pkg/system"
)

// Harness holds everything a test run needs. Build it once per process
// and pass it down.
type Harness struct {
	Config  *config.File
	Log     logger.Interface
	Ops     platform.Ops
	Console *console.Console
	Host    *host.Host
	System  *system.System
	Lock    *lock.RunLock

	// States is set when the config names a state file
	States *state.Store

	// IPMI is set on platforms reached through ipmitool
	IPMI *bmc.IPMITool

	closers []io.Closer
}

// Option customizes New
type Option func(*options)

type options struct {
	log     logger.Interface
	output  io.Writer
	runtime platform.Runtime
	ops     func(h *Harness) (platform.Ops, error)
}

// WithLogger uses l instead of a logger built from the config
func WithLogger(l logger.Interface) Option {
	return func(o *options) { o.log = l }
}

// WithLogOutput sends the configured logger to w
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithRuntime replaces the docker engine used by the container platform
func WithRuntime(r platform.Runtime) Option {
	return func(o *options) { o.runtime = r }
}

// WithPlatform replaces the platform adapter built from the config
func WithPlatform(build func(h *Harness) (platform.Ops, error)) Option {
	return func(o *options) { o.ops = build }
}

// New wires a harness from cfg. Nothing is dialled: consoles, SSH and BMC
// sessions open on first use.
func New(cfg *config.File, opts ...Option) (*Harness, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	log := o.log
	if log == nil {
		l, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: o.output})
		if err != nil {
			return nil, oerrors.Wrap(err, oerrors.ErrConfiguration, "invalid log configuration")
		}
		log = l
	}

	h := &Harness{Config: cfg, Log: log}

	h.Host = host.New(host.Config{
		IP:          cfg.Host.IP,
		Hostname:    cfg.Host.Hostname,
		User:        cfg.Host.Username,
		Password:    cfg.Host.Password,
		KeyFile:     cfg.Host.KeyFile,
		Port:        cfg.Host.Port,
		ScratchDisk: cfg.Host.ScratchDisk,
	}, log.With("host"))
	h.closers = append(h.closers, h.Host)

	build := o.ops
	if build == nil {
		build = func(h *Harness) (platform.Ops, error) { return h.buildPlatform(o.runtime) }
	}
	ops, err := build(h)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Ops = ops
	if h.Console == nil {
		h.Console = ops.HostConsole()
	}

	sysOpts := []system.Option{
		system.WithLogger(log),
		system.WithTimeouts(Timeouts(cfg.Timeouts)),
	}
	// without a host address there is no network to wait for after boot
	if cfg.Host.IP != "" {
		sysOpts = append(sysOpts, system.WithHost(h.Host))
	}
	if h.Console != nil {
		sysOpts = append(sysOpts, system.WithConsole(h.Console))
	}
	known, err := h.knownState()
	if err != nil {
		h.Close()
		return nil, err
	}
	if known != system.StateUnknown {
		sysOpts = append(sysOpts, system.WithKnownState(known))
	}
	if cfg.System.SELFatalPattern != "" {
		re, err := regexp.Compile(cfg.System.SELFatalPattern)
		if err != nil {
			h.Close()
			return nil, oerrors.Wrapf(err, oerrors.ErrConfiguration, "invalid selFatalPattern %q", cfg.System.SELFatalPattern)
		}
		sysOpts = append(sysOpts, system.WithSELPattern(re))
	}
	h.System = system.New(ops, sysOpts...)
	if h.States != nil {
		h.System.OnTransition(func(from, to system.State) { h.Record("goto", nil) })
	}

	lockPath := cfg.Lock.Path
	if lockPath == "" {
		lockPath = lock.ForSystem("", systemID(cfg))
	}
	h.Lock = lock.New(lockPath, log)

	log.Debug("[HARNESS] platform %s, console %s, lock %s", ops.Name(), consoleName(h.Console), lockPath)
	return h, nil
}

// knownState picks the starting state: the configured known state, else
// the one a previous run recorded in the state file
func (h *Harness) knownState() (system.State, error) {
	cfg := h.Config
	if cfg.System.StateFile != "" {
		h.States = state.NewStore(cfg.System.StateFile)
	}
	if cfg.System.KnownState != "" {
		return system.ParseState(cfg.System.KnownState)
	}
	return h.recorded()
}

// recorded returns the state the state file holds for this system, UNKNOWN
// when there is none
func (h *Harness) recorded() (system.State, error) {
	if h.States == nil {
		return system.StateUnknown, nil
	}
	rec, ok, err := h.States.Get(systemID(h.Config))
	if err != nil {
		return system.StateUnknown, oerrors.Wrap(err, oerrors.ErrConfiguration, "read state file")
	}
	if !ok || rec.State == "" {
		return system.StateUnknown, nil
	}
	known, err := system.ParseState(rec.State)
	if err != nil {
		h.Log.Warn("[HARNESS] ignoring recorded state %q in %s", rec.State, h.States.Path())
		return system.StateUnknown, nil
	}
	h.Log.Debug("[HARNESS] recorded state %s at %s", known, rec.Updated.Format(time.RFC3339))
	return known, nil
}

// Resume reloads the recorded state. Call it once the run lock is held: the
// state read at start-up may have been changed by the run that held the lock
// before. An explicit known state is kept.
func (h *Harness) Resume() error {
	if h.States == nil || h.Config.System.KnownState != "" {
		return nil
	}
	known, err := h.recorded()
	if err != nil {
		return err
	}
	if known != h.System.GetState() {
		h.Log.Info("[HARNESS] state changed while waiting for the lock, resuming from %s", known)
		h.System.SetState(known)
	}
	return nil
}

// Record saves the current state with the operation that led to it. It
// does nothing without a state file.
func (h *Harness) Record(op string, opErr error) {
	if h.States == nil {
		return
	}
	current := h.System.GetState()
	err := h.States.Update(systemID(h.Config), func(r *state.Record) {
		r.State = current.String()
		r.LastOperation = op
		r.LastError = ""
		if opErr != nil {
			r.LastError = opErr.Error()
		}
	})
	if err != nil {
		h.Log.Warn("[HARNESS] could not record state: %v", err)
	}
}

// Timeouts maps the configured timeouts onto the state machine's
func Timeouts(t config.TimeoutConfig) system.Timeouts {
	return system.Timeouts{
		Petitboot:        t.Petitboot.Std(),
		PetitbootRetries: t.PetitbootRetries,
		Kexec:            t.Kexec.Std(),
		Login:            t.Login.Std(),
		Standby:          t.Standby.Std(),
		Ping:             t.Ping.Std(),
	}
}

// ConsoleOptions returns the console options shared by every console the
// harness builds
func (h *Harness) ConsoleOptions(component string) []console.Option {
	c := h.Config.Console
	return []console.Option{
		console.WithLogger(h.Log.With(component)),
		console.WithConnectAttempts(c.ConnectAttempts),
		console.WithCommandTimeout(c.CommandTimeout.Std()),
		console.WithPrompt(c.Prompt),
		console.WithLogin(h.Config.Host.Username, h.Config.Host.Password),
		console.WithVerbose(c.Verbose),
	}
}

// hostConsole builds the host console on dialer, unless a local serial
// device overrides the platform's console.
func (h *Harness) hostConsole(name string, dialer console.Dialer) *console.Console {
	if dev := h.Config.Console.SerialDevice; dev != "" {
		name, dialer = "serial", console.SerialDialer(dev, h.Config.Console.SerialBaud)
	}
	c := console.New(name, dialer, h.ConsoleOptions("console")...)
	h.Console = c
	h.closers = append(h.closers, c)
	return c
}

func (h *Harness) ipmiTool(exec bmc.CommandExecutor) *bmc.IPMITool {
	b := h.Config.BMC
	user, pass := b.IPMICredentials()
	t := bmc.NewIPMITool(exec, bmc.IPMIConfig{
		Binary:    b.IPMITool,
		Interface: b.Interface,
		Host:      b.IP,
		User:      user,
		Password:  pass,
	}, h.Log.With("ipmi"))
	h.IPMI = t
	return t
}

func (h *Harness) buildPlatform(runtime platform.Runtime) (platform.Ops, error) {
	cfg := h.Config
	switch cfg.System.Platform {
	case config.PlatformIPMI:
		tool := h.ipmiTool(&bmc.ShellExecutor{})
		return platform.NewIPMI(tool, h.hostConsole("sol", tool.SOLDialer())), nil

	case config.PlatformFSP:
		tool := h.ipmiTool(&bmc.ShellExecutor{})
		shell := bmc.NewSSHExecutor(bmc.SSHConfig{
			Host:     cfg.BMC.IP,
			Port:     cfg.BMC.SSHPort,
			User:     cfg.BMC.Username,
			Password: cfg.BMC.Password,
		}, h.Log.With("fsp-ssh"))
		h.closers = append(h.closers, shell)
		fsp := bmc.NewFSP(shell, tool, h.Log.With("fsp"))
		return platform.NewFSP(fsp, h.hostConsole("sol", tool.SOLDialer())), nil

	case config.PlatformOpenBMC:
		rest := bmc.NewOpenBMC(bmc.RESTConfig{
			BaseURL:     fmt.Sprintf("%s://%s", cfg.BMC.RESTScheme, cfg.BMC.IP),
			User:        cfg.BMC.Username,
			Password:    cfg.BMC.Password,
			ConsoleAddr: net.JoinHostPort(cfg.BMC.IP, strconv.Itoa(cfg.BMC.ConsolePort)),
			RetryMax:    3,
		}, h.Log.With("openbmc"))
		dialer, err := rest.ConsoleDialer()
		if err != nil {
			return nil, oerrors.Wrap(err, oerrors.ErrConfiguration, "openbmc console")
		}
		return platform.NewOpenBMC(rest, h.hostConsole("obmc-console", dialer)), nil

	case config.PlatformQEMU:
		q := cfg.QEMU
		qc := platform.QEMUConfig{
			Binary:    q.Binary,
			Machine:   q.Machine,
			CPU:       q.CPU,
			Memory:    q.Memory,
			Bios:      q.Bios,
			Kernel:    q.Kernel,
			Initramfs: q.Initramfs,
			Disks:     q.Disks,
			ExtraArgs: q.ExtraArgs,
			RunDir:    q.RunDir,
		}
		if qc.RunDir == "" {
			qc.RunDir = filepath.Join(os.TempDir(), "optest-qemu")
		}
		return platform.NewQEMU(qc, h.hostConsole("qemu", platform.QEMUConsole(qc)), h.Log.With("qemu")), nil

	case config.PlatformContainer:
		if runtime == nil {
			docker, err := platform.NewDockerRuntime()
			if err != nil {
				return nil, err
			}
			h.closers = append(h.closers, docker)
			runtime = docker
		}
		name := cfg.Container.Name
		return platform.NewContainer(name, runtime, h.hostConsole("container", platform.ContainerConsole(name, runtime)), h.Log.With("container")), nil
	}
	return nil, oerrors.Newf(oerrors.ErrConfiguration, "unknown platform %q", cfg.System.Platform)
}

// HostSession opens a fresh SSH console to the host. Monitors and torture
// workers use it so they never share the main console.
func (h *Harness) HostSession(ctx context.Context, i int) (*console.Console, error) {
	return h.Host.NewConsole(fmt.Sprintf("host-%d", i), h.ConsoleOptions(fmt.Sprintf("host-%d", i))...)
}

// Close releases every session the harness opened, and the run lock
func (h *Harness) Close() error {
	var err error
	for i := len(h.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, h.closers[i].Close())
	}
	h.closers = nil
	if h.Lock != nil && (h.Lock.Locked() || h.Lock.RLocked()) {
		err = multierr.Append(err, h.Lock.Unlock())
	}
	return err
}

func systemID(cfg *config.File) string {
	switch {
	case cfg.BMC.IP != "":
		return cfg.BMC.IP
	case cfg.Container.Name != "":
		return cfg.Container.Name
	case cfg.Host.IP != "":
		return cfg.Host.IP
	}
	return cfg.System.Platform
}

func consoleName(c *console.Console) string {
	if c == nil {
		return "none"
	}
	return c.Name()
}
