package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/digitalocean/go-qemu/qmp"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/console"
	"github.com/openpower/optest/pkg/logger"
	"github.com/openpower/optest/pkg/retry"
)

// QEMUConfig describes the emulated powernv machine
type QEMUConfig struct {
	Binary    string
	Machine   string
	CPU       string
	Memory    string
	Bios      string
	Kernel    string
	Initramfs string
	Disks     []string
	ExtraArgs []string
	// RunDir holds the console and QMP sockets
	RunDir string
}

// ConsoleSocket is the unix socket the emulated serial port listens on
func (c QEMUConfig) ConsoleSocket() string { return filepath.Join(c.RunDir, "console.sock") }

// QMPSocket is the unix socket of the QEMU machine protocol monitor
func (c QEMUConfig) QMPSocket() string { return filepath.Join(c.RunDir, "qmp.sock") }

// Args builds the qemu command line, binary excluded
func (c QEMUConfig) Args() []string {
	machine := c.Machine
	if machine == "" {
		machine = "powernv"
	}
	memory := c.Memory
	if memory == "" {
		memory = "4G"
	}

	args := []string{"-machine", machine, "-m", memory, "-nographic", "-nodefaults"}
	if c.CPU != "" {
		args = append(args, "-cpu", c.CPU)
	}
	if c.Bios != "" {
		args = append(args, "-bios", c.Bios)
	}
	if c.Kernel != "" {
		args = append(args, "-kernel", c.Kernel)
	}
	if c.Initramfs != "" {
		args = append(args, "-initrd", c.Initramfs)
	}
	for i, disk := range c.Disks {
		id := fmt.Sprintf("disk%d", i)
		args = append(args,
			"-drive", fmt.Sprintf("file=%s,if=none,id=%s", disk, id),
			"-device", "virtio-blk-pci,drive="+id,
		)
	}
	args = append(args,
		"-chardev", fmt.Sprintf("socket,id=console,path=%s,server=on,wait=off", c.ConsoleSocket()),
		"-serial", "chardev:console",
		"-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", c.QMPSocket()),
	)
	return append(args, c.ExtraArgs...)
}

// Process is a started emulator
type Process interface {
	Wait() error
	Kill() error
}

// Monitor is the part of a QMP monitor the platform uses
type Monitor interface {
	Connect() error
	Disconnect() error
	Run(command []byte) ([]byte, error)
}

// Starter launches the emulator binary
type Starter func(binary string, args []string) (Process, error)

// MonitorDialer connects to the QMP socket
type MonitorDialer func(socket string) (Monitor, error)

type execProcess struct{ cmd *exec.Cmd }

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func startExec(binary string, args []string) (Process, error) {
	// not bound to a context: the machine outlives the call that powers it on
	cmd := exec.Command(binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func dialQMP(socket string) (Monitor, error) {
	return qmp.NewSocketMonitor("unix", socket, 2*time.Second)
}

// QEMU is a platform where power means the lifetime of a qemu process
type QEMU struct {
	config  QEMUConfig
	console *console.Console
	log     logger.Interface

	start       Starter
	monitor     MonitorDialer
	retry       retry.Config
	quitTimeout time.Duration

	mu   sync.Mutex
	proc Process
	mon  Monitor
	done chan struct{}
}

// QEMUOption customizes a QEMU platform
type QEMUOption func(*QEMU)

// WithStarter replaces process creation
func WithStarter(s Starter) QEMUOption { return func(q *QEMU) { q.start = s } }

// WithMonitorDialer replaces the QMP connection
func WithMonitorDialer(d MonitorDialer) QEMUOption { return func(q *QEMU) { q.monitor = d } }

// WithMonitorRetry sets how long to wait for the QMP socket after start
func WithMonitorRetry(c retry.Config) QEMUOption { return func(q *QEMU) { q.retry = c } }

// NewQEMU creates the platform. The host console should dial
// config.ConsoleSocket(); see QEMUConsole.
func NewQEMU(config QEMUConfig, host *console.Console, log logger.Interface, opts ...QEMUOption) *QEMU {
	if log == nil {
		log = logger.Nop()
	}
	if config.Binary == "" {
		config.Binary = "qemu-system-ppc64"
	}
	q := &QEMU{
		config:      config,
		console:     host,
		log:         log.With("qemu"),
		start:       startExec,
		monitor:     dialQMP,
		quitTimeout: 10 * time.Second,
		retry: retry.Config{
			MaxAttempts:  20,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
		},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QEMUConsole returns the dialer for the emulated serial port
func QEMUConsole(config QEMUConfig) console.Dialer {
	return console.UnixSocketDialer(config.ConsoleSocket())
}

func (q *QEMU) Name() string { return "qemu" }

// Running reports whether the emulator process is alive
func (q *QEMU) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.proc != nil
}

func (q *QEMU) PowerOn(ctx context.Context) Result {
	return record(q.Name(), "power_on", q.powerOn(ctx))
}

func (q *QEMU) powerOn(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.proc != nil {
		return nil
	}
	if q.config.RunDir != "" {
		if err := os.MkdirAll(q.config.RunDir, 0o755); err != nil {
			return oerrors.Wrap(err, oerrors.ErrConfiguration, "create qemu run directory")
		}
	}
	os.Remove(q.config.QMPSocket())

	args := q.config.Args()
	q.log.Info("starting %s %v", q.config.Binary, args)
	proc, err := q.start(q.config.Binary, args)
	if err != nil {
		return oerrors.Wrap(err, oerrors.ErrPlatform, "start qemu")
	}

	done := make(chan struct{})
	go func() {
		err := proc.Wait()
		q.log.Info("qemu exited: %v", err)
		q.mu.Lock()
		if q.proc == proc {
			q.proc = nil
			if q.mon != nil {
				q.mon.Disconnect()
				q.mon = nil
			}
		}
		q.mu.Unlock()
		close(done)
	}()
	q.proc = proc
	q.done = done

	socket := q.config.QMPSocket()
	var mon Monitor
	err = retry.WithBackoff(ctx, func(ctx context.Context) error {
		m, err := q.monitor(socket)
		if err != nil {
			return retry.NewRetryableError(err)
		}
		if err := m.Connect(); err != nil {
			return retry.NewRetryableError(err)
		}
		mon = m
		return nil
	}, q.retry)
	if err != nil {
		q.proc, q.done = nil, nil
		proc.Kill()
		// the reaper needs q.mu to finish
		q.mu.Unlock()
		<-done
		q.mu.Lock()
		return oerrors.Wrap(err, oerrors.ErrConnection, "connect to qmp")
	}
	q.mon = mon
	return nil
}

// execute runs a QMP command; ok is false when no machine is running
func (q *QEMU) execute(name string) (ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.mon == nil {
		return false, nil
	}
	cmd, err := json.Marshal(qmp.Command{Execute: name})
	if err != nil {
		return true, err
	}
	q.log.Debug("qmp %s", name)
	if _, err := q.mon.Run(cmd); err != nil {
		return true, oerrors.Wrapf(err, oerrors.ErrPlatform, "qmp %s", name)
	}
	return true, nil
}

func (q *QEMU) exited() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return q.done
}

func (q *QEMU) PowerOff(ctx context.Context) Result {
	return record(q.Name(), "power_off", q.powerOff(ctx))
}

func (q *QEMU) powerOff(ctx context.Context) error {
	if !q.Running() {
		return nil
	}
	if _, err := q.execute("quit"); err != nil {
		q.log.Warn("qmp quit failed, killing qemu: %v", err)
	}

	exited := q.exited()
	select {
	case <-exited:
	case <-time.After(q.quitTimeout):
		q.mu.Lock()
		if q.proc != nil {
			q.proc.Kill()
		}
		q.mu.Unlock()
		<-exited
	case <-ctx.Done():
		return oerrors.Wrap(ctx.Err(), oerrors.ErrCancelled, "power off")
	}
	if q.console != nil {
		q.console.Close()
	}
	return nil
}

func (q *QEMU) PowerSoft(ctx context.Context) Result {
	ok, err := q.execute("system_powerdown")
	if err == nil && !ok {
		err = oerrors.New(oerrors.ErrPlatform, "qemu is not running")
	}
	return record(q.Name(), "power_soft", err)
}

func (q *QEMU) PowerCycle(ctx context.Context) Result {
	ok, err := q.execute("system_reset")
	if err == nil && !ok {
		return q.PowerOn(ctx)
	}
	return record(q.Name(), "power_cycle", err)
}

func (q *QEMU) WaitForStandby(ctx context.Context, timeout time.Duration) Result {
	var err error
	select {
	case <-q.exited():
	case <-time.After(timeout):
		err = oerrors.Newf(oerrors.ErrTimeout, "qemu still running after %s", timeout)
	case <-ctx.Done():
		err = oerrors.Wrap(ctx.Err(), oerrors.ErrCancelled, "wait for standby")
	}
	return record(q.Name(), "wait_for_standby", err)
}

func (q *QEMU) SetBootdevSetup(ctx context.Context) Result {
	return record(q.Name(), "bootdev_setup", oerrors.New(oerrors.ErrUnavailable, "qemu has no boot device override"))
}

func (q *QEMU) SetBootdevNoOverride(ctx context.Context) Result {
	return record(q.Name(), "bootdev_none", oerrors.New(oerrors.ErrUnavailable, "qemu has no boot device override"))
}

func (q *QEMU) SDRClear(ctx context.Context) Result {
	return record(q.Name(), "sdr_clear", oerrors.New(oerrors.ErrUnavailable, "qemu has no event log"))
}

func (q *QEMU) SELCheck(ctx context.Context, pattern *regexp.Regexp) Result {
	return record(q.Name(), "sel_check", oerrors.New(oerrors.ErrUnavailable, "qemu has no event log"))
}

func (q *QEMU) SELList(ctx context.Context) ([]string, error) { return nil, nil }

func (q *QEMU) HostConsole() *console.Console { return q.console }
