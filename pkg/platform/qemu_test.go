package platform

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpower/optest/pkg/retry"
)

type fakeProcess struct {
	once sync.Once
	dead chan struct{}
}

func newFakeProcess() *fakeProcess { return &fakeProcess{dead: make(chan struct{})} }

func (p *fakeProcess) Wait() error {
	<-p.dead
	return nil
}

func (p *fakeProcess) Kill() error {
	p.once.Do(func() { close(p.dead) })
	return nil
}

type fakeMonitor struct {
	mu       sync.Mutex
	proc     *fakeProcess
	commands []string
	ignore   bool
}

func (m *fakeMonitor) Connect() error    { return nil }
func (m *fakeMonitor) Disconnect() error { return nil }

func (m *fakeMonitor) Run(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	m.commands = append(m.commands, string(cmd))
	m.mu.Unlock()
	if strings.Contains(string(cmd), `"quit"`) && !m.ignore {
		m.proc.Kill()
	}
	return []byte(`{"return":{}}`), nil
}

func (m *fakeMonitor) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

type qemuHarness struct {
	q       *QEMU
	mon     *fakeMonitor
	starts  int
	args    []string
	dialErr int
}

func newQEMUHarness(t *testing.T) *qemuHarness {
	h := &qemuHarness{mon: &fakeMonitor{}}
	starter := func(binary string, args []string) (Process, error) {
		h.starts++
		h.args = args
		h.mon.proc = newFakeProcess()
		return h.mon.proc, nil
	}
	dialer := func(socket string) (Monitor, error) {
		if h.dialErr > 0 {
			h.dialErr--
			return nil, errors.New("connect: no such file or directory")
		}
		return h.mon, nil
	}
	h.q = NewQEMU(QEMUConfig{RunDir: t.TempDir(), Kernel: "zImage.epapr"}, nil, nil,
		WithStarter(starter),
		WithMonitorDialer(dialer),
		WithMonitorRetry(retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}),
	)
	h.q.quitTimeout = 50 * time.Millisecond
	t.Cleanup(func() {
		if h.mon.proc != nil {
			h.mon.proc.Kill()
		}
	})
	return h
}

func TestQEMUArgs(t *testing.T) {
	cfg := QEMUConfig{
		RunDir:    "/run/optest",
		Bios:      "skiboot.lid",
		Kernel:    "zImage.epapr",
		Initramfs: "rootfs.cpio.xz",
		Disks:     []string{"disk.qcow2"},
		ExtraArgs: []string{"-smp", "2"},
	}
	args := strings.Join(cfg.Args(), " ")

	assert.Contains(t, args, "-machine powernv -m 4G")
	assert.Contains(t, args, "-bios skiboot.lid -kernel zImage.epapr -initrd rootfs.cpio.xz")
	assert.Contains(t, args, "-drive file=disk.qcow2,if=none,id=disk0 -device virtio-blk-pci,drive=disk0")
	assert.Contains(t, args, "socket,id=console,path=/run/optest/console.sock,server=on,wait=off")
	assert.Contains(t, args, "-qmp unix:/run/optest/qmp.sock,server=on,wait=off")
	assert.True(t, strings.HasSuffix(args, "-smp 2"))
}

func TestQEMUPowerCycleLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newQEMUHarness(t)
	h.dialErr = 2

	require.True(t, h.q.PowerOn(ctx).OK())
	assert.True(t, h.q.Running())
	assert.True(t, h.q.PowerOn(ctx).OK(), "powering on a running machine is a no-op")
	assert.Equal(t, 1, h.starts)

	require.True(t, h.q.PowerOff(ctx).OK())
	assert.Equal(t, StatusSuccess, h.q.WaitForStandby(ctx, time.Second).Status)
	assert.False(t, h.q.Running())
	assert.Contains(t, h.mon.sent()[0], `"execute":"quit"`)

	assert.True(t, h.q.PowerOff(ctx).OK(), "powering off a stopped machine is a no-op")
}

func TestQEMUPowerOffKillsStuckMachine(t *testing.T) {
	ctx := context.Background()
	h := newQEMUHarness(t)
	h.mon.ignore = true

	require.True(t, h.q.PowerOn(ctx).OK())
	require.True(t, h.q.PowerOff(ctx).OK())
	assert.False(t, h.q.Running())
}

func TestQEMUStandbyTimeout(t *testing.T) {
	ctx := context.Background()
	h := newQEMUHarness(t)
	require.True(t, h.q.PowerOn(ctx).OK())

	r := h.q.WaitForStandby(ctx, 10*time.Millisecond)
	assert.Equal(t, StatusFailed, r.Status)
}

func TestQEMUSoftAndReset(t *testing.T) {
	ctx := context.Background()
	h := newQEMUHarness(t)

	assert.Equal(t, StatusFailed, h.q.PowerSoft(ctx).Status, "nothing to power down")

	require.True(t, h.q.PowerOn(ctx).OK())
	assert.True(t, h.q.PowerSoft(ctx).OK())
	assert.True(t, h.q.PowerCycle(ctx).OK())

	sent := h.mon.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "system_powerdown")
	assert.Contains(t, sent[1], "system_reset")
}

func TestQEMUMonitorNeverAppears(t *testing.T) {
	h := newQEMUHarness(t)
	h.dialErr = 100

	r := h.q.PowerOn(context.Background())
	assert.Equal(t, StatusFailed, r.Status)
	require.Eventually(t, func() bool { return !h.q.Running() }, time.Second, time.Millisecond)
}

func TestQEMUPowerOnRetryStartsAfreshAfterMonitorFailure(t *testing.T) {
	ctx := context.Background()
	h := newQEMUHarness(t)
	h.dialErr = 5
	first := make(chan *fakeProcess, 1)
	start := h.q.start
	h.q.start = func(binary string, args []string) (Process, error) {
		p, err := start(binary, args)
		if h.starts == 1 {
			first <- p.(*fakeProcess)
		}
		return p, err
	}

	r := h.q.PowerOn(ctx)
	assert.Equal(t, StatusFailed, r.Status)
	assert.False(t, h.q.Running())
	select {
	case <-(<-first).dead:
	default:
		t.Fatal("the emulator without a monitor was not killed")
	}

	require.True(t, h.q.PowerOn(ctx).OK())
	assert.Equal(t, 2, h.starts)
	assert.True(t, h.q.Running())
}

func TestQEMUHasNoEventLog(t *testing.T) {
	ctx := context.Background()
	h := newQEMUHarness(t)

	assert.Equal(t, StatusUnavailable, h.q.SetBootdevSetup(ctx).Status)
	assert.Equal(t, StatusUnavailable, h.q.SetBootdevNoOverride(ctx).Status)
	assert.Equal(t, StatusUnavailable, h.q.SDRClear(ctx).Status)
	assert.Equal(t, StatusUnavailable, h.q.SELCheck(ctx, nil).Status)
	entries, err := h.q.SELList(ctx)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

type fakeRuntime struct {
	mu      sync.Mutex
	running bool
	calls   []string
	// stopAfter makes Running report true for this many more polls after Kill
	stopAfter int
	err       error
}

func (r *fakeRuntime) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeRuntime) Start(ctx context.Context, name string) error {
	r.record("start")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	return r.err
}

func (r *fakeRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	r.record("stop")
	return r.err
}

func (r *fakeRuntime) Kill(ctx context.Context, name string) error {
	r.record("kill")
	return r.err
}

func (r *fakeRuntime) Restart(ctx context.Context, name string) error {
	r.record("restart")
	return r.err
}

func (r *fakeRuntime) Running(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && r.stopAfter > 0 {
		r.stopAfter--
		if r.stopAfter == 0 {
			r.running = false
		}
		return true, nil
	}
	return r.running, nil
}

func (r *fakeRuntime) Attach(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	return nil, errors.New("no tty")
}

func TestContainerPower(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{}
	c := NewContainer("mambo", rt, nil, nil)
	c.pollInterval = time.Millisecond

	require.True(t, c.PowerOn(ctx).OK())
	require.True(t, c.PowerOn(ctx).OK())

	rt.stopAfter = 3
	require.True(t, c.PowerOff(ctx).OK())
	assert.Equal(t, StatusSuccess, c.WaitForStandby(ctx, time.Second).Status)

	assert.Equal(t, []string{"start", "kill"}, rt.calls)
	assert.Equal(t, StatusUnavailable, c.SDRClear(ctx).Status)
}

func TestContainerStandbyTimeout(t *testing.T) {
	rt := &fakeRuntime{running: true}
	c := NewContainer("mambo", rt, nil, nil)
	c.pollInterval = time.Millisecond

	assert.Equal(t, StatusFailed, c.WaitForStandby(context.Background(), 5*time.Millisecond).Status)
}

func TestContainerStartFailure(t *testing.T) {
	rt := &fakeRuntime{err: errors.New("no such container")}
	c := NewContainer("mambo", rt, nil, nil)

	r := c.PowerOn(context.Background())
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Err.Error(), "no such container")
}

func TestContainerConsoleName(t *testing.T) {
	assert.Equal(t, "docker://mambo", ContainerConsole("mambo", &fakeRuntime{}).String())
}
