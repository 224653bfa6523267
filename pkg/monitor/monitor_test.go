package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/console"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// blockingPoller holds each poll until released
type blockingPoller struct {
	started chan struct{}
	release chan struct{}
	polls   atomic.Int32
}

func (p *blockingPoller) Name() string { return "blocking" }

func (p *blockingPoller) Poll(ctx context.Context) error {
	p.polls.Add(1)
	p.started <- struct{}{}
	<-p.release
	return nil
}

func TestStopWaitsForPollInFlight(t *testing.T) {
	p := &blockingPoller{started: make(chan struct{}, 1), release: make(chan struct{})}
	m := Start(context.Background(), p, time.Hour, nil)

	<-p.started
	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop interrupted a poll in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(p.release)
	require.NoError(t, <-stopped)
	assert.Equal(t, int32(1), p.polls.Load())
	assert.Equal(t, 1, m.Polls())
}

type countingPoller struct {
	n    atomic.Int32
	fail bool
}

func (p *countingPoller) Name() string { return "counting" }

func (p *countingPoller) Poll(ctx context.Context) error {
	n := p.n.Add(1)
	if p.fail {
		return fmt.Errorf("poll %d failed", n)
	}
	return nil
}

func TestStopTakesEffectWithinOneInterval(t *testing.T) {
	p := &countingPoller{}
	m := Start(context.Background(), p, 5*time.Millisecond, nil)

	require.Eventually(t, func() bool { return m.Polls() >= 3 }, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Stop())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	polls := m.Polls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, m.Polls(), "no polls after Stop returns")
	assert.NoError(t, m.Stop(), "Stop is idempotent")
}

func TestMonitorCollectsErrors(t *testing.T) {
	p := &countingPoller{fail: true}
	m := Start(context.Background(), p, time.Millisecond, nil)

	require.Eventually(t, func() bool { return m.Polls() >= 2 }, time.Second, time.Millisecond)
	err := m.Stop()
	require.Error(t, err)
	assert.GreaterOrEqual(t, len(multierr.Errors(err)), 2)
}

func TestMonitorCancelledByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := Start(ctx, &countingPoller{}, time.Hour, nil)

	cancel()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor ignored cancellation")
	}
}

func TestGroupStopsAll(t *testing.T) {
	var g Group
	a := g.Add(context.Background(), &countingPoller{}, time.Millisecond, nil)
	b := g.Add(context.Background(), &countingPoller{fail: true}, time.Millisecond, nil)

	require.Eventually(t, func() bool { return a.Polls() > 0 && b.Polls() > 0 }, time.Second, time.Millisecond)
	assert.Error(t, g.Stop())
	<-a.Done()
	<-b.Done()
}

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	lines    []string
	err      error
	closed   bool
}

func (r *fakeRunner) RunCommand(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return r.lines, r.err
}

func (r *fakeRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestCommandPoller(t *testing.T) {
	r := &fakeRunner{lines: []string{"MemFree: 1024 kB"}}
	var got [][]string
	p := &CommandPoller{Runner: r, Command: "grep MemFree /proc/meminfo", OnOutput: func(l []string) { got = append(got, l) }}

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, "command", p.Name())
	assert.Equal(t, []string{"MemFree: 1024 kB"}, p.Last())
	assert.Len(t, got, 1)

	r.err = &console.CommandFailedError{Command: p.Command, ExitCode: 1}
	assert.Error(t, p.Poll(context.Background()))
	assert.Equal(t, []string{"MemFree: 1024 kB"}, p.Last(), "failed runs keep the last good output")
}

type fakeSEL struct{ entries []string }

func (f *fakeSEL) SELList(ctx context.Context) ([]string, error) { return f.entries, nil }

func TestSELPollerReportsNewEntries(t *testing.T) {
	src := &fakeSEL{entries: []string{"1 | Power Unit | Power off"}}
	var fresh [][]string
	p := &SELPoller{Source: src, OnNew: func(e []string) { fresh = append(fresh, e) }}

	require.NoError(t, p.Poll(context.Background()))
	require.NoError(t, p.Poll(context.Background()))
	src.entries = append(src.entries, "2 | Processor | IERR")
	require.NoError(t, p.Poll(context.Background()))

	assert.Equal(t, [][]string{{"1 | Power Unit | Power off"}, {"2 | Processor | IERR"}}, fresh)
	assert.Len(t, p.Entries(), 2)
}

type fakeIPMI struct{ out string }

func (f *fakeIPMI) Run(ctx context.Context, sub ...string) (string, error) { return f.out, nil }

func TestSensorPoller(t *testing.T) {
	p := &SensorPoller{IPMI: &fakeIPMI{out: "" +
		"Host Status      | 8Ah | ok  | 33.0 | S0/G0: working\n" +
		"CPU Core Temp 1 | 2Ah | ok  |  3.0 | 38 degrees C\n"}}

	require.NoError(t, p.Poll(context.Background()))
	last := p.Last()
	require.Len(t, last, 2)
	assert.Equal(t, Reading{Name: "Host Status", Status: "ok", Value: "S0/G0: working"}, last[0])

	_, err := ParseSDR("garbage line")
	assert.Error(t, err)
}

func TestTortureRunsIndependentSessions(t *testing.T) {
	var mu sync.Mutex
	runners := map[int]*fakeRunner{}
	open := func(ctx context.Context, i int) (Session, error) {
		mu.Lock()
		defer mu.Unlock()
		r := &fakeRunner{}
		runners[i] = r
		return r, nil
	}

	report, err := Torture(context.Background(), TortureConfig{
		Workers:  3,
		Command:  "cat /proc/cpuinfo",
		Duration: 20 * time.Millisecond,
	}, open)
	require.NoError(t, err)

	require.Len(t, runners, 3)
	for i, r := range runners {
		assert.True(t, r.closed, "worker %d closed its session", i)
		assert.Positive(t, report.Completed[i])
	}
	assert.Equal(t, report.Completed[0]+report.Completed[1]+report.Completed[2], report.Total())
}

func TestTortureCountsCommandFailures(t *testing.T) {
	open := func(ctx context.Context, i int) (Session, error) {
		return &fakeRunner{err: &console.CommandFailedError{Command: "false", ExitCode: 1}}, nil
	}

	report, err := Torture(context.Background(), TortureConfig{Workers: 1, Command: "false", Duration: 10 * time.Millisecond}, open)
	require.NoError(t, err)
	assert.Zero(t, report.Total())
	assert.Positive(t, report.Failed[0])
}

func TestTortureStopsOnTransportFailure(t *testing.T) {
	lost := errors.New("console dropped")
	open := func(ctx context.Context, i int) (Session, error) {
		if i == 1 {
			return &fakeRunner{err: lost}, nil
		}
		return &fakeRunner{}, nil
	}

	_, err := Torture(context.Background(), TortureConfig{Workers: 2, Command: "true", Duration: time.Minute}, open)
	assert.ErrorIs(t, err, lost)
}

func TestTortureRejectsNoWorkers(t *testing.T) {
	open := func(ctx context.Context, i int) (Session, error) {
		t.Fatal("no session should be opened")
		return nil, nil
	}

	for _, n := range []int{0, -1} {
		_, err := Torture(context.Background(), TortureConfig{Workers: n, Command: "true", Duration: time.Second}, open)
		require.Error(t, err)
		assert.True(t, oerrors.HasCode(err, oerrors.ErrInvalidInput))
	}
}
