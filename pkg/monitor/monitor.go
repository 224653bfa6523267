// Package monitor runs background pollers alongside a test. A monitor is
// stopped cooperatively: Stop takes effect at the next poll boundary, within
// one poll interval, and never interrupts a command already in flight.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/openpower/optest/pkg/logger"
)

// Poller does one unit of monitoring work
type Poller interface {
	Name() string
	Poll(ctx context.Context) error
}

// maxErrors bounds how many poll errors a monitor keeps
const maxErrors = 32

// Monitor runs a Poller on its own goroutine every interval
type Monitor struct {
	poller   Poller
	interval time.Duration
	log      logger.Interface

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu    sync.Mutex
	polls int
	errs  error
	nerrs int
}

// Start launches p. Cancelling ctx aborts the monitor, including a poll in
// progress; Stop lets the current poll finish.
func Start(ctx context.Context, p Poller, interval time.Duration, log logger.Interface) *Monitor {
	if log == nil {
		log = logger.Nop()
	}
	m := &Monitor{
		poller:   p,
		interval: interval,
		log:      log.With("monitor." + p.Name()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run(ctx)
	return m
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Debug("started, interval %s", m.interval)
	for {
		m.pollOnce(ctx)

		select {
		case <-m.stop:
			m.log.Debug("stopped after %d polls", m.Polls())
			return
		case <-ctx.Done():
			m.log.Debug("cancelled after %d polls", m.Polls())
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	err := m.poller.Poll(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	pollsTotal.WithLabelValues(m.poller.Name(), outcome(err)).Inc()
	if err == nil {
		return
	}
	m.log.Warn("poll failed: %v", err)
	if m.nerrs < maxErrors {
		m.errs = multierr.Append(m.errs, err)
		m.nerrs++
	}
}

// Stop asks the monitor to finish and waits for it. It returns the poll
// errors seen over the monitor's lifetime.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	return m.Err()
}

// Done is closed once the monitor goroutine has exited
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Polls returns how many polls completed
func (m *Monitor) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

// Err returns the poll errors collected so far
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs
}

// Group starts and stops several monitors together
type Group struct {
	monitors []*Monitor
}

// Add starts p in the group
func (g *Group) Add(ctx context.Context, p Poller, interval time.Duration, log logger.Interface) *Monitor {
	m := Start(ctx, p, interval, log)
	g.monitors = append(g.monitors, m)
	return m
}

// Stop stops every monitor and combines their errors
func (g *Group) Stop() error {
	var err error
	for _, m := range g.monitors {
		err = multierr.Append(err, m.Stop())
	}
	return err
}
