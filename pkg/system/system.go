// Package system drives the machine under test between its power and boot
// states. The transition graph is shared by every platform; only the leaf
// power primitives behind platform.Ops differ.
package system

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/logger"
	"github.com/openpower/optest/pkg/platform"
)

// Console is the part of the host console the state machine uses to watch
// boot milestones. *console.Console implements it.
type Console interface {
	Send(ctx context.Context, s string) error
	SendLine(ctx context.Context, s string) error
	SendControl(ctx context.Context, key byte) error
	Expect(ctx context.Context, re *regexp.Regexp, timeout time.Duration) (string, []string, error)
	ExpectAny(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (int, string, error)
	RunCommand(ctx context.Context, command string, timeout time.Duration) ([]string, error)
	ResetPrompt()
}

// Host is the in-band side of the machine
type Host interface {
	// WaitForPing blocks until the host IP answers
	WaitForPing(ctx context.Context, timeout time.Duration) error
	// Disconnect drops any cached SSH session
	Disconnect() error
}

// Timeouts bounds every wait of the boot sequence
type Timeouts struct {
	// Petitboot is the wait for the petitboot menu per attempt
	Petitboot        time.Duration
	PetitbootRetries int
	Kexec            time.Duration
	Login            time.Duration
	Standby          time.Duration
	Ping             time.Duration
	// Shell bounds the short console exchanges in and out of the petitboot shell
	Shell time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Petitboot:        600 * time.Second,
		PetitbootRetries: 3,
		Kexec:            300 * time.Second,
		Login:            600 * time.Second,
		Standby:          300 * time.Second,
		Ping:             300 * time.Second,
		Shell:            60 * time.Second,
	}
}

// System owns the current state of the machine and moves it between states
type System struct {
	ops     platform.Ops
	host    Host
	console Console
	log     logger.Interface

	timeouts   Timeouts
	selPattern *regexp.Regexp

	graph *stateless.StateMachine

	mu        sync.RWMutex
	state     State
	listeners []func(from, to State)

	ipmiDriversLoaded bool
}

// Option customizes a System
type Option func(*System)

// WithLogger sets the logger
func WithLogger(l logger.Interface) Option {
	return func(s *System) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTimeouts replaces the default timeouts; zero fields keep their default
func WithTimeouts(t Timeouts) Option {
	return func(s *System) {
		d := &s.timeouts
		if t.Petitboot > 0 {
			d.Petitboot = t.Petitboot
		}
		if t.PetitbootRetries > 0 {
			d.PetitbootRetries = t.PetitbootRetries
		}
		if t.Kexec > 0 {
			d.Kexec = t.Kexec
		}
		if t.Login > 0 {
			d.Login = t.Login
		}
		if t.Standby > 0 {
			d.Standby = t.Standby
		}
		if t.Ping > 0 {
			d.Ping = t.Ping
		}
		if t.Shell > 0 {
			d.Shell = t.Shell
		}
	}
}

// WithConsole sets the console used for milestones instead of the
// platform host console
func WithConsole(c Console) Option {
	return func(s *System) { s.console = c }
}

// WithHost sets the in-band host used for reachability checks
func WithHost(h Host) Option {
	return func(s *System) { s.host = h }
}

// WithKnownState starts the machine in a state the caller vouches for
func WithKnownState(state State) Option {
	return func(s *System) { s.state = state }
}

// WithSELPattern overrides what counts as a fatal event log entry after IPL
func WithSELPattern(re *regexp.Regexp) Option {
	return func(s *System) { s.selPattern = re }
}

// New creates a System in StateUnknown
func New(ops platform.Ops, opts ...Option) *System {
	s := &System{
		ops:      ops,
		log:      logger.Nop(),
		timeouts: DefaultTimeouts(),
		state:    StateUnknown,
	}
	if c := ops.HostConsole(); c != nil {
		s.console = c
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("system")
	s.graph = newGraph(s)
	return s
}

// Platform returns the leaf operations the system was built with
func (s *System) Platform() platform.Ops { return s.ops }

// Console returns the console used to watch boot milestones
func (s *System) Console() Console { return s.console }

// Host returns the host probed for network reachability, nil when none
func (s *System) Host() Host { return s.host }

// GetState returns the last state the machine was confirmed to be in
func (s *System) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState records a state known by other means, e.g. after the caller
// powered the machine off itself. No transition is validated or performed.
func (s *System) SetState(state State) {
	s.mu.Lock()
	from := s.state
	s.state = state
	s.mu.Unlock()
	s.log.Info("[SYSTEM] state forced %s -> %s", from, state)
	stateGauge.Set(float64(state))
}

func (s *System) record(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	stateGauge.Set(float64(state))
}

// OnTransition registers fn to run after every recorded hop of GotoState
func (s *System) OnTransition(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *System) notify(from, to State) {
	s.mu.RLock()
	listeners := append([]func(from, to State){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}

// GotoState moves the machine to target, one handler invocation per hop.
// The current state is recorded after every hop, so a failure leaves the
// last state actually reached. Only resting states are valid targets.
func (s *System) GotoState(ctx context.Context, target State) (err error) {
	if !target.Resting() {
		return oerrors.WithOp(
			oerrors.Newf(oerrors.ErrInvalidTransition, "%s is not a state the machine can be left in", target),
			"goto "+target.String(),
		)
	}

	start := time.Now()
	defer func() {
		gotoSeconds.WithLabelValues(target.String(), result(err)).Observe(time.Since(start).Seconds())
	}()

	s.log.Info("[SYSTEM] goto %s from %s", target, s.GetState())
	for {
		current := s.GetState()
		next, herr := s.handle(ctx, current, target)
		if herr != nil && next == current {
			s.log.Error("[SYSTEM] %s -> %s failed in %s: %v", current, target, current, herr)
			return oerrors.WithOp(herr, "goto "+target.String())
		}
		if next != current {
			if ferr := s.graph.FireCtx(ctx, hopTrigger(current, next)); ferr != nil {
				return oerrors.WithOp(
					oerrors.Wrapf(ferr, oerrors.ErrInvalidTransition, "%s -> %s", current, next),
					"goto "+target.String(),
				)
			}
		}
		if herr != nil {
			// the handler fell back to a safer state before failing
			return oerrors.WithOp(herr, "goto "+target.String())
		}
		if next == target {
			s.log.Info("[SYSTEM] reached %s", target)
			return nil
		}
	}
}

// handle runs the handler of the current state
func (s *System) handle(ctx context.Context, current, target State) (State, error) {
	if err := ctx.Err(); err != nil {
		return current, oerrors.Wrap(err, oerrors.ErrCancelled, "goto cancelled")
	}
	switch current {
	case StateUnknown:
		return s.fromUnknown(ctx, target)
	case StateOff:
		return s.fromOff(ctx, target)
	case StateIPLing:
		return s.fromIPLing(ctx, target)
	case StatePetitboot:
		return s.fromPetitboot(ctx, target)
	case StatePetitbootShell:
		return s.fromPetitbootShell(ctx, target)
	case StateBooting:
		return s.fromBooting(ctx, target)
	case StateOS:
		return s.fromOS(ctx, target)
	case StatePoweringOff:
		return s.fromPoweringOff(ctx, target)
	default:
		return current, oerrors.Newf(oerrors.ErrInvalidTransition, "no handler for state %d", int(current))
	}
}

// Graph renders the transition graph in DOT format
func (s *System) Graph() string {
	return s.graph.ToGraph()
}

// SELList returns the platform event log
func (s *System) SELList(ctx context.Context) ([]string, error) {
	return s.ops.SELList(ctx)
}

// IPMIDriversLoaded reports whether the host kernel IPMI drivers were
// loaded since the last boot
func (s *System) IPMIDriversLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ipmiDriversLoaded
}

// LoadIPMIDrivers loads the in-band IPMI kernel modules once per boot
func (s *System) LoadIPMIDrivers(ctx context.Context) error {
	if s.IPMIDriversLoaded() {
		return nil
	}
	if s.console == nil {
		return oerrors.New(oerrors.ErrConfiguration, "no host console")
	}
	for _, mod := range []string{"ipmi_msghandler", "ipmi_devintf", "ipmi_powernv"} {
		if _, err := s.console.RunCommand(ctx, "modprobe "+mod, time.Minute); err != nil {
			return oerrors.Wrapf(err, oerrors.ErrPlatform, "load %s", mod)
		}
	}
	s.mu.Lock()
	s.ipmiDriversLoaded = true
	s.mu.Unlock()
	return nil
}
