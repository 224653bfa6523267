// Package console turns an interactive, echoing, prompt based remote shell
// (serial over LAN, SSH, a simulator's serial port) into a call/response
// command API.
//
// A Console owns at most one live session at a time. It is not reentrant:
// callers that need concurrency (monitors, torture workers) create their own
// Console from their own Dialer instead of sharing one.
package console

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	expect "github.com/google/goexpect"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/logger"
)

// State is the connection state of a console
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

// DefaultPrompt is the PS1 marker negotiated with remote shells
const DefaultPrompt = "[optest-expect]#"

// Session is the expect surface of a spawned interactive process.
// *expect.GExpect satisfies it.
type Session interface {
	Send(in string) error
	Expect(re *regexp.Regexp, timeout time.Duration) (string, []string, error)
	ExpectSwitchCase(cs []expect.Caser, timeout time.Duration) (string, []string, int, error)
	Close() error
}

// Dialer spawns a new session. The returned channel reports when the
// underlying process or connection ends.
type Dialer interface {
	Dial(ctx context.Context, opts ...expect.Option) (Session, <-chan error, error)
	String() string
}

// Console is a lazily connected, transparently reconnected shell session
type Console struct {
	name   string
	dialer Dialer
	log    logger.Interface

	mu     sync.Mutex
	sess   Session
	exited <-chan error
	state  State

	prompt    string
	promptRE  *regexp.Regexp
	promptSet bool

	user     string
	password string

	connectAttempts  int
	backoffInitial   time.Duration
	backoffMax       time.Duration
	commandTimeout   time.Duration
	interruptTimeout time.Duration
	verbose          bool

	dials int
}

// Option configures a Console
type Option func(*Console)

// WithLogger sets the logger
func WithLogger(l logger.Interface) Option {
	return func(c *Console) { c.log = l }
}

// WithConnectAttempts bounds the reconnect loop
func WithConnectAttempts(n int) Option {
	return func(c *Console) {
		if n > 0 {
			c.connectAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between connect attempts
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Console) {
		c.backoffInitial = initial
		c.backoffMax = max
	}
}

// WithCommandTimeout sets the default RunCommand timeout
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Console) {
		if d > 0 {
			c.commandTimeout = d
		}
	}
}

// WithInterruptTimeout bounds the wait for the prompt after control-C
func WithInterruptTimeout(d time.Duration) Option {
	return func(c *Console) {
		if d > 0 {
			c.interruptTimeout = d
		}
	}
}

// WithPrompt overrides the unique prompt marker
func WithPrompt(p string) Option {
	return func(c *Console) {
		if p != "" {
			c.prompt = p
		}
	}
}

// WithLogin sets credentials answered at login: and Password: prompts
func WithLogin(user, password string) Option {
	return func(c *Console) {
		c.user = user
		c.password = password
	}
}

// WithVerbose tees the raw console transcript into the debug log
func WithVerbose(v bool) Option {
	return func(c *Console) { c.verbose = v }
}

// New creates a disconnected console. Nothing is dialled until first use.
func New(name string, dialer Dialer, opts ...Option) *Console {
	c := &Console{
		name:             name,
		dialer:           dialer,
		log:              logger.Nop(),
		state:            StateDisconnected,
		prompt:           DefaultPrompt,
		connectAttempts:  120,
		backoffInitial:   time.Second,
		backoffMax:       10 * time.Second,
		commandTimeout:   60 * time.Second,
		interruptTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.promptRE = regexp.MustCompile(regexp.QuoteMeta(c.prompt))
	return c
}

// Name returns the console name used in logs and metrics
func (c *Console) Name() string { return c.name }

// Prompt returns the unique prompt marker
func (c *Console) Prompt() string { return c.prompt }

// State returns the current connection state
func (c *Console) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapLocked()
	return c.state
}

// Dials returns how many sessions have been spawned so far
func (c *Console) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Connect returns once a live session exists, dialling if necessary.
// A connected console is reused without dialling.
func (c *Console) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Console) connectLocked(ctx context.Context) error {
	c.reapLocked()
	if c.state == StateConnected {
		return nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.backoffInitial),
		backoff.WithMaxInterval(c.backoffMax),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.connectAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		sess, exited, err := c.dialer.Dial(ctx, c.expectOptions()...)
		if err != nil {
			return err
		}
		c.sess, c.exited = sess, exited
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.log.Debug("[CONSOLE %s] connect attempt %d via %s failed: %v (retrying in %s)", c.name, attempts, c.dialer, err, next)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		connectsTotal.WithLabelValues(c.name, "failed").Inc()
		if ctx.Err() != nil {
			return oerrors.Wrapf(ctx.Err(), oerrors.ErrCancelled, "console %s: connect cancelled", c.name)
		}
		return oerrors.Wrapf(err, oerrors.ErrConnection, "console %s: could not connect after %d attempts", c.name, attempts)
	}

	c.dials++
	c.state = StateConnected
	c.promptSet = false
	connectsTotal.WithLabelValues(c.name, "ok").Inc()
	c.log.Info("[CONSOLE %s] connected via %s after %d attempt(s)", c.name, c.dialer, attempts)
	return nil
}

func (c *Console) expectOptions() []expect.Option {
	opts := []expect.Option{expect.PartialMatch(true), expect.CheckDuration(100 * time.Millisecond)}
	if c.verbose {
		opts = append(opts, expect.Tee(logger.DebugWriter(c.log.With("console."+c.name))))
	}
	return opts
}

// reapLocked notices a session whose process has ended
func (c *Console) reapLocked() {
	if c.sess == nil || c.exited == nil {
		return
	}
	select {
	case err := <-c.exited:
		c.log.Warn("[CONSOLE %s] session ended: %v", c.name, err)
		c.dropLocked()
	default:
	}
}

func (c *Console) dropLocked() error {
	var err error
	if c.sess != nil {
		err = c.sess.Close()
	}
	c.sess, c.exited = nil, nil
	c.state = StateDisconnected
	c.promptSet = false
	return err
}

// Close ends the session. The next use reconnects.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		c.state = StateDisconnected
		return nil
	}
	c.log.Debug("[CONSOLE %s] closing session", c.name)
	return c.dropLocked()
}

// Terminate tears the session down after it was judged unusable
func (c *Console) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Warn("[CONSOLE %s] terminating session", c.name)
	return c.dropLocked()
}

// ResetPrompt forgets the negotiated prompt, e.g. after the machine rebooted
// into a new shell behind the same session.
func (c *Console) ResetPrompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promptSet = false
}

// Send writes raw text to the session
func (c *Console) Send(ctx context.Context, s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(ctx, s)
}

// SendLine writes s followed by a newline
func (c *Console) SendLine(ctx context.Context, s string) error {
	return c.Send(ctx, s+"\n")
}

// SendControl sends the control character for key, so 'c' sends ^C
func (c *Console) SendControl(ctx context.Context, key byte) error {
	return c.Send(ctx, string([]byte{key & 0x1f}))
}

func (c *Console) sendLocked(ctx context.Context, s string) error {
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	if err := c.sess.Send(s); err != nil {
		c.dropLocked()
		return oerrors.Wrapf(err, oerrors.ErrSessionLost, "console %s: send failed", c.name)
	}
	return nil
}

// Expect waits for re and returns the text preceding the match together
// with the submatches. A timeout leaves the session open.
func (c *Console) Expect(ctx context.Context, re *regexp.Regexp, timeout time.Duration) (string, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return "", nil, err
	}
	return c.expectLocked(ctx, re, timeout)
}

func (c *Console) expectLocked(ctx context.Context, re *regexp.Regexp, timeout time.Duration) (string, []string, error) {
	timeout, err := bound(ctx, timeout)
	if err != nil {
		return "", nil, err
	}
	stop := c.closeOnCancel(ctx)
	out, match, err := c.sess.Expect(re, timeout)
	if !stop() {
		return out, nil, c.cancelledLocked(ctx, re.String())
	}
	if err != nil {
		return out, nil, c.expectError(err, re.String(), timeout)
	}
	return before(out, match), match, nil
}

// ExpectAny waits for the first of patterns to match and returns its index
// and the text preceding it.
func (c *Console) ExpectAny(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (int, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return -1, "", err
	}
	return c.expectAnyLocked(ctx, patterns, timeout)
}

func (c *Console) expectAnyLocked(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (int, string, error) {
	timeout, err := bound(ctx, timeout)
	if err != nil {
		return -1, "", err
	}
	cases := make([]expect.Caser, len(patterns))
	for i, re := range patterns {
		cases[i] = &expect.Case{R: re}
	}
	stop := c.closeOnCancel(ctx)
	out, match, idx, err := c.sess.ExpectSwitchCase(cases, timeout)
	if !stop() {
		return -1, out, c.cancelledLocked(ctx, fmt.Sprintf("%d patterns", len(patterns)))
	}
	if err != nil {
		return -1, out, c.expectError(err, fmt.Sprintf("%d patterns", len(patterns)), timeout)
	}
	return idx, before(out, match), nil
}

// closeOnCancel closes the current session if ctx ends before the returned
// stop is called, which unblocks a pending wait. stop reports false when
// the session was closed.
func (c *Console) closeOnCancel(ctx context.Context) (stop func() bool) {
	sess := c.sess
	return context.AfterFunc(ctx, func() { sess.Close() })
}

func (c *Console) cancelledLocked(ctx context.Context, what string) error {
	c.dropLocked()
	return oerrors.Wrapf(ctx.Err(), oerrors.ErrCancelled, "console %s: wait for %s cancelled", c.name, what)
}

func (c *Console) expectError(err error, what string, timeout time.Duration) error {
	if isTimeout(err) {
		return oerrors.Wrapf(err, oerrors.ErrTimeout, "console %s: %s not seen within %s", c.name, what, timeout)
	}
	c.dropLocked()
	return oerrors.Wrapf(err, oerrors.ErrSessionLost, "console %s: session lost waiting for %s", c.name, what)
}

// bound shortens timeout to the context deadline
func bound(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, oerrors.Wrap(err, oerrors.ErrCancelled, "console wait cancelled")
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			if left <= 0 {
				return 0, oerrors.Wrap(context.DeadlineExceeded, oerrors.ErrTimeout, "console wait past deadline")
			}
			timeout = left
		}
	}
	return timeout, nil
}
