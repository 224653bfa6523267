package console

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	oerrors "github.com/openpower/optest/errors"
)

var (
	newlineRE  = regexp.MustCompile(`\n`)
	loginRE    = regexp.MustCompile(`login: ?$`)
	passwordRE = regexp.MustCompile(`[Pp]assword: ?$`)
	shellRE    = regexp.MustCompile(`[#$] ?$`)
	exitCodeRE = regexp.MustCompile(`(?m)^\s*(-?\d+)\s*$`)
)

// promptRounds bounds how many login/password exchanges negotiation tolerates
const promptRounds = 6

// RunCommand runs command in the remote shell and returns its output lines.
// A non-zero exit status is returned as *CommandFailedError together with
// the output. A command that does not return to the prompt within timeout
// is interrupted with control-C; if the shell still does not answer the
// session is torn down and an ErrSessionLost error is returned.
func (c *Console) RunCommand(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout <= 0 {
		timeout = c.commandTimeout
	}

	start := time.Now()
	lines, err := c.runLocked(ctx, command, timeout)
	commandSeconds.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	commandsTotal.WithLabelValues(c.name, outcome(err)).Inc()
	return lines, err
}

// RunCommandIgnoreFail is RunCommand for best effort callers: a command
// failure, including a timeout recovered by control-C, returns the captured
// output and no error. Transport failures are still returned.
func (c *Console) RunCommandIgnoreFail(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	lines, err := c.RunCommand(ctx, command, timeout)
	var failed *CommandFailedError
	if errors.As(err, &failed) {
		c.log.Debug("[CONSOLE %s] ignoring failure of %q: exit %d", c.name, command, failed.ExitCode)
		return failed.Output, nil
	}
	return lines, err
}

// UniquePrompt (re)negotiates the unique PS1 marker with the remote shell,
// logging in first if the console shows a login prompt.
func (c *Console) UniquePrompt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	c.promptSet = false
	return c.negotiateLocked(ctx)
}

func (c *Console) runLocked(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	if !c.promptSet {
		if err := c.negotiateLocked(ctx); err != nil {
			return nil, err
		}
	}

	c.log.Debug("[CONSOLE %s] $ %s", c.name, command)
	output, err := c.roundTripLocked(ctx, command, timeout)
	if err != nil {
		return nil, c.recoverLocked(ctx, command, output, err)
	}

	status, err := c.roundTripLocked(ctx, "echo $?", timeout)
	if err != nil {
		return nil, c.recoverLocked(ctx, command, output, err)
	}

	code, err := parseExitCode(status)
	if err != nil {
		c.dropLocked()
		return nil, oerrors.Wrapf(err, oerrors.ErrSessionLost, "console %s: lost command framing after %q", c.name, command)
	}

	lines := splitLines(output)
	if code != 0 {
		return lines, &CommandFailedError{Command: command, Output: lines, ExitCode: code}
	}
	return lines, nil
}

// roundTripLocked sends one line, consumes its echo and returns everything
// printed before the next prompt.
func (c *Console) roundTripLocked(ctx context.Context, line string, timeout time.Duration) (string, error) {
	if err := c.sendLocked(ctx, line+"\n"); err != nil {
		return "", err
	}
	if echo, _, err := c.expectLocked(ctx, newlineRE, timeout); err != nil {
		return echo, err
	}
	out, _, err := c.expectLocked(ctx, c.promptRE, timeout)
	return out, err
}

// recoverLocked handles a failed round trip. Timeouts get one control-C;
// anything else already dropped the session.
func (c *Console) recoverLocked(ctx context.Context, command, partial string, cause error) error {
	if c.sess == nil {
		return cause
	}
	if !oerrors.IsTimeout(cause) {
		// Cancelled mid-command: the framing of anything still in flight is unknown.
		c.dropLocked()
		return cause
	}

	c.log.Warn("[CONSOLE %s] %q timed out, sending control-C", c.name, command)
	if err := c.sess.Send("\x03"); err == nil {
		if _, _, err := c.expectLocked(context.WithoutCancel(ctx), c.promptRE, c.interruptTimeout); err == nil {
			return &CommandFailedError{
				Command:  command,
				Output:   splitLines(partial),
				ExitCode: -1,
				TimedOut: true,
			}
		}
	}

	c.log.Error("[CONSOLE %s] shell did not recover from control-C, tearing session down", c.name)
	c.dropLocked()
	return oerrors.Wrapf(cause, oerrors.ErrSessionLost, "console %s: %q hung and control-C did not recover the shell", c.name, command)
}

// negotiateLocked drives the terminal to a shell prompt and sets PS1 to the
// unique marker.
func (c *Console) negotiateLocked(ctx context.Context) error {
	if err := c.sendLocked(ctx, "\n"); err != nil {
		return err
	}

	patterns := []*regexp.Regexp{c.promptRE, shellRE, loginRE, passwordRE}
	atShell := false
	for round := 0; round < promptRounds && !atShell; round++ {
		if err := ctx.Err(); err != nil {
			return oerrors.Wrapf(err, oerrors.ErrCancelled, "console %s: prompt negotiation cancelled", c.name)
		}
		idx, _, err := c.expectAnyLocked(ctx, patterns, c.commandTimeout)
		if err != nil {
			if oerrors.IsTimeout(err) {
				// Nudge a quiet terminal and look again.
				if err := c.sendLocked(ctx, "\n"); err != nil {
					return err
				}
				continue
			}
			return err
		}

		switch idx {
		case 0, 1:
			atShell = true
		case 2:
			if c.user == "" {
				return oerrors.Newf(oerrors.ErrConfiguration, "console %s: login prompt but no credentials configured", c.name)
			}
			if err := c.sendLocked(ctx, c.user+"\n"); err != nil {
				return err
			}
		case 3:
			if err := c.sendLocked(ctx, c.password+"\n"); err != nil {
				return err
			}
		}
	}
	if !atShell {
		return oerrors.Newf(oerrors.ErrTimeout, "console %s: no shell prompt after %d rounds", c.name, promptRounds)
	}

	if err := c.sendLocked(ctx, "PS1="+shellEscape(c.prompt)+"\n"); err != nil {
		return err
	}
	if _, _, err := c.expectLocked(ctx, newlineRE, c.commandTimeout); err != nil {
		return err
	}
	if _, _, err := c.expectLocked(ctx, c.promptRE, c.commandTimeout); err != nil {
		return err
	}

	c.promptSet = true
	c.log.Debug("[CONSOLE %s] prompt set to %s", c.name, c.prompt)
	return nil
}

// shellEscape backslash escapes every non alphanumeric byte so the echoed
// assignment never contains the literal marker.
func shellEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('\\')
		b.WriteRune(r)
	}
	return b.String()
}

func parseExitCode(s string) (int, error) {
	matches := exitCodeRE.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, oerrors.Newf(oerrors.ErrInvalidInput, "no exit code in %q", s)
	}
	return strconv.Atoi(matches[len(matches)-1][1])
}

// splitLines turns terminal output into lines without carriage returns
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}

// before returns the part of out preceding the match
func before(out string, match []string) string {
	if len(match) == 0 {
		return out
	}
	if i := strings.LastIndex(out, match[0]); i >= 0 {
		return out[:i]
	}
	return out
}
