package console

import (
	"errors"
	"fmt"
	"strings"

	expect "github.com/google/goexpect"

	oerrors "github.com/openpower/optest/errors"
)

// CommandFailedError reports a command that exited non-zero, or that timed
// out and was interrupted (ExitCode -1, TimedOut set).
type CommandFailedError struct {
	Command  string
	Output   []string
	ExitCode int
	TimedOut bool
}

func (e *CommandFailedError) Error() string {
	msg := fmt.Sprintf("command %q exited with %d", e.Command, e.ExitCode)
	if e.TimedOut {
		msg = fmt.Sprintf("command %q timed out and was interrupted", e.Command)
	}
	if n := len(e.Output); n > 0 {
		tail := e.Output
		if n > 5 {
			tail = tail[n-5:]
		}
		msg += ": " + strings.Join(tail, " | ")
	}
	return msg
}

// Unwrap makes errors.Is(err, oerrors.CommandFailed) hold
func (e *CommandFailedError) Unwrap() error {
	return oerrors.CommandFailed
}

// IsCommandFailed reports whether err is a command failure
func IsCommandFailed(err error) bool {
	var failed *CommandFailedError
	return errors.As(err, &failed)
}

func isTimeout(err error) bool {
	var te expect.TimeoutError
	return errors.As(err, &te)
}

func outcome(err error) string {
	var failed *CommandFailedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &failed) && failed.TimedOut:
		return "timeout"
	case errors.As(err, &failed):
		return "failed"
	case oerrors.HasCode(err, oerrors.ErrSessionLost):
		return "lost"
	default:
		return "error"
	}
}
