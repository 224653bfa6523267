package bmc

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"golang.org/x/crypto/ssh"
)

// CommandExecutor defines the interface for executing commands
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, command string) (stdout string, stderr string, err error)
}

// ShellExecutor implements CommandExecutor by executing commands in the local shell
type ShellExecutor struct{}

// ExecuteCommand implements CommandExecutor interface
func (s *ShellExecutor) ExecuteCommand(ctx context.Context, command string) (stdout string, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	err = cmd.Run()

	// Trim any trailing newlines for consistent behavior
	stdout = strings.TrimSuffix(stdoutBuf.String(), "\n")
	stderr = strings.TrimSuffix(stderrBuf.String(), "\n")

	return stdout, stderr, err
}

// ExitStatus extracts the remote or local exit status from an executor error
func ExitStatus(err error) (int, bool) {
	var localErr *exec.ExitError
	if errors.As(err, &localErr) {
		return localErr.ExitCode(), true
	}
	var remoteErr *ssh.ExitError
	if errors.As(err, &remoteErr) {
		return remoteErr.ExitStatus(), true
	}
	return 0, false
}

// ShellJoin quotes args for sh -c
func ShellJoin(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=,@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
