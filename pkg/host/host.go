// Package host talks to the operating system running on the system under
// test: commands over SSH, file copies over SFTP and network reachability.
package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/bmc"
	"github.com/openpower/optest/pkg/console"
	"github.com/openpower/optest/pkg/logger"
)

// Config holds the host connection details
type Config struct {
	IP          string
	Hostname    string
	User        string
	Password    string
	KeyFile     string
	Port        int
	ScratchDisk string
}

// Host is the in-band view of the system under test
type Host struct {
	config Config
	ssh    *bmc.SSHExecutor
	local  bmc.CommandExecutor
	log    logger.Interface

	pingInitial time.Duration
	pingMax     time.Duration
}

// New creates a host adapter. Nothing is dialled until first use.
func New(config Config, log logger.Interface) *Host {
	if log == nil {
		log = logger.Nop()
	}
	if config.Port == 0 {
		config.Port = 22
	}
	return &Host{
		config: config,
		ssh: bmc.NewSSHExecutor(bmc.SSHConfig{
			Host:     config.IP,
			Port:     config.Port,
			User:     config.User,
			Password: config.Password,
			KeyFile:  config.KeyFile,
		}, log.With("host-ssh")),
		local:       &bmc.ShellExecutor{},
		log:         log,
		pingInitial: time.Second,
		pingMax:     10 * time.Second,
	}
}

// IP returns the host address
func (h *Host) IP() string { return h.config.IP }

// ScratchDisk returns the disk tests may destroy
func (h *Host) ScratchDisk() string { return h.config.ScratchDisk }

// Hostname returns the configured hostname, asking the host when unset
func (h *Host) Hostname(ctx context.Context) (string, error) {
	if h.config.Hostname != "" {
		return h.config.Hostname, nil
	}
	lines, err := h.RunCommand(ctx, "hostname -s", 30*time.Second)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", oerrors.New(oerrors.ErrPlatform, "hostname printed nothing")
	}
	return strings.TrimSpace(lines[0]), nil
}

// RunCommand runs command over SSH exec and returns its stdout lines. A
// non-zero exit status is a *console.CommandFailedError carrying the output.
func (h *Host) RunCommand(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	h.log.Debug("[HOST %s] $ %s", h.config.IP, command)
	stdout, stderr, err := h.ssh.ExecuteCommand(ctx, command)
	lines := splitOutput(stdout)
	if err == nil {
		return lines, nil
	}
	if code, ok := bmc.ExitStatus(err); ok {
		return lines, &console.CommandFailedError{
			Command:  command,
			Output:   append(lines, splitOutput(stderr)...),
			ExitCode: code,
		}
	}
	if oerrors.IsCancelled(err) && ctx.Err() == context.DeadlineExceeded {
		return lines, &console.CommandFailedError{Command: command, Output: lines, ExitCode: -1, TimedOut: true}
	}
	return lines, err
}

// RunCommandIgnoreFail swallows command failures and returns the output
func (h *Host) RunCommandIgnoreFail(ctx context.Context, command string, timeout time.Duration) ([]string, error) {
	lines, err := h.RunCommand(ctx, command, timeout)
	if console.IsCommandFailed(err) {
		return lines, nil
	}
	return lines, err
}

func splitOutput(s string) []string {
	s = strings.TrimRight(strings.ReplaceAll(s, "\r", ""), "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}

// CopyFile copies a file to (toRemote) or from the host over SFTP
func (h *Host) CopyFile(ctx context.Context, localPath, remotePath string, toRemote bool) error {
	client, err := h.ssh.Client(ctx)
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return oerrors.Wrap(err, oerrors.ErrConnection, "failed to create SFTP client")
	}
	defer sftpClient.Close()

	if toRemote {
		h.log.Info("[HOST %s] uploading %s to %s", h.config.IP, localPath, remotePath)
		return upload(sftpClient, localPath, remotePath)
	}
	h.log.Info("[HOST %s] downloading %s to %s", h.config.IP, remotePath, localPath)
	return download(sftpClient, remotePath, localPath)
}

func upload(client *sftp.Client, localPath, remotePath string) error {
	remoteDir := filepath.Dir(remotePath)
	if err := client.MkdirAll(remoteDir); err != nil {
		if _, statErr := client.Stat(remoteDir); os.IsNotExist(statErr) {
			return fmt.Errorf("failed to create remote directory %s: %w", remoteDir, err)
		}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		_ = client.Remove(remotePath)
		return fmt.Errorf("failed to copy content to remote: %w", err)
	}
	return nil
}

func download(client *sftp.Client, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}

	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file %s: %w", localPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("failed to copy content to local: %w", err)
	}
	return nil
}

// Ping sends one ICMP echo from the machine running the tests
func (h *Host) Ping(ctx context.Context) error {
	if h.config.IP == "" {
		return oerrors.New(oerrors.ErrConfiguration, "host ip not configured")
	}
	_, stderr, err := h.local.ExecuteCommand(ctx, bmc.ShellJoin("ping", "-c", "1", "-W", "1", h.config.IP))
	if err != nil {
		return oerrors.WithContext(
			oerrors.Wrapf(err, oerrors.ErrConnection, "%s does not answer ping", h.config.IP),
			map[string]interface{}{"stderr": stderr},
		)
	}
	return nil
}

// WaitForPing waits until the host answers ping or timeout expires
func (h *Host) WaitForPing(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(h.pingInitial),
		backoff.WithMaxInterval(h.pingMax),
		backoff.WithMaxElapsedTime(timeout),
	)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := h.Ping(ctx)
		if oerrors.GetCode(err) == oerrors.ErrConfiguration {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		h.log.Debug("[HOST %s] no ping reply yet (attempt %d), retrying in %s", h.config.IP, attempts, next)
	})
	if err == nil {
		h.log.Info("[HOST %s] answers ping", h.config.IP)
		return nil
	}
	if ctx.Err() != nil {
		return oerrors.Wrap(ctx.Err(), oerrors.ErrCancelled, "wait for ping cancelled")
	}
	if oerrors.GetCode(err) == oerrors.ErrConfiguration {
		return err
	}
	return oerrors.Wrapf(err, oerrors.ErrTimeout, "%s did not answer ping within %s (%d attempts)", h.config.IP, timeout, attempts)
}

// Disconnect drops the cached SSH connection. Called when the machine powers off.
func (h *Host) Disconnect() error {
	return h.ssh.Disconnect()
}

// Close releases the SSH connection for good
func (h *Host) Close() error {
	return h.ssh.Close()
}

// NewConsole returns an independent interactive SSH console to the host,
// for callers (monitors, torture workers) that need their own session.
func (h *Host) NewConsole(name string, opts ...console.Option) (*console.Console, error) {
	cfg, err := h.ssh.ClientConfig()
	if err != nil {
		return nil, err
	}
	return console.New(name, &console.SSHDialer{Addr: h.ssh.Addr(), Config: cfg}, opts...), nil
}
