package bmc

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/logger"
	"github.com/openpower/optest/pkg/retry"
)

// SSHConfig holds the configuration for SSH connections
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	Timeout  time.Duration
	Retry    retry.Config
}

// SSHExecutor implements CommandExecutor over a lazily dialled SSH client.
// The client is shared by every command and redialled after Disconnect.
type SSHExecutor struct {
	config SSHConfig
	log    logger.Interface

	mu     sync.Mutex
	client *ssh.Client
	closed bool
}

// NewSSHExecutor creates a new SSHExecutor from connection parameters
func NewSSHExecutor(config SSHConfig, log logger.Interface) *SSHExecutor {
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SSHExecutor{config: config, log: log}
}

// Addr returns host:port
func (s *SSHExecutor) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// ClientConfig builds the ssh client configuration. Key file and password
// authentication are both offered when configured.
func (s *SSHExecutor) ClientConfig() (*ssh.ClientConfig, error) {
	return ClientConfig(s.config.User, s.config.Password, s.config.KeyFile, s.config.Timeout)
}

// ClientConfig builds an ssh client configuration for lab machines, which
// are reinstalled too often for host key pinning.
func ClientConfig(user, password, keyFile string, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if keyFile != "" {
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, oerrors.Wrapf(err, oerrors.ErrConfiguration, "read ssh key %s", keyFile)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, oerrors.Wrapf(err, oerrors.ErrConfiguration, "parse ssh key %s", keyFile)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password), ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Client returns the cached SSH client, dialling with retries when needed
func (s *SSHExecutor) Client(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, oerrors.New(oerrors.ErrInvalidInput, "ssh executor is closed")
	}
	if s.client != nil {
		return s.client, nil
	}

	cfg, err := s.ClientConfig()
	if err != nil {
		return nil, err
	}

	addr := s.Addr()
	retryCfg := s.config.Retry
	retryCfg.OnRetry = func(attempt int, err error) {
		s.log.Debug("[SSH %s] dial attempt %d failed: %v", addr, attempt, err)
	}
	err = retry.WithBackoff(ctx, func(ctx context.Context) error {
		var d net.Dialer
		d.Timeout = cfg.Timeout
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return oerrors.Wrapf(err, oerrors.ErrConnection, "dial %s", addr)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			return oerrors.Wrapf(err, oerrors.ErrConnection, "ssh handshake with %s", addr)
		}
		s.client = ssh.NewClient(c, chans, reqs)
		return nil
	}, retryCfg)
	if err != nil {
		return nil, err
	}

	s.log.Debug("[SSH %s] connected as %s", addr, s.config.User)
	return s.client, nil
}

// ExecuteCommand implements CommandExecutor interface by running commands over SSH
func (s *SSHExecutor) ExecuteCommand(ctx context.Context, command string) (string, string, error) {
	client, err := s.Client(ctx)
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		// A dead transport fails here; forget it so the next call redials.
		s.Disconnect()
		return "", "", oerrors.Wrapf(err, oerrors.ErrConnection, "open session on %s", s.Addr())
	}
	defer session.Close()

	var stdoutBuf, stderrBuf strings.Builder
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return stdoutBuf.String(), stderrBuf.String(), oerrors.Wrapf(ctx.Err(), oerrors.ErrCancelled, "ssh %s: %s", s.Addr(), command)
	}

	stdout := strings.TrimSuffix(stdoutBuf.String(), "\n")
	stderr := strings.TrimSuffix(stderrBuf.String(), "\n")
	if _, ok := err.(*ssh.ExitMissingError); ok {
		s.Disconnect()
		return stdout, stderr, oerrors.Wrapf(err, oerrors.ErrConnection, "ssh %s: connection dropped", s.Addr())
	}
	return stdout, stderr, err
}

// Disconnect drops the cached client; the next command redials
func (s *SSHExecutor) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Close disconnects and refuses further commands
func (s *SSHExecutor) Close() error {
	err := s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to close SSH client: %w", err)
	}
	return nil
}
