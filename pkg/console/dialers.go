package console

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	expect "github.com/google/goexpect"
	"github.com/tarm/serial"
	"golang.org/x/crypto/ssh"
)

// spawnTimeout is goexpect's default expect timeout; every wait in this
// package passes an explicit timeout so it is only a backstop.
const spawnTimeout = 10 * time.Minute

// CommandDialer spawns a local command on a PTY, e.g. `ipmitool sol activate`
type CommandDialer struct {
	Args []string
	// Prepare runs before every spawn; SOL consoles use it to deactivate a
	// stale session left by a previous run.
	Prepare func(ctx context.Context) error
}

func (d *CommandDialer) Dial(ctx context.Context, opts ...expect.Option) (Session, <-chan error, error) {
	if len(d.Args) == 0 {
		return nil, nil, fmt.Errorf("no command to spawn")
	}
	if d.Prepare != nil {
		if err := d.Prepare(ctx); err != nil {
			return nil, nil, fmt.Errorf("prepare %s: %w", d.Args[0], err)
		}
	}
	e, exited, err := expect.SpawnWithArgs(d.Args, spawnTimeout, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn %s: %w", d.Args[0], err)
	}
	return e, exited, nil
}

func (d *CommandDialer) String() string {
	return redact(strings.Join(d.Args, " "))
}

// SSHDialer opens an interactive PTY shell over SSH
type SSHDialer struct {
	Addr   string
	Config *ssh.ClientConfig
}

type sshSession struct {
	*expect.GExpect
	client *ssh.Client
}

func (s *sshSession) Close() error {
	err := s.GExpect.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *SSHDialer) Dial(ctx context.Context, opts ...expect.Option) (Session, <-chan error, error) {
	client, err := dialSSH(ctx, d.Addr, d.Config)
	if err != nil {
		return nil, nil, err
	}
	e, exited, err := expect.SpawnSSH(client, spawnTimeout, opts...)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ssh shell on %s: %w", d.Addr, err)
	}
	return &sshSession{GExpect: e, client: client}, exited, nil
}

func (d *SSHDialer) String() string {
	user := ""
	if d.Config != nil {
		user = d.Config.User + "@"
	}
	return "ssh://" + user + d.Addr
}

// dialSSH is ssh.Dial honouring ctx
func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var nd net.Dialer
	if cfg.Timeout > 0 {
		nd.Timeout = cfg.Timeout
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// StreamDialer adapts any byte stream (unix socket, serial port, container
// attach) into a session.
type StreamDialer struct {
	Name string
	Open func(ctx context.Context) (io.ReadWriteCloser, error)
}

func (d *StreamDialer) Dial(ctx context.Context, opts ...expect.Option) (Session, <-chan error, error) {
	rwc, err := d.Open(ctx)
	if err != nil {
		return nil, nil, err
	}

	s := newStream(rwc)
	e, exited, err := expect.SpawnGeneric(&expect.GenOptions{
		In:    s,
		Out:   s,
		Wait:  s.wait,
		Close: s.Close,
		Check: s.alive,
	}, spawnTimeout, opts...)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return e, exited, nil
}

func (d *StreamDialer) String() string { return d.Name }

// stream marks itself over on EOF so goexpect stops reading a dead stream
type stream struct {
	rwc  io.ReadWriteCloser
	once sync.Once
	over chan struct{}
	err  error
}

func newStream(rwc io.ReadWriteCloser) *stream {
	return &stream{rwc: rwc, over: make(chan struct{})}
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.rwc.Read(p)
	if err != nil {
		s.end(err)
	}
	return n, err
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.rwc.Write(p)
	if err != nil {
		s.end(err)
	}
	return n, err
}

func (s *stream) Close() error {
	s.end(nil)
	return s.rwc.Close()
}

func (s *stream) end(err error) {
	s.once.Do(func() {
		if err != io.EOF {
			s.err = err
		}
		close(s.over)
	})
}

func (s *stream) wait() error {
	<-s.over
	return s.err
}

func (s *stream) alive() bool {
	select {
	case <-s.over:
		return false
	default:
		return true
	}
}

// UnixSocketDialer connects to a listening unix socket, e.g. a QEMU serial chardev
func UnixSocketDialer(path string) *StreamDialer {
	return &StreamDialer{
		Name: "unix://" + path,
		Open: func(ctx context.Context) (io.ReadWriteCloser, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
}

// SerialDialer opens a local serial device. Reads block until data arrives.
func SerialDialer(device string, baud int) *StreamDialer {
	return &StreamDialer{
		Name: "serial://" + device,
		Open: func(ctx context.Context) (io.ReadWriteCloser, error) {
			return serial.OpenPort(&serial.Config{Name: device, Baud: baud})
		},
	}
}

// redact hides the value following -P in command lines
func redact(s string) string {
	fields := strings.Fields(s)
	for i := 0; i < len(fields)-1; i++ {
		if fields[i] == "-P" {
			fields[i+1] = "****"
		}
	}
	return strings.Join(fields, " ")
}
