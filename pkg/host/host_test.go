package host

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/console"
)

type cannedExec struct {
	stdout string
	stderr string
	code   uint32
}

// sshServer is a minimal exec-only SSH server answering canned commands
type sshServer struct {
	listener net.Listener
	commands map[string]cannedExec

	mu    sync.Mutex
	conns int
}

func startSSHServer(t *testing.T, commands map[string]cannedExec) *sshServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "passw0rd" {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sshServer{listener: l, commands: commands}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, cfg)
		}
	}()
	return s
}

func (s *sshServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				ssh.Unmarshal(req.Payload, &payload)
				req.Reply(true, nil)

				canned, ok := s.commands[payload.Command]
				if !ok {
					canned = cannedExec{stderr: "sh: " + payload.Command + ": not found\n", code: 127}
				}
				ch.Write([]byte(canned.stdout))
				ch.Stderr().Write([]byte(canned.stderr))
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{canned.code}))
				ch.Close()
				return
			}
		}()
	}
}

func (s *sshServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func newTestHost(t *testing.T, srv *sshServer) *Host {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.listener.Addr().String())
	require.NoError(t, err)
	p, _ := strconv.Atoi(port)
	h := New(Config{IP: host, Port: p, User: "root", Password: "passw0rd", ScratchDisk: "/dev/sdb"}, nil)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestRunCommandOverSSH(t *testing.T) {
	srv := startSSHServer(t, map[string]cannedExec{
		"uname -m":    {stdout: "ppc64le\n"},
		"lspci -k":    {stdout: "0000:00:00.0 PCI bridge\n0001:00:00.0 PCI bridge\n"},
		"cat /nosuch": {stderr: "cat: /nosuch: No such file or directory\n", code: 1},
		"hostname -s": {stdout: "p9-rack3\n"},
	})
	h := newTestHost(t, srv)
	ctx := context.Background()

	out, err := h.RunCommand(ctx, "uname -m", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"ppc64le"}, out)

	out, err = h.RunCommand(ctx, "lspci -k", time.Minute)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	_, err = h.RunCommand(ctx, "cat /nosuch", time.Minute)
	var failed *console.CommandFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 1, failed.ExitCode)
	assert.Equal(t, []string{"cat: /nosuch: No such file or directory"}, failed.Output)

	out, err = h.RunCommandIgnoreFail(ctx, "cat /nosuch", time.Minute)
	assert.NoError(t, err)
	assert.Empty(t, out)

	name, err := h.Hostname(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p9-rack3", name)

	assert.Equal(t, 1, srv.connections(), "one SSH connection serves every command")
}

func TestDisconnectRedials(t *testing.T) {
	srv := startSSHServer(t, map[string]cannedExec{"true": {}})
	h := newTestHost(t, srv)
	ctx := context.Background()

	_, err := h.RunCommand(ctx, "true", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Disconnect())
	_, err = h.RunCommand(ctx, "true", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.connections())
}

func TestAccessors(t *testing.T) {
	h := New(Config{IP: "10.1.2.3", Hostname: "p9", ScratchDisk: "/dev/sdb"}, nil)

	assert.Equal(t, "10.1.2.3", h.IP())
	assert.Equal(t, "/dev/sdb", h.ScratchDisk())
	name, err := h.Hostname(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p9", name)

	c, err := h.NewConsole("host-mon")
	require.NoError(t, err)
	assert.Equal(t, "host-mon", c.Name())
	assert.Equal(t, console.StateDisconnected, c.State())
}

// pingExec answers ping after a number of failures
type pingExec struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (p *pingExec) ExecuteCommand(ctx context.Context, command string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, command)
	if p.failures > 0 {
		p.failures--
		return "", "1 packets transmitted, 0 received", errors.New("exit status 1")
	}
	return "1 packets transmitted, 1 received", "", nil
}

func newPingHost(ip string, failures int) (*Host, *pingExec) {
	h := New(Config{IP: ip}, nil)
	p := &pingExec{failures: failures}
	h.local = p
	h.pingInitial = time.Millisecond
	h.pingMax = time.Millisecond
	return h, p
}

func TestWaitForPing(t *testing.T) {
	h, p := newPingHost("10.1.2.3", 3)

	require.NoError(t, h.WaitForPing(context.Background(), time.Minute))
	assert.Len(t, p.calls, 4)
	assert.Equal(t, "ping -c 1 -W 1 10.1.2.3", p.calls[0])
}

func TestWaitForPingTimeout(t *testing.T) {
	h, _ := newPingHost("10.1.2.3", 1000)

	err := h.WaitForPing(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, oerrors.ErrTimeout, oerrors.GetCode(err))
	assert.True(t, strings.Contains(err.Error(), "did not answer ping"))
}

func TestWaitForPingWithoutIP(t *testing.T) {
	h, p := newPingHost("", 0)

	err := h.WaitForPing(context.Background(), time.Minute)
	assert.Equal(t, oerrors.ErrConfiguration, oerrors.GetCode(err))
	assert.Empty(t, p.calls)
}
