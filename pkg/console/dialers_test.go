package console

import (
	"context"
	"io"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	expect "github.com/google/goexpect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func pipeDialer(client net.Conn) *StreamDialer {
	return &StreamDialer{
		Name: "pipe",
		Open: func(ctx context.Context) (io.ReadWriteCloser, error) { return client, nil },
	}
}

func TestStreamDialerRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		if strings.TrimSpace(string(buf[:n])) == "ping" {
			server.Write([]byte("pong\r\n"))
		}
	}()

	sess, exited, err := pipeDialer(client).Dial(context.Background(), expect.PartialMatch(true))
	require.NoError(t, err)

	require.NoError(t, sess.Send("ping\n"))
	out, _, err := sess.Expect(regexp.MustCompile("pong"), 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, "pong")

	require.NoError(t, sess.Close())
	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not report exit after Close")
	}
}

func TestStreamDialerReportsRemoteHangup(t *testing.T) {
	client, server := net.Pipe()

	sess, exited, err := pipeDialer(client).Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, server.Close())
	select {
	case err := <-exited:
		assert.NoError(t, err, "EOF is a clean end of stream")
	case <-time.After(5 * time.Second):
		t.Fatal("hangup not reported")
	}
}

func TestCommandDialerPrepareFailure(t *testing.T) {
	d := &CommandDialer{
		Args:    []string{"ipmitool", "-H", "bmc", "-P", "secret", "sol", "activate"},
		Prepare: func(ctx context.Context) error { return io.ErrUnexpectedEOF },
	}
	sess, _, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, "ipmitool -H bmc -P **** sol activate", d.String())
}

func TestCommandDialerNoArgs(t *testing.T) {
	_, _, err := (&CommandDialer{}).Dial(context.Background())
	assert.Error(t, err)
}

func TestDialerNames(t *testing.T) {
	assert.Equal(t, "unix:///run/qemu/serial.sock", UnixSocketDialer("/run/qemu/serial.sock").String())
	assert.Equal(t, "serial:///dev/ttyUSB0", SerialDialer("/dev/ttyUSB0", 115200).String())
	assert.Equal(t, "ssh://sysadmin@bmc:2200", (&SSHDialer{Addr: "bmc:2200", Config: &ssh.ClientConfig{User: "sysadmin"}}).String())
}

func TestUnixSocketDialerMissingSocket(t *testing.T) {
	_, _, err := UnixSocketDialer(t.TempDir() + "/absent.sock").Dial(context.Background())
	assert.Error(t, err)
}
