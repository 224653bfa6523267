package bmc

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/openpower/optest/errors"
)

type mockResponse struct {
	stdout string
	stderr string
	err    error
}

// mockExecutor implements CommandExecutor for testing. Responses are keyed
// by command suffix; a key with several responses plays them in order and
// repeats the last one.
type mockExecutor struct {
	mu        sync.Mutex
	responses map[string][]mockResponse
	calls     []string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{responses: make(map[string][]mockResponse)}
}

func (m *mockExecutor) addResponse(suffix string, stdout, stderr string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[suffix] = append(m.responses[suffix], mockResponse{stdout, stderr, err})
}

func (m *mockExecutor) ExecuteCommand(ctx context.Context, command string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, command)

	for suffix, queue := range m.responses {
		if !strings.HasSuffix(command, suffix) {
			continue
		}
		r := queue[0]
		if len(queue) > 1 {
			m.responses[suffix] = queue[1:]
		}
		return r.stdout, r.stderr, r.err
	}
	err := fmt.Errorf("no mock response for command: %s", command)
	return "", err.Error(), err
}

func (m *mockExecutor) count(suffix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.HasSuffix(c, suffix) {
			n++
		}
	}
	return n
}

// slowExecutor delays every command like a BMC answering slowly
type slowExecutor struct {
	CommandExecutor
	delay time.Duration
}

func (s *slowExecutor) ExecuteCommand(ctx context.Context, command string) (string, string, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
	return s.CommandExecutor.ExecuteCommand(ctx, command)
}

func newTestIPMI(exec CommandExecutor) *IPMITool {
	t := NewIPMITool(exec, IPMIConfig{Host: "bmc1", User: "ADMIN", Password: "admin"}, nil)
	t.pollInterval = time.Millisecond
	return t
}

func TestIPMI_CommandLine(t *testing.T) {
	exec := newMockExecutor()
	exec.addResponse("chassis power on", "Chassis Power Control: Up/On", "", nil)

	require.NoError(t, newTestIPMI(exec).PowerOn(context.Background()))
	assert.Equal(t, []string{"ipmitool -I lanplus -H bmc1 -U ADMIN -P admin chassis power on"}, exec.calls)
}

func TestIPMI_PowerStatus(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   PowerState
	}{
		{"on", "Chassis Power is on", PowerStateOn},
		{"off", "Chassis Power is off", PowerStateOff},
		{"garbage", "Error: Unable to establish IPMI v2 / RMCP+ session", PowerStateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newMockExecutor()
			exec.addResponse("chassis power status", tt.stdout, "", nil)
			got, err := newTestIPMI(exec).PowerStatus(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIPMI_CommandFailureIsPlatformError(t *testing.T) {
	exec := newMockExecutor()
	exec.addResponse("chassis power off", "", "Unable to establish IPMI v2 / RMCP+ session", fmt.Errorf("exit status 1"))

	err := newTestIPMI(exec).PowerOff(context.Background())
	require.Error(t, err)
	assert.Equal(t, oerrors.ErrPlatform, oerrors.GetCode(err))
	assert.Equal(t, "Unable to establish IPMI v2 / RMCP+ session", oerrors.GetContext(err)["stderr"])
}

func TestIPMI_Bootdev(t *testing.T) {
	exec := newMockExecutor()
	exec.addResponse("chassis bootdev bios", "Set Boot Device to bios", "", nil)
	exec.addResponse("chassis bootdev none", "Unexpected", "", nil)
	tool := newTestIPMI(exec)

	assert.NoError(t, tool.BootdevSetup(context.Background()))
	err := tool.BootdevNone(context.Background())
	require.Error(t, err)
	assert.Equal(t, oerrors.ErrPlatform, oerrors.GetCode(err))
}

func TestIPMI_SELCheck(t *testing.T) {
	exec := newMockExecutor()
	exec.addResponse("sel elist", strings.Join([]string{
		"   1 | 05/12/2025 | 10:01:02 | Event Logging Disabled #0x51 | Log area reset/cleared | Asserted",
		"   2 | 05/12/2025 | 10:05:40 | Processor #0x05 | Transition to Non-recoverable | Asserted",
	}, "\n"), "", nil)
	tool := newTestIPMI(exec)

	err := tool.SELCheck(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, oerrors.ErrPlatform, oerrors.GetCode(err))
	assert.Len(t, oerrors.GetContext(err)["entries"], 1)

	assert.NoError(t, tool.SELCheck(context.Background(), regexp.MustCompile("Watchdog")))
}

func TestIPMI_SELListEmpty(t *testing.T) {
	exec := newMockExecutor()
	exec.addResponse("sel elist", "SEL has no entries", "", nil)

	entries, err := newTestIPMI(exec).SELList(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIPMI_SDRClearWaitsForEmptyLog(t *testing.T) {
	exec := newMockExecutor()
	exec.addResponse("sel clear", "Clearing SEL.  Please allow a few seconds to erase.", "", nil)
	exec.addResponse("sel elist", "   1 | Power Unit | Power off/down | Asserted", "", nil)
	exec.addResponse("sel elist", "   1 | Event Logging Disabled | Log area reset/cleared | Asserted", "", nil)

	require.NoError(t, newTestIPMI(exec).SDRClear(context.Background()))
	assert.Equal(t, 2, exec.count("sel elist"))
}

func TestIPMI_WaitForStandby(t *testing.T) {
	running := "Host Status      | 51h | ok  | 33.1 | S0/G0: working"
	off := "Host Status      | 51h | ok  | 33.1 | S5/G2: soft-off"

	t.Run("reaches soft-off", func(t *testing.T) {
		exec := newMockExecutor()
		exec.addResponse("sdr elist", running, "", nil)
		exec.addResponse("sdr elist", running, "", nil)
		exec.addResponse("sdr elist", off, "", nil)

		require.NoError(t, newTestIPMI(exec).WaitForStandby(context.Background(), time.Second))
		assert.Equal(t, 3, exec.count("sdr elist"))
	})

	t.Run("sensor missing", func(t *testing.T) {
		exec := newMockExecutor()
		exec.addResponse("sdr elist", "CPU Temp | 01h | ok | 3.1 | 45 degrees C", "", nil)

		err := newTestIPMI(exec).WaitForStandby(context.Background(), time.Second)
		assert.True(t, oerrors.IsUnavailable(err))
		assert.Equal(t, 1, exec.count("sdr elist"))
	})

	t.Run("slow BMC is bounded by the timeout", func(t *testing.T) {
		exec := newMockExecutor()
		exec.addResponse("sdr elist", running, "", nil)

		start := time.Now()
		err := newTestIPMI(&slowExecutor{CommandExecutor: exec, delay: 30 * time.Millisecond}).
			WaitForStandby(context.Background(), 100*time.Millisecond)
		require.Error(t, err)
		assert.Equal(t, oerrors.ErrTimeout, oerrors.GetCode(err))
		assert.Less(t, time.Since(start), time.Second)
		assert.LessOrEqual(t, exec.count("sdr elist"), 4)
	})

	t.Run("never reaches standby", func(t *testing.T) {
		exec := newMockExecutor()
		exec.addResponse("sdr elist", running, "", nil)

		err := newTestIPMI(exec).WaitForStandby(context.Background(), 5*time.Millisecond)
		require.Error(t, err)
		assert.Equal(t, oerrors.ErrTimeout, oerrors.GetCode(err))
	})
}

func TestIPMI_SOLDialer(t *testing.T) {
	exec := newMockExecutor()
	exec.addResponse("sol deactivate", "", "Info: SOL payload already de-activated", fmt.Errorf("exit status 1"))
	d := newTestIPMI(exec).SOLDialer()

	assert.Equal(t, []string{"ipmitool", "-I", "lanplus", "-H", "bmc1", "-U", "ADMIN", "-P", "admin", "sol", "activate"}, d.Args)
	assert.NoError(t, d.Prepare(context.Background()), "a failing deactivate does not block activation")
	assert.Equal(t, 1, exec.count("sol deactivate"))
}

func TestFSP_PowerAndStandby(t *testing.T) {
	shell := newMockExecutor()
	shell.addResponse("plckIPLRequest 0x01", "", "", nil)
	shell.addResponse("panlexec -f 8", "", "", nil)
	shell.addResponse("smgr mfgState", "runtime", "", nil)
	shell.addResponse("smgr mfgState", "Standby\n", "", nil)

	fsp := NewFSP(shell, nil, nil)
	fsp.pollInterval = time.Millisecond
	ctx := context.Background()

	require.NoError(t, fsp.PowerOn(ctx))
	require.NoError(t, fsp.PowerOff(ctx))
	require.NoError(t, fsp.WaitForStandby(ctx, time.Second))
	assert.Equal(t, 2, shell.count("smgr mfgState"))
}

func TestFSP_StandbyTimeout(t *testing.T) {
	shell := newMockExecutor()
	shell.addResponse("smgr mfgState", "ipling", "", nil)

	fsp := NewFSP(shell, nil, nil)
	fsp.pollInterval = time.Millisecond

	err := fsp.WaitForStandby(context.Background(), 3*time.Millisecond)
	assert.True(t, oerrors.IsTimeout(err))
}

func TestShellExecutor(t *testing.T) {
	s := &ShellExecutor{}
	ctx := context.Background()

	stdout, _, err := s.ExecuteCommand(ctx, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", stdout)

	_, stderr, err := s.ExecuteCommand(ctx, "echo oops >&2; exit 3")
	require.Error(t, err)
	assert.Equal(t, "oops", stderr)
	code, ok := ExitStatus(err)
	assert.True(t, ok)
	assert.Equal(t, 3, code)

	_, ok = ExitStatus(fmt.Errorf("dial tcp: refused"))
	assert.False(t, ok)
}

func TestShellJoin(t *testing.T) {
	assert.Equal(t, "ipmitool -P 'pa ss' sel elist", ShellJoin("ipmitool", "-P", "pa ss", "sel", "elist"))
	assert.Equal(t, `-P 'it'\''s'`, ShellJoin("-P", "it's"))
	assert.Equal(t, "-P ''", ShellJoin("-P", ""))
}

func TestClientConfigMissingKey(t *testing.T) {
	_, err := ClientConfig("root", "", t.TempDir()+"/id_rsa", time.Second)
	require.Error(t, err)
	assert.Equal(t, oerrors.ErrConfiguration, oerrors.GetCode(err))

	cfg, err := ClientConfig("root", "secret", "", time.Second)
	require.NoError(t, err)
	assert.Len(t, cfg.Auth, 2)
}
