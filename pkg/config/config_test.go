package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/openpower/optest/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "machine.yaml", `
system:
  platform: openbmc
bmc:
  ip: 10.0.0.2
  username: root
  password: 0penBmc
host:
  ip: 10.0.0.3
timeouts:
  login: 15m
  petitboot: 900
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, PlatformOpenBMC, cfg.System.Platform)
	assert.Equal(t, "10.0.0.2", cfg.BMC.IP)
	assert.Equal(t, 15*time.Minute, cfg.Timeouts.Login.Std())
	assert.Equal(t, 900*time.Second, cfg.Timeouts.Petitboot.Std())

	// defaults fill zero fields
	assert.Equal(t, 120, cfg.Console.ConnectAttempts)
	assert.Equal(t, 60*time.Second, cfg.Console.CommandTimeout.Std())
	assert.Equal(t, 2200, cfg.BMC.ConsolePort)
	assert.Equal(t, "root", cfg.Host.Username)
	assert.Equal(t, "[optest-expect]#", cfg.Console.Prompt)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "machine.json", `{
  "system": {"platform": "container"},
  "container": {"name": "mambo"},
  "console": {"commandTimeout": "2m"}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mambo", cfg.Container.Name)
	assert.Equal(t, 2*time.Minute, cfg.Console.CommandTimeout.Std())
}

func TestLoadCUE(t *testing.T) {
	path := writeFile(t, "machine.cue", `
system: platform: "ipmi"
bmc: {
	ip:       "192.168.1.10"
	username: "ADMIN"
	password: "ADMIN"
}
timeouts: standby: "10m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", cfg.BMC.IP)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Standby.Std())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "machine.yaml", "bmc:\n  ip: 10.0.0.2\n")
	t.Setenv("OPTEST_BMC_IP", "10.9.9.9")
	t.Setenv("OPTEST_CONSOLE_COMMAND_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.9.9.9", cfg.BMC.IP)
	assert.Equal(t, 5*time.Second, cfg.Console.CommandTimeout.Std())
}

func TestLoadErrors(t *testing.T) {
	t.Run("unsupported extension", func(t *testing.T) {
		_, err := Load(writeFile(t, "machine.toml", "x = 1"))
		require.Error(t, err)
		assert.Equal(t, oerrors.ErrConfiguration, oerrors.GetCode(err))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("bmc platform without ip", func(t *testing.T) {
		_, err := Load(writeFile(t, "machine.yaml", "system:\n  platform: fsp\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bmc.ip")
	})

	t.Run("unknown platform", func(t *testing.T) {
		_, err := Load(writeFile(t, "machine.yaml", "system:\n  platform: mainframe\n"))
		assert.Error(t, err)
	})

	t.Run("negative monitor interval", func(t *testing.T) {
		_, err := Load(writeFile(t, "machine.yaml", "system:\n  platform: qemu\nmonitor:\n  interval: -5s\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "monitor.interval")
	})
}

func TestSetConvertsByFieldType(t *testing.T) {
	cfg := Default()

	require.NoError(t, Set(cfg, "BMC.Username", "sysadmin"))
	require.NoError(t, Set(cfg, "Console.ConnectAttempts", "5"))
	require.NoError(t, Set(cfg, "Timeouts.Login", "3m"))
	require.NoError(t, Set(cfg, "Console.Verbose", "true"))
	require.NoError(t, Set(cfg, "Monitor.Commands", "uptime,dmesg -c"))

	assert.Equal(t, "sysadmin", cfg.BMC.Username)
	assert.Equal(t, 5, cfg.Console.ConnectAttempts)
	assert.Equal(t, 3*time.Minute, cfg.Timeouts.Login.Std())
	assert.True(t, cfg.Console.Verbose)
	assert.Equal(t, []string{"uptime", "dmesg -c"}, cfg.Monitor.Commands)
}

func TestSetRejectsBadInput(t *testing.T) {
	cfg := Default()

	assert.Error(t, Set(cfg, "BMC.NoSuchField", "x"))
	assert.Error(t, Set(cfg, "Console.ConnectAttempts", "many"))
	assert.Error(t, ApplyOverrides(cfg, []string{"no-equals-sign"}))
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	err := ApplyOverrides(cfg, []string{"System.Platform=qemu", "QEMU.Memory=8G"})
	require.NoError(t, err)
	assert.Equal(t, PlatformQEMU, cfg.System.Platform)
	assert.Equal(t, "8G", cfg.QEMU.Memory)
}

func TestSchema(t *testing.T) {
	raw, err := SchemaJSON()
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, `"connectAttempts"`)
	assert.Contains(t, s, `"selFatalPattern"`)
	assert.Contains(t, s, "Go duration")
}

func TestIPMICredentialsFallback(t *testing.T) {
	b := BMCConfig{Username: "root", Password: "pw"}
	user, pass := b.IPMICredentials()
	assert.Equal(t, "root", user)
	assert.Equal(t, "pw", pass)

	b.IPMIUsername, b.IPMIPassword = "ADMIN", "admin"
	user, pass = b.IPMICredentials()
	assert.Equal(t, "ADMIN", user)
	assert.Equal(t, "admin", pass)
}

func TestReadSkipsValidation(t *testing.T) {
	path := writeFile(t, "machine.yaml", "system:\n  platform: fsp\n")

	cfg, err := Read(path)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	require.NoError(t, ApplyOverrides(cfg, []string{"BMC.IP=10.0.0.1"}))
	assert.Equal(t, "fsp", cfg.System.Platform)
}
