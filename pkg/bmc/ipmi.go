package bmc

import (
	"context"
	"regexp"
	"strings"
	"time"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/console"
	"github.com/openpower/optest/pkg/logger"
	"github.com/openpower/optest/pkg/retry"
)

// IPMIConfig holds the ipmitool connection parameters
type IPMIConfig struct {
	Binary    string
	Interface string
	Host      string
	User      string
	Password  string
}

// IPMITool drives a BMC through the ipmitool CLI
type IPMITool struct {
	executor CommandExecutor
	config   IPMIConfig
	log      logger.Interface

	// pollInterval paces standby and SEL clear polling
	pollInterval time.Duration
}

// NewIPMITool creates an ipmitool wrapper running commands through executor
func NewIPMITool(executor CommandExecutor, config IPMIConfig, log logger.Interface) *IPMITool {
	if config.Binary == "" {
		config.Binary = "ipmitool"
	}
	if config.Interface == "" {
		config.Interface = "lanplus"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &IPMITool{executor: executor, config: config, log: log, pollInterval: 5 * time.Second}
}

// Args returns the full ipmitool argument vector for a subcommand
func (t *IPMITool) Args(sub ...string) []string {
	args := []string{t.config.Binary, "-I", t.config.Interface, "-H", t.config.Host}
	if t.config.User != "" {
		args = append(args, "-U", t.config.User)
	}
	args = append(args, "-P", t.config.Password)
	return append(args, sub...)
}

// Run executes an ipmitool subcommand and returns its stdout
func (t *IPMITool) Run(ctx context.Context, sub ...string) (string, error) {
	op := "ipmitool " + strings.Join(sub, " ")
	t.log.Debug("[IPMI %s] %s", t.config.Host, op)

	stdout, stderr, err := t.executor.ExecuteCommand(ctx, ShellJoin(t.Args(sub...)...))
	if err != nil {
		if ctx.Err() != nil {
			return stdout, oerrors.Wrapf(ctx.Err(), oerrors.ErrCancelled, "%s cancelled", op)
		}
		return stdout, oerrors.WithContext(
			oerrors.Wrapf(err, oerrors.ErrPlatform, "%s failed", op),
			map[string]interface{}{"stderr": stderr, "host": t.config.Host},
		)
	}
	return stdout, nil
}

// PowerOn issues chassis power on
func (t *IPMITool) PowerOn(ctx context.Context) error {
	_, err := t.Run(ctx, "chassis", "power", "on")
	return err
}

// PowerOff issues a hard chassis power off
func (t *IPMITool) PowerOff(ctx context.Context) error {
	_, err := t.Run(ctx, "chassis", "power", "off")
	return err
}

// PowerSoft asks the host OS to shut down
func (t *IPMITool) PowerSoft(ctx context.Context) error {
	_, err := t.Run(ctx, "chassis", "power", "soft")
	return err
}

// PowerCycle issues chassis power cycle
func (t *IPMITool) PowerCycle(ctx context.Context) error {
	_, err := t.Run(ctx, "chassis", "power", "cycle")
	return err
}

// PowerStatus parses `chassis power status`
func (t *IPMITool) PowerStatus(ctx context.Context) (PowerState, error) {
	out, err := t.Run(ctx, "chassis", "power", "status")
	if err != nil {
		return PowerStateUnknown, err
	}
	return parsePowerStatus(out), nil
}

func parsePowerStatus(out string) PowerState {
	switch {
	case strings.Contains(out, "Chassis Power is on"):
		return PowerStateOn
	case strings.Contains(out, "Chassis Power is off"):
		return PowerStateOff
	default:
		return PowerStateUnknown
	}
}

// BootdevSetup forces the next boot into the firmware menu (petitboot)
func (t *IPMITool) BootdevSetup(ctx context.Context) error {
	return t.bootdev(ctx, "bios")
}

// BootdevNone clears any boot device override
func (t *IPMITool) BootdevNone(ctx context.Context) error {
	return t.bootdev(ctx, "none")
}

func (t *IPMITool) bootdev(ctx context.Context, dev string) error {
	out, err := t.Run(ctx, "chassis", "bootdev", dev)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Set Boot Device to "+dev) {
		return oerrors.Newf(oerrors.ErrPlatform, "unexpected bootdev %s response: %q", dev, out)
	}
	return nil
}

// SELList returns the extended event log, one entry per line
func (t *IPMITool) SELList(ctx context.Context) ([]string, error) {
	out, err := t.Run(ctx, "sel", "elist")
	if err != nil {
		return nil, err
	}
	return selEntries(out), nil
}

func selEntries(out string) []string {
	var entries []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "SEL has no entries") {
			continue
		}
		entries = append(entries, line)
	}
	return entries
}

// SELClear clears the event log
func (t *IPMITool) SELClear(ctx context.Context) error {
	_, err := t.Run(ctx, "sel", "clear")
	return err
}

// SDRClear clears the event log and waits until the BMC reports it empty.
// Clearing is asynchronous on most BMCs.
func (t *IPMITool) SDRClear(ctx context.Context) error {
	if err := t.SELClear(ctx); err != nil {
		return err
	}
	return retry.PollUntil(ctx, t.pollInterval, 30*time.Second, func(ctx context.Context) error {
		entries, err := t.SELList(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !strings.Contains(e, "Log area reset/cleared") {
				return oerrors.Newf(oerrors.ErrTimeout, "SEL still has %d entries after clear", len(entries))
			}
		}
		return nil
	})
}

// SELCheck fails when any event log entry matches pattern
func (t *IPMITool) SELCheck(ctx context.Context, pattern *regexp.Regexp) error {
	entries, err := t.SELList(ctx)
	if err != nil {
		return err
	}
	return CheckSEL(entries, pattern)
}

// CheckSEL fails with ErrPlatform listing every entry matching pattern
func CheckSEL(entries []string, pattern *regexp.Regexp) error {
	if pattern == nil {
		pattern = DefaultSELFatalPattern
	}
	var fatal []string
	for _, e := range entries {
		if pattern.MatchString(e) {
			fatal = append(fatal, e)
		}
	}
	if len(fatal) == 0 {
		return nil
	}
	return oerrors.WithContext(
		oerrors.Newf(oerrors.ErrPlatform, "%d fatal event log entries, first: %s", len(fatal), fatal[0]),
		map[string]interface{}{"entries": fatal},
	)
}

// HostStatus reads the Host Status sensor from `sdr elist`. Machines without
// the sensor return ErrUnavailable.
func (t *IPMITool) HostStatus(ctx context.Context) (string, error) {
	out, err := t.Run(ctx, "sdr", "elist")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "Host Status") {
			continue
		}
		fields := strings.Split(line, "|")
		return strings.TrimSpace(fields[len(fields)-1]), nil
	}
	return "", oerrors.New(oerrors.ErrUnavailable, "no Host Status sensor")
}

// WaitForStandby polls the Host Status sensor until it reports soft-off
func (t *IPMITool) WaitForStandby(ctx context.Context, timeout time.Duration) error {
	err := retry.PollUntil(ctx, t.pollInterval, timeout, func(ctx context.Context) error {
		status, err := t.HostStatus(ctx)
		if err != nil {
			if oerrors.IsUnavailable(err) || ctx.Err() != nil {
				return err
			}
			return retry.NewRetryableError(err)
		}
		if strings.Contains(status, "S5/G2: soft-off") || strings.Contains(status, "soft-off") {
			return nil
		}
		t.log.Debug("[IPMI %s] waiting for standby, host status %q", t.config.Host, status)
		return oerrors.Newf(oerrors.ErrTimeout, "host status %q", status)
	})
	if oerrors.IsTimeout(err) {
		return oerrors.Wrapf(err, oerrors.ErrTimeout, "BMC did not reach standby within %s", timeout)
	}
	return err
}

// SOLDialer returns a console dialer for serial over LAN. A stale SOL
// session held by a previous run is deactivated before every activation.
func (t *IPMITool) SOLDialer() *console.CommandDialer {
	return &console.CommandDialer{
		Args: t.Args("sol", "activate"),
		Prepare: func(ctx context.Context) error {
			if _, err := t.Run(ctx, "sol", "deactivate"); err != nil {
				t.log.Debug("[IPMI %s] sol deactivate: %v", t.config.Host, err)
			}
			return nil
		},
	}
}
