package bmc

import (
	"context"
	"strings"
	"time"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/logger"
	"github.com/openpower/optest/pkg/retry"
)

// FSP drives a flexible service processor through its SSH shell. Event log,
// boot device and console still go through IPMI.
type FSP struct {
	shell CommandExecutor
	ipmi  *IPMITool
	log   logger.Interface

	pollInterval time.Duration
}

// NewFSP creates an FSP adapter
func NewFSP(shell CommandExecutor, ipmi *IPMITool, log logger.Interface) *FSP {
	if log == nil {
		log = logger.Nop()
	}
	return &FSP{shell: shell, ipmi: ipmi, log: log, pollInterval: 5 * time.Second}
}

// IPMI returns the IPMI side of the service processor
func (f *FSP) IPMI() *IPMITool { return f.ipmi }

func (f *FSP) run(ctx context.Context, command string) (string, error) {
	f.log.Debug("[FSP] %s", command)
	stdout, stderr, err := f.shell.ExecuteCommand(ctx, command)
	if err != nil {
		if oerrors.GetCode(err) != oerrors.ErrUnknown {
			return stdout, err
		}
		return stdout, oerrors.WithContext(
			oerrors.Wrapf(err, oerrors.ErrPlatform, "fsp %s failed", command),
			map[string]interface{}{"stderr": stderr},
		)
	}
	return stdout, nil
}

// PowerOn requests an IPL
func (f *FSP) PowerOn(ctx context.Context) error {
	_, err := f.run(ctx, "plckIPLRequest 0x01")
	return err
}

// PowerOff requests an immediate power off through the panel function
func (f *FSP) PowerOff(ctx context.Context) error {
	_, err := f.run(ctx, "panlexec -f 8")
	return err
}

// State returns the service processor's system state, e.g. "standby", "ipling", "runtime"
func (f *FSP) State(ctx context.Context) (string, error) {
	out, err := f.run(ctx, "smgr mfgState")
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(out)), nil
}

// WaitForStandby polls smgr until the system reports standby
func (f *FSP) WaitForStandby(ctx context.Context, timeout time.Duration) error {
	err := retry.PollUntil(ctx, f.pollInterval, timeout, func(ctx context.Context) error {
		state, err := f.State(ctx)
		if err != nil {
			return retry.NewRetryableError(err)
		}
		if state == "standby" {
			return nil
		}
		f.log.Debug("[FSP] waiting for standby, state %q", state)
		return oerrors.Newf(oerrors.ErrTimeout, "fsp state %q", state)
	})
	if oerrors.IsTimeout(err) {
		return oerrors.Wrapf(err, oerrors.ErrTimeout, "FSP did not reach standby within %s", timeout)
	}
	return err
}
