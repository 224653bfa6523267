package platform

import (
	"context"
	"regexp"
	"time"

	"github.com/openpower/optest/pkg/bmc"
	"github.com/openpower/optest/pkg/console"
)

// controller is the surface shared by the IPMI and OpenBMC adapters
type controller interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerSoft(ctx context.Context) error
	PowerCycle(ctx context.Context) error
	WaitForStandby(ctx context.Context, timeout time.Duration) error
	BootdevSetup(ctx context.Context) error
	BootdevNone(ctx context.Context) error
	SELList(ctx context.Context) ([]string, error)
	SELCheck(ctx context.Context, pattern *regexp.Regexp) error
}

// Managed is a platform driven entirely through its service processor
type Managed struct {
	name    string
	ctl     controller
	clear   func(ctx context.Context) error
	console *console.Console
}

// NewIPMI returns the platform for an AMI or SMC BMC driven by ipmitool.
// The console is normally built on tool.SOLDialer().
func NewIPMI(tool *bmc.IPMITool, host *console.Console) *Managed {
	return &Managed{name: "ipmi", ctl: tool, clear: tool.SDRClear, console: host}
}

// NewOpenBMC returns the platform for an OpenBMC service processor driven
// over its REST interface.
func NewOpenBMC(rest *bmc.OpenBMC, host *console.Console) *Managed {
	return &Managed{name: "openbmc", ctl: rest, clear: rest.ClearEvents, console: host}
}

func (m *Managed) Name() string { return m.name }

func (m *Managed) PowerOn(ctx context.Context) Result {
	return record(m.name, "power_on", m.ctl.PowerOn(ctx))
}

func (m *Managed) PowerOff(ctx context.Context) Result {
	return record(m.name, "power_off", m.ctl.PowerOff(ctx))
}

func (m *Managed) PowerSoft(ctx context.Context) Result {
	return record(m.name, "power_soft", m.ctl.PowerSoft(ctx))
}

func (m *Managed) PowerCycle(ctx context.Context) Result {
	return record(m.name, "power_cycle", m.ctl.PowerCycle(ctx))
}

func (m *Managed) WaitForStandby(ctx context.Context, timeout time.Duration) Result {
	return record(m.name, "wait_for_standby", m.ctl.WaitForStandby(ctx, timeout))
}

func (m *Managed) SetBootdevSetup(ctx context.Context) Result {
	return record(m.name, "bootdev_setup", m.ctl.BootdevSetup(ctx))
}

func (m *Managed) SetBootdevNoOverride(ctx context.Context) Result {
	return record(m.name, "bootdev_none", m.ctl.BootdevNone(ctx))
}

func (m *Managed) SDRClear(ctx context.Context) Result {
	return record(m.name, "sdr_clear", m.clear(ctx))
}

func (m *Managed) SELCheck(ctx context.Context, pattern *regexp.Regexp) Result {
	return record(m.name, "sel_check", m.ctl.SELCheck(ctx, pattern))
}

func (m *Managed) SELList(ctx context.Context) ([]string, error) {
	return m.ctl.SELList(ctx)
}

func (m *Managed) HostConsole() *console.Console { return m.console }

// FSP is a platform whose power sequencing goes through the FSP shell while
// everything else goes through its IPMI interface.
type FSP struct {
	*Managed
	fsp *bmc.FSP
}

// NewFSP returns the platform for an FSP based system
func NewFSP(fsp *bmc.FSP, host *console.Console) *FSP {
	tool := fsp.IPMI()
	return &FSP{
		Managed: &Managed{name: "fsp", ctl: tool, clear: tool.SDRClear, console: host},
		fsp:     fsp,
	}
}

func (f *FSP) PowerOn(ctx context.Context) Result {
	return record(f.name, "power_on", f.fsp.PowerOn(ctx))
}

func (f *FSP) PowerOff(ctx context.Context) Result {
	return record(f.name, "power_off", f.fsp.PowerOff(ctx))
}

func (f *FSP) WaitForStandby(ctx context.Context, timeout time.Duration) Result {
	return record(f.name, "wait_for_standby", f.fsp.WaitForStandby(ctx, timeout))
}
