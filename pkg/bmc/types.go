// Package bmc talks to the service processor of the system under test:
// ipmitool for IPMI managed machines, the REST API of OpenBMC and an SSH
// shell on FSP based machines.
package bmc

import "regexp"

// PowerState represents the chassis power state reported by a BMC
type PowerState string

const (
	PowerStateOn      PowerState = "On"
	PowerStateOff     PowerState = "Off"
	PowerStateUnknown PowerState = "Unknown"
)

// DefaultSELFatalPattern matches event log entries that mean the IPL went wrong
var DefaultSELFatalPattern = regexp.MustCompile(`Transition to Non-recoverable|Critical`)
