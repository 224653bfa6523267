// Package platform defines the leaf power and boot primitives the state
// machine drives, and one implementation per kind of service processor.
package platform

import (
	"context"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/console"
)

// Status is the fixed result vocabulary of a platform operation
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	// StatusUnavailable means the feature or sensor is not present on this
	// platform; callers treat it as success and skip further checking.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusUnavailable:
		return "PARAMETER"
	default:
		return "UNKNOWN"
	}
}

// Result is the normalized outcome of a leaf operation. Err carries the
// adapter error for FAILED and PARAMETER results.
type Result struct {
	Status Status
	Err    error
}

// OK reports whether the operation succeeded or the feature is absent
func (r Result) OK() bool {
	return r.Status != StatusFailed
}

// Error returns a non-nil error only for FAILED results
func (r Result) Error() error {
	if r.Status != StatusFailed {
		return nil
	}
	if r.Err == nil {
		return oerrors.New(oerrors.ErrPlatform, "operation failed")
	}
	return r.Err
}

// Success is the SUCCESS result
func Success() Result { return Result{Status: StatusSuccess} }

// Unavailable is a PARAMETER result explaining what is missing
func Unavailable(what string) Result {
	return Result{Status: StatusUnavailable, Err: oerrors.New(oerrors.ErrUnavailable, what)}
}

// Normalize converts an adapter error into a Result
func Normalize(err error) Result {
	switch {
	case err == nil:
		return Success()
	case oerrors.IsUnavailable(err):
		return Result{Status: StatusUnavailable, Err: err}
	default:
		return Result{Status: StatusFailed, Err: err}
	}
}

// Ops is the capability set every platform provides. The transition graph
// is shared; only these leaf primitives differ between platforms.
type Ops interface {
	// Name identifies the platform kind in logs and metrics
	Name() string

	PowerOn(ctx context.Context) Result
	PowerOff(ctx context.Context) Result
	PowerSoft(ctx context.Context) Result
	PowerCycle(ctx context.Context) Result

	// WaitForStandby blocks until the machine is powered down and its
	// service processor idle. Timeout is FAILED; a missing sensor is PARAMETER.
	WaitForStandby(ctx context.Context, timeout time.Duration) Result

	// SetBootdevSetup makes the next boot stop in petitboot
	SetBootdevSetup(ctx context.Context) Result
	// SetBootdevNoOverride lets the next boot continue into the OS
	SetBootdevNoOverride(ctx context.Context) Result

	// SDRClear clears the platform event log
	SDRClear(ctx context.Context) Result
	// SELCheck is FAILED when any event log entry matches pattern
	SELCheck(ctx context.Context, pattern *regexp.Regexp) Result
	// SELList returns the platform event log, one entry per line
	SELList(ctx context.Context) ([]string, error)

	// HostConsole is the serial console of the host, shared by the state
	// machine and test cases.
	HostConsole() *console.Console
}

var opsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "optest",
		Subsystem: "platform",
		Name:      "ops_total",
		Help:      "Platform leaf operations by result (SUCCESS, FAILED, PARAMETER).",
	},
	[]string{"platform", "op", "status"},
)

// record normalizes err and counts the result
func record(platform, op string, err error) Result {
	r := Normalize(err)
	if r.Err != nil && r.Status == StatusFailed {
		r.Err = oerrors.WithOp(r.Err, platform+"."+op)
	}
	opsTotal.WithLabelValues(platform, op, r.Status.String()).Inc()
	return r
}
