package system

import (
	"context"
	"regexp"

	oerrors "github.com/openpower/optest/errors"
	"github.com/openpower/optest/pkg/platform"
)

// Console markers of the boot milestones
var (
	petitbootRE   = regexp.MustCompile(`Petitboot|x=exit`)
	kexecRE       = regexp.MustCompile(`kexec_core: Starting new kernel|Performing kexec|Starting new kernel`)
	loginRE       = regexp.MustCompile(`login: ?`)
	shellRE       = regexp.MustCompile(`/ #`)
	exitingRE     = regexp.MustCompile(`Exiting petitboot`)
	kernelPanicRE = regexp.MustCompile(`Kernel panic - not syncing|OPAL: Reboot requested due to Platform error`)
)

// leaf escalates a FAILED platform result; SUCCESS and PARAMETER continue
func (s *System) leaf(op string, r platform.Result) error {
	if r.OK() {
		if r.Status == platform.StatusUnavailable {
			s.log.Debug("[SYSTEM] %s unavailable on %s, skipping: %v", op, s.ops.Name(), r.Err)
		}
		return nil
	}
	return oerrors.Wrapf(r.Error(), oerrors.ErrPlatform, "%s", op)
}

func (s *System) needConsole() error {
	if s.console == nil {
		return oerrors.New(oerrors.ErrConfiguration, "no host console to watch the boot")
	}
	return nil
}

func (s *System) powerOff(ctx context.Context, from State) (State, error) {
	if err := s.leaf("power off", s.ops.PowerOff(ctx)); err != nil {
		return from, err
	}
	return StatePoweringOff, nil
}

func (s *System) fromUnknown(ctx context.Context, target State) (State, error) {
	return s.powerOff(ctx, StateUnknown)
}

func (s *System) fromOff(ctx context.Context, target State) (State, error) {
	if target == StateOff {
		return StateOff, nil
	}

	if err := s.leaf("sdr clear", s.ops.SDRClear(ctx)); err != nil {
		return StateOff, err
	}

	switch target {
	case StateOS:
		if err := s.leaf("bootdev none", s.ops.SetBootdevNoOverride(ctx)); err != nil {
			return StateOff, err
		}
	case StatePetitboot, StatePetitbootShell:
		if err := s.leaf("bootdev setup", s.ops.SetBootdevSetup(ctx)); err != nil {
			return StateOff, err
		}
	}

	r := s.ops.PowerOn(ctx)
	if !r.OK() {
		s.log.Warn("[SYSTEM] power on failed, retrying once: %v", r.Err)
		r = s.ops.PowerOn(ctx)
	}
	if err := s.leaf("power on", r); err != nil {
		return StateOff, err
	}
	return StateIPLing, nil
}

func (s *System) fromIPLing(ctx context.Context, target State) (State, error) {
	if target == StateOff {
		return s.powerOff(ctx, StateIPLing)
	}
	if err := s.needConsole(); err != nil {
		return StateIPLing, err
	}

	if err := s.waitForPetitboot(ctx); err != nil {
		if oerrors.IsTimeout(err) {
			// nothing can be assumed about a machine that never reached
			// petitboot; the next goto starts with a power off
			return StateUnknown, oerrors.Wrap(err, oerrors.ErrBootTimeout, "petitboot not reached")
		}
		return StateIPLing, err
	}

	if err := s.leaf("sel check", s.ops.SELCheck(ctx, s.selPattern)); err != nil {
		return StateIPLing, err
	}
	return StatePetitboot, nil
}

// waitForPetitboot waits for the menu, refreshing the screen between
// attempts in case the banner was drawn before the console attached.
func (s *System) waitForPetitboot(ctx context.Context) error {
	patterns := []*regexp.Regexp{petitbootRE, kernelPanicRE}
	retries := s.timeouts.PetitbootRetries
	if retries < 1 {
		retries = 1
	}

	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		var idx int
		var out string
		idx, out, err = s.console.ExpectAny(ctx, patterns, s.timeouts.Petitboot)
		switch {
		case err == nil && idx == 0:
			return nil
		case err == nil:
			return oerrors.WithContext(
				oerrors.New(oerrors.ErrPlatform, "host crashed before petitboot"),
				map[string]interface{}{"console": tail(out)},
			)
		case !oerrors.IsTimeout(err):
			return err
		}
		s.log.Warn("[SYSTEM] petitboot not seen (attempt %d/%d)", attempt, retries)
		if attempt < retries {
			if err := s.console.SendControl(ctx, 'l'); err != nil {
				return err
			}
		}
	}
	return err
}

func (s *System) fromPetitboot(ctx context.Context, target State) (State, error) {
	switch target {
	case StatePetitboot:
		return StatePetitboot, nil
	case StatePetitbootShell:
		if err := s.needConsole(); err != nil {
			return StatePetitboot, err
		}
		if err := s.exitToShell(ctx); err != nil {
			return StatePetitboot, err
		}
		return StatePetitbootShell, nil
	case StateOff:
		return s.powerOff(ctx, StatePetitboot)
	case StateOS:
		if err := s.needConsole(); err != nil {
			return StatePetitboot, err
		}
		if _, _, err := s.console.Expect(ctx, kexecRE, s.timeouts.Kexec); err != nil {
			if oerrors.IsTimeout(err) {
				return StatePetitboot, oerrors.Wrap(err, oerrors.ErrBootTimeout, "kexec into the host kernel not seen")
			}
			return StatePetitboot, err
		}
		return StateBooting, nil
	default:
		return StatePetitboot, oerrors.Newf(oerrors.ErrInvalidTransition, "no route from %s to %s", StatePetitboot, target)
	}
}

func (s *System) exitToShell(ctx context.Context) error {
	if err := s.console.Send(ctx, "x"); err != nil {
		return err
	}
	if _, _, err := s.console.ExpectAny(ctx, []*regexp.Regexp{exitingRE, shellRE}, s.timeouts.Shell); err != nil {
		return err
	}
	if err := s.console.SendLine(ctx, ""); err != nil {
		return err
	}
	if _, _, err := s.console.Expect(ctx, shellRE, s.timeouts.Shell); err != nil {
		return err
	}
	s.console.ResetPrompt()
	return nil
}

func (s *System) fromPetitbootShell(ctx context.Context, target State) (State, error) {
	switch target {
	case StatePetitbootShell:
		if err := s.needConsole(); err != nil {
			return StatePetitbootShell, err
		}
		if err := s.console.SendControl(ctx, 'l'); err != nil {
			return StatePetitbootShell, err
		}
		return StatePetitbootShell, nil
	case StatePetitboot:
		if err := s.needConsole(); err != nil {
			return StatePetitbootShell, err
		}
		if err := s.console.SendLine(ctx, "exit"); err != nil {
			return StatePetitbootShell, err
		}
		if _, _, err := s.console.Expect(ctx, petitbootRE, s.timeouts.Shell); err != nil {
			return StatePetitbootShell, err
		}
		return StatePetitboot, nil
	default:
		return s.powerOff(ctx, StatePetitbootShell)
	}
}

func (s *System) fromBooting(ctx context.Context, target State) (State, error) {
	if err := s.needConsole(); err != nil {
		return StateBooting, err
	}

	idx, out, err := s.console.ExpectAny(ctx, []*regexp.Regexp{loginRE, kernelPanicRE}, s.timeouts.Login)
	if err != nil {
		if oerrors.IsTimeout(err) {
			return StateBooting, oerrors.Wrap(err, oerrors.ErrBootTimeout, "login prompt not seen")
		}
		return StateBooting, err
	}
	if idx != 0 {
		return StateBooting, oerrors.WithContext(
			oerrors.New(oerrors.ErrPlatform, "host kernel crashed during boot"),
			map[string]interface{}{"console": tail(out)},
		)
	}
	s.console.ResetPrompt()

	if s.host != nil {
		if err := s.host.WaitForPing(ctx, s.timeouts.Ping); err != nil {
			return StateBooting, oerrors.Wrap(err, oerrors.ErrBootTimeout, "host network did not come up")
		}
	}
	return StateOS, nil
}

func (s *System) fromOS(ctx context.Context, target State) (State, error) {
	if target == StateOS {
		return StateOS, nil
	}
	next, err := s.powerOff(ctx, StateOS)
	if err == nil {
		s.mu.Lock()
		s.ipmiDriversLoaded = false
		s.mu.Unlock()
	}
	return next, err
}

func (s *System) fromPoweringOff(ctx context.Context, target State) (State, error) {
	r := s.ops.WaitForStandby(ctx, s.timeouts.Standby)
	switch r.Status {
	case platform.StatusSuccess:
	case platform.StatusUnavailable:
		s.log.Info("[SYSTEM] standby sensor unavailable on %s, not checking", s.ops.Name())
	default:
		return StatePoweringOff, oerrors.Wrap(r.Error(), oerrors.ErrPlatform, "wait for standby")
	}

	if s.host != nil {
		if err := s.host.Disconnect(); err != nil {
			s.log.Debug("[SYSTEM] host disconnect: %v", err)
		}
	}
	if s.console != nil {
		s.console.ResetPrompt()
	}
	return StateOff, nil
}

// tail keeps the end of console output for error context
func tail(out string) string {
	const n = 512
	if len(out) > n {
		return out[len(out)-n:]
	}
	return out
}
