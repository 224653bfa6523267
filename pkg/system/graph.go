package system

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

// Trigger names the event that moves the machine along an edge
type Trigger string

const (
	TriggerPowerOff     Trigger = "power_off"
	TriggerPowerOn      Trigger = "power_on"
	TriggerPetitboot    Trigger = "petitboot_banner"
	TriggerIPLTimeout   Trigger = "ipl_timeout"
	TriggerExitToShell  Trigger = "exit_to_shell"
	TriggerExitShell    Trigger = "exit_shell"
	TriggerKexec        Trigger = "kexec"
	TriggerLogin        Trigger = "login"
	TriggerStandby      Trigger = "standby"
	triggerInvalidRoute Trigger = "invalid"
)

type edge struct {
	from, to State
}

// edges is the shared transition graph
var edges = map[edge]Trigger{
	{StateUnknown, StatePoweringOff}:        TriggerPowerOff,
	{StateOff, StateIPLing}:                 TriggerPowerOn,
	{StateIPLing, StatePetitboot}:           TriggerPetitboot,
	{StateIPLing, StateUnknown}:             TriggerIPLTimeout,
	{StateIPLing, StatePoweringOff}:         TriggerPowerOff,
	{StatePetitboot, StatePetitbootShell}:   TriggerExitToShell,
	{StatePetitboot, StateBooting}:          TriggerKexec,
	{StatePetitboot, StatePoweringOff}:      TriggerPowerOff,
	{StatePetitbootShell, StatePetitboot}:   TriggerExitShell,
	{StatePetitbootShell, StatePoweringOff}: TriggerPowerOff,
	{StateBooting, StateOS}:                 TriggerLogin,
	{StateOS, StatePoweringOff}:             TriggerPowerOff,
	{StatePoweringOff, StateOff}:            TriggerStandby,
}

func hopTrigger(from, to State) Trigger {
	if t, ok := edges[edge{from, to}]; ok {
		return t
	}
	return triggerInvalidRoute
}

// Allowed reports whether the graph has an edge from one state to another
func Allowed(from, to State) bool {
	_, ok := edges[edge{from, to}]
	return ok
}

// newGraph builds the state machine over the System's own state field, so
// SetState and the graph always agree.
func newGraph(s *System) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(ctx context.Context) (stateless.State, error) {
			return s.GetState(), nil
		},
		func(ctx context.Context, state stateless.State) error {
			next, ok := state.(State)
			if !ok {
				return fmt.Errorf("unexpected state type %T", state)
			}
			s.record(next)
			return nil
		},
		stateless.FiringImmediate,
	)

	for _, st := range States() {
		sm.Configure(st)
	}
	for e, trigger := range edges {
		sm.Configure(e.from).Permit(trigger, e.to)
	}

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		from, _ := t.Source.(State)
		to, _ := t.Destination.(State)
		s.log.Info("[SYSTEM] %s -> %s (%v)", from, to, t.Trigger)
		transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		s.notify(from, to)
	})
	return sm
}
