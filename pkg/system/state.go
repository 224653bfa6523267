package system

import (
	"strings"

	oerrors "github.com/openpower/optest/errors"
)

// State is the power/boot state of the system under test
type State int

const (
	// StateUnknown means nothing about the hardware can be assumed; leaving
	// it always starts with a power off.
	StateUnknown State = iota
	StateOff
	StateIPLing
	StatePetitboot
	StatePetitbootShell
	StateBooting
	StateOS
	StatePoweringOff
)

var stateNames = map[State]string{
	StateUnknown:        "UNKNOWN",
	StateOff:            "OFF",
	StateIPLing:         "IPLing",
	StatePetitboot:      "PETITBOOT",
	StatePetitbootShell: "PETITBOOT_SHELL",
	StateBooting:        "BOOTING",
	StateOS:             "OS",
	StatePoweringOff:    "POWERING_OFF",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "INVALID"
}

// Resting reports whether the machine can stay in s without further action.
// Only resting states are valid goto targets.
func (s State) Resting() bool {
	switch s {
	case StateOff, StatePetitboot, StatePetitbootShell, StateOS:
		return true
	}
	return false
}

// ParseState accepts the state names case-insensitively
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return StateUnknown, oerrors.Newf(oerrors.ErrInvalidInput, "unknown system state %q", name)
}

// States lists every state in declaration order
func States() []State {
	return []State{
		StateUnknown, StateOff, StateIPLing, StatePetitboot,
		StatePetitbootShell, StateBooting, StateOS, StatePoweringOff,
	}
}
