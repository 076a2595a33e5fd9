package hypervisor

import (
	"fmt"
	"strings"
)

// State represents the lifecycle state of an instance.
// The numeric values are persisted; only append new states.
type State int

const (
	StateOff State = iota
	StateStarting
	StateRunning
	StateStopping
	StateSuspending
	StateSuspended
	StateRestarting
	StateUnknown
	StateDeleted
)

var stateNames = [...]string{
	StateOff:        "Stopped",
	StateStarting:   "Starting",
	StateRunning:    "Running",
	StateStopping:   "Stopping",
	StateSuspending: "Suspending",
	StateSuspended:  "Suspended",
	StateRestarting: "Restarting",
	StateUnknown:    "Unknown",
	StateDeleted:    "Deleted",
}

// String returns a human-readable state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s >= StateOff && s <= StateDeleted
}

// ParseState parses a state name as produced by String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return StateUnknown, fmt.Errorf("hypervisor: unknown state %q", name)
}
