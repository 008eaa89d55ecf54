package stage

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a stage.
type State string

const (
	// StateStopped is the pre-initialization sentinel and the shutdown target.
	StateStopped State = "stopped"
	// StateIdle is eligible to run with nothing queued.
	StateIdle State = "idle"
	// StateRunning is eligible and will pick up work.
	StateRunning State = "running"
	// StateProcessing is executing at least one unit of work.
	StateProcessing State = "processing"
	// StatePausing drains in-flight work before reaching StatePaused.
	StatePausing State = "pausing"
	// StatePaused is the rest state after initialization.
	StatePaused State = "paused"
)

var allStates = []State{StateStopped, StateIdle, StateRunning, StateProcessing, StatePausing, StatePaused}

var transitions = map[State][]State{
	StateStopped:    {StateIdle, StateRunning, StatePaused},
	StateIdle:       {StateRunning, StateProcessing, StatePaused, StateStopped},
	StateRunning:    {StateProcessing, StateIdle, StatePausing, StatePaused, StateStopped},
	StateProcessing: {StateIdle, StateRunning, StatePausing, StateStopped},
	StatePausing:    {StatePaused, StateStopped},
	StatePaused:     {StateIdle, StateRunning, StateStopped},
}

// States returns every known state.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s State) String() string {
	return string(s)
}

// ParseState converts a persisted or user-supplied value into a State.
func ParseState(value string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(value)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, value)
	}
	return s, nil
}

// CanTransition reports whether the table allows moving from one state to another.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AvailableForWork reports whether a stage in state s may pull new work.
func AvailableForWork(s State) bool {
	return s == StateIdle || s == StateRunning
}

// ActivelyWorking reports whether a stage in state s is executing work.
func ActivelyWorking(s State) bool {
	return s == StateProcessing
}

// IsRunning reports whether s belongs to the running family (idle, running,
// processing, pausing). Values outside the enum yield ErrInvalidState.
func IsRunning(s State) (bool, error) {
	switch s {
	case StateIdle, StateRunning, StateProcessing, StatePausing:
		return true, nil
	case StateStopped, StatePaused:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidState, string(s))
	}
}
