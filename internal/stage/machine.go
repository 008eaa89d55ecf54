package stage

import (
	"fmt"
	"log/slog"

	"mediaflow/internal/logging"
)

// Stage is the value view of a stage record.
type Stage struct {
	Identity Identity `json:"identity"`
	State    State    `json:"state"`
}

// Publisher receives one notification per applied transition. Implementations
// must not block.
type Publisher interface {
	Publish(identity Identity, previous, next State)
}

// Machine holds the lifecycle state for a single stage.
type Machine struct {
	identity  Identity
	state     State
	publisher Publisher
	logger    *slog.Logger
}

// New creates a machine for identity. The machine starts paused and reports
// the initial stopped→paused transition to the publisher.
func New(identity Identity, publisher Publisher, logger *slog.Logger) (*Machine, error) {
	if !identity.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStageIdentity, string(identity))
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Machine{
		identity:  identity,
		state:     StateStopped,
		publisher: publisher,
		logger:    logger.With(logging.String(logging.FieldStage, string(identity))),
	}
	m.TransitionTo(StatePaused)
	return m, nil
}

// Identity returns the stage identity.
func (m *Machine) Identity() Identity {
	return m.identity
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Snapshot returns the stage record.
func (m *Machine) Snapshot() Stage {
	return Stage{Identity: m.identity, State: m.state}
}

// TransitionTo applies target when the table allows it and returns the
// resulting state. Rejected requests are logged and leave the state unchanged.
func (m *Machine) TransitionTo(target State) State {
	state, _ := m.Apply(target)
	return state
}

// Apply behaves like TransitionTo but also reports a rejected request as an
// error wrapping ErrInvalidTransition.
func (m *Machine) Apply(target State) (State, error) {
	previous := m.state
	if !CanTransition(previous, target) {
		logging.WarnWithContext(m.logger, "stage transition rejected", "invalid_transition",
			logging.String("from", string(previous)),
			logging.String("to", string(target)),
			logging.String(logging.FieldErrorHint, "request a transition allowed from the current state"),
			logging.String(logging.FieldImpact, "stage state unchanged"),
		)
		return previous, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, previous, target)
	}
	m.state = target
	m.logger.Debug("stage transition",
		logging.String(logging.FieldEventType, "stage_transition"),
		logging.String("from", string(previous)),
		logging.String("to", string(target)),
	)
	if m.publisher != nil {
		m.publisher.Publish(m.identity, previous, target)
	}
	return target, nil
}

// Pause drains through pausing when work is in flight and goes straight to
// paused otherwise.
func (m *Machine) Pause() State {
	if m.state == StateProcessing {
		return m.TransitionTo(StatePausing)
	}
	return m.TransitionTo(StatePaused)
}

// Resume moves a paused or stopped stage to running. Other states are left
// alone.
func (m *Machine) Resume() State {
	switch m.state {
	case StatePaused, StateStopped:
		return m.TransitionTo(StateRunning)
	default:
		return m.state
	}
}

// WorkAvailable wakes an idle stage.
func (m *Machine) WorkAvailable() State {
	if m.state == StateIdle {
		return m.TransitionTo(StateRunning)
	}
	return m.state
}

// StartProcessing marks an idle or running stage as processing.
func (m *Machine) StartProcessing() State {
	switch m.state {
	case StateIdle, StateRunning:
		return m.TransitionTo(StateProcessing)
	default:
		return m.state
	}
}

// WorkCompleted settles the stage after in-flight work finishes. A pausing
// stage lands on paused whatever hasMore says.
func (m *Machine) WorkCompleted(hasMore bool) State {
	switch m.state {
	case StateProcessing:
		if hasMore {
			return m.TransitionTo(StateRunning)
		}
		return m.TransitionTo(StateIdle)
	case StatePausing:
		return m.TransitionTo(StatePaused)
	default:
		return m.state
	}
}

// Stop moves the stage to the stopped shutdown target.
func (m *Machine) Stop() State {
	if m.state == StateStopped {
		return m.state
	}
	return m.TransitionTo(StateStopped)
}
