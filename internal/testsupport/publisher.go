package testsupport

import (
	"sync"

	"mediaflow/internal/stage"
)

// Transition is one event captured by RecordingPublisher.
type Transition struct {
	Stage stage.Identity
	From  stage.State
	To    stage.State
}

// RecordingPublisher captures every published transition.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Transition
}

// Publish implements stage.Publisher.
func (r *RecordingPublisher) Publish(identity stage.Identity, previous, next stage.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Transition{Stage: identity, From: previous, To: next})
}

// Events returns a copy of the recorded transitions.
func (r *RecordingPublisher) Events() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.events...)
}

// States returns the destination states in publish order.
func (r *RecordingPublisher) States() []stage.State {
	events := r.Events()
	out := make([]stage.State, len(events))
	for i, evt := range events {
		out[i] = evt.To
	}
	return out
}
