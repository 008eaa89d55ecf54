package stage

import "errors"

var (
	// ErrInvalidTransition marks a requested state change the table does not permit.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidStageIdentity marks an identity outside the fixed stage set.
	ErrInvalidStageIdentity = errors.New("invalid stage identity")
	// ErrInvalidState marks a state value outside the known enum.
	ErrInvalidState = errors.New("invalid state")
)
