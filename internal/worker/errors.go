package worker

import "errors"

var (
	// ErrWorkerStartupFailed reports that a subprocess could not be launched.
	ErrWorkerStartupFailed = errors.New("worker startup failed")
	// ErrUnexpectedWorkerExit reports that a live subprocess disappeared.
	ErrUnexpectedWorkerExit = errors.New("unexpected worker exit")
	// ErrSupervisorClosed reports that the supervisor is shutting down.
	ErrSupervisorClosed = errors.New("worker supervisor closed")
)
