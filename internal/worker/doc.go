// Package worker owns the external subprocesses that do the media work.
//
// Supervisor keeps a registry from a work key (for example "encoder:42") to a
// live Handle. The registry is independent of the dispatchers that request
// handles: processes run under the supervisor's own context, so a dispatcher
// that is rebuilt or restarted can look its handles up again instead of
// orphaning them. Acquire starts at most one process per key even when
// callers race. A process that exits by signal is purged at once and its
// waiters see ErrUnexpectedWorkerExit; a process that exits normally stays
// registered until Release.
package worker
