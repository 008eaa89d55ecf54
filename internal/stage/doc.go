// Package stage models the lifecycle of one pipeline stage.
//
// A Machine owns a stage's identity and current State and applies the fixed
// transition table. Every accepted change is published exactly once through
// the injected Publisher; rejected requests are logged and leave the state
// untouched. The five high-level operations (Pause, Resume, WorkAvailable,
// StartProcessing, WorkCompleted) are the only way callers drive a stage, and
// the predicates (AvailableForWork, ActivelyWorking, IsRunning) answer the
// questions the dispatcher and status surfaces ask.
//
// The package performs no I/O. A Machine is not safe for concurrent use; the
// coordinator serializes all access for a given stage.
package stage
