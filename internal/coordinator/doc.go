// Package coordinator composes one stage's state machine, dispatcher, and the
// shared worker supervisor into a single controllable unit.
//
// Every transition for a stage goes through its Coordinator, which
// serializes them under one mutex. The dispatcher calls back into the
// coordinator for StartProcessing and WorkCompleted; the coordinator never
// calls the dispatcher while holding its own lock, so the lock order is
// always dispatcher then coordinator.
package coordinator
