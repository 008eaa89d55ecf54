// Package workflow wires the three stage coordinators into one pipeline.
//
// The Manager builds a coordinator per stage over a shared queue store and
// worker supervisor, then runs the background loops that keep the pipeline
// moving: a poll loop per stage that wakes it when eligible work exists, and a
// heartbeat monitor that returns stale claims to pending. A unit finishing
// one stage nudges the next stage's poll loop so it does not wait for the
// next tick.
//
// Stage control (start, pause, resume, dispatch) goes through the Manager so
// the daemon, IPC server, and HTTP API share one entry point.
package workflow
