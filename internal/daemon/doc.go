// Package daemon coordinates the long-running mediaflow process.
//
// It wires configuration, queue storage, the worker supervisor, the event
// broadcaster, metrics, and the workflow manager into a single lifecycle with
// flock-based locking to prevent multiple instances. The daemon also owns the
// HTTP surface: JSON status, a server-sent event stream of stage transitions,
// and the Prometheus endpoint.
//
// Keep orchestration logic here: stage semantics live in the coordinator and
// dispatch packages while the daemon focuses on startup, shutdown, and high
// level wiring.
package daemon
