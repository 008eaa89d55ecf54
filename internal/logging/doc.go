// Package logging builds the slog loggers used by the daemon, the CLI, and
// tests.
//
// It owns the console and JSON handlers, output fan-out to files, per-stage
// level overrides, and the standard field names (stage, unit_id, worker_key,
// event_type, ...) so every component emits records with the same shape.
// Context helpers stamp records with the identifiers carried by
// services context keys. NewNop returns a discard logger for tests and for
// wiring that tolerates a missing logger.
package logging
