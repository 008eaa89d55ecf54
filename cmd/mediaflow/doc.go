// Package main hosts the mediaflow CLI entrypoint and command graph.
//
// The Cobra command tree translates terminal invocations into IPC calls
// against the daemon: stage control (start, pause, resume, dispatch), status
// tables, queue maintenance, and configuration scaffolding. It centralizes
// configuration resolution and socket discovery so subcommands only render
// results.
//
// Keep this package lean: new behavior belongs in the internal packages first
// and is surfaced here through dedicated commands or flags.
package main
