// Package logs reads the daemon log for `mediaflow logs`: the last N lines
// of a file and a polling follow mode that survives log rotation.
package logs
