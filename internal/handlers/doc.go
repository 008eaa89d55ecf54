// Package handlers turns work units into worker subprocess commands and turns
// finished subprocesses back into queue outcomes.
//
// Each stage has one handler:
//   - Analyzer runs ffprobe and records stream and container metadata
//   - QualitySearch runs `ab-av1 crf-search` and records the chosen CRF
//   - Encoder runs `ab-av1 encode` with that CRF and records the output file
//
// Handlers never wait on subprocesses themselves; the dispatcher owns the
// worker lifecycle and calls Complete once the process exits.
package handlers
