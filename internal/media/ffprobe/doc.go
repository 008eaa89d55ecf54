// Package ffprobe builds ffprobe invocations and decodes their JSON report.
//
// Key types:
//   - Result: parsed ffprobe output containing streams and format metadata
//   - Stream: individual audio/video/subtitle stream properties
//   - Format: container-level metadata (duration, size, bitrate)
//
// The analyzer stage runs ffprobe as a supervised worker with Args and reads
// the report back with ReadReport.
package ffprobe
