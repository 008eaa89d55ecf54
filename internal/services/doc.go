// Package services holds helpers shared by the stage handlers and the
// orchestration layer.
//
//   - Context helpers stamp unit IDs, stage names, and correlation identifiers
//     so logging.WithContext can tag records.
//   - Error markers plus Wrap classify handler failures; Retryable separates
//     transient failures from ones that need operator attention.
package services
