// Package metrics exposes Prometheus collectors for stage transitions, work
// unit dispatch, worker processes, and queue depth. Collectors live on a
// private registry served by Handler.
package metrics
