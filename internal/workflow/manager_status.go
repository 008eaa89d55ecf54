package workflow

import (
	"context"

	"mediaflow/internal/coordinator"
	"mediaflow/internal/logging"
	"mediaflow/internal/queue"
	"mediaflow/internal/stage"
)

// StatusSummary represents the pipeline at one moment.
type StatusSummary struct {
	Running    bool                 `json:"running"`
	LastError  string               `json:"last_error,omitempty"`
	Stages     []coordinator.Status `json:"stages"`
	QueueStats map[queue.Status]int `json:"queue_stats"`
}

// Status collects every stage snapshot and the queue totals. Partial results
// are returned when a stage or the store cannot be read.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{Running: m.running}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()

	for _, id := range stage.All() {
		status, err := m.coordinators[id].Status(ctx)
		if err != nil {
			m.logger.Warn("stage status incomplete",
				logging.String(logging.FieldStage, string(id)),
				logging.Error(err),
				logging.String(logging.FieldEventType, "stage_status_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
				logging.String(logging.FieldImpact, "status shows partial data"),
			)
		}
		summary.Stages = append(summary.Stages, status)
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err),
			logging.String(logging.FieldEventType, "queue_stats_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
			logging.String(logging.FieldImpact, "status omits queue totals"),
		)
	}
	summary.QueueStats = stats
	return summary
}

// StageStatus returns the snapshot of one stage.
func (m *Manager) StageStatus(ctx context.Context, id stage.Identity) (coordinator.Status, error) {
	c, err := m.Coordinator(id)
	if err != nil {
		return coordinator.Status{}, err
	}
	return c.Status(ctx)
}
