package workflow

import (
	"context"
	"log/slog"
	"time"

	"mediaflow/internal/logging"
)

// StaleReclaimer returns claims whose heartbeat stopped before cutoff.
type StaleReclaimer interface {
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// HeartbeatMonitor reclaims work units whose worker stopped heartbeating.
type HeartbeatMonitor struct {
	store    StaleReclaimer
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(store StaleReclaimer, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:    store,
		logger:   logging.NewComponentLogger(logger, "workflow-heartbeat"),
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// ReclaimStale resets claims older than the heartbeat timeout and returns how
// many were reclaimed.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context) (int64, error) {
	if h.timeout <= 0 {
		return 0, nil
	}
	reclaimed, err := h.store.ReclaimStale(ctx, h.now().Add(-h.timeout))
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		h.logger.Info("reclaimed stale work units",
			logging.String(logging.FieldEventType, "stale_claims_reclaimed"),
			logging.Int64("count", reclaimed),
			logging.Duration("timeout", h.timeout),
		)
	}
	return reclaimed, nil
}

// Run reclaims on every interval until ctx ends. onReclaim is called after a
// pass that returned units to pending.
func (h *HeartbeatMonitor) Run(ctx context.Context, onReclaim func()) {
	if h.interval <= 0 || h.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := h.ReclaimStale(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				h.logger.Warn("reclaim stale claims failed; stuck units may remain",
					logging.Error(err),
					logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
					logging.String(logging.FieldErrorHint, "check queue database access"),
					logging.String(logging.FieldImpact, "claimed units stay claimed until the next pass"),
				)
				continue
			}
			if reclaimed > 0 && onReclaim != nil {
				onReclaim()
			}
		}
	}
}
