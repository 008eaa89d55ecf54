package workflow

import (
	"context"
	"errors"
	"time"

	"mediaflow/internal/coordinator"
	"mediaflow/internal/logging"
	"mediaflow/internal/stage"
)

// Start launches the poll loops and the heartbeat monitor. With
// workflow.auto_start every stage is started as well; otherwise stages stay
// paused until started explicitly.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	ids := stage.All()
	m.wg.Add(len(ids) + 1)
	m.mu.Unlock()

	for _, id := range ids {
		go m.pollStage(runCtx, m.coordinators[id])
	}
	go func() {
		defer m.wg.Done()
		m.heartbeat.Run(runCtx, m.nudgeAll)
	}()

	if m.cfg.Workflow.AutoStart {
		for _, id := range ids {
			if _, err := m.coordinators[id].Start(ctx); err != nil {
				m.setLastError(err)
				m.logger.Warn("auto start failed",
					logging.String(logging.FieldStage, string(id)),
					logging.Error(err),
					logging.String(logging.FieldEventType, "stage_autostart_failed"),
					logging.String(logging.FieldErrorHint, "check queue database access, then run 'mediaflow start "+string(id)+"'"),
					logging.String(logging.FieldImpact, "stage may remain idle until started"),
				)
			}
		}
	}
	m.logger.Info("workflow started",
		logging.String(logging.FieldEventType, "workflow_started"),
		logging.Bool("auto_start", m.cfg.Workflow.AutoStart),
		logging.Duration("poll_interval", m.pollInterval),
	)
	return nil
}

// Stop halts the background loops and stops every coordinator. Worker
// processes are left to the supervisor.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	for _, id := range stage.All() {
		m.coordinators[id].Stop()
	}
	m.logger.Info("workflow stopped", logging.String(logging.FieldEventType, "workflow_stopped"))
}

// Running reports whether the background loops are active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) pollStage(ctx context.Context, c *coordinator.Coordinator) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String(logging.FieldStage, string(c.Identity())))
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.nudges[c.Identity()]:
		}

		if err := m.poll(ctx, c); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setLastError(err)
			logger.Warn("stage poll failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "stage_poll_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
				logging.String(logging.FieldImpact, "stage picks up work after the retry delay"),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.retryDelay):
			}
		}
	}
}

// poll wakes c when it is idle or running and has eligible work.
func (m *Manager) poll(ctx context.Context, c *coordinator.Coordinator) error {
	if c.Identity() == stage.Analyzer && m.depths != nil {
		depths, err := m.store.Depths(ctx)
		if err != nil {
			return err
		}
		m.depths.SetQueueDepths(depths)
	}
	if !stage.AvailableForWork(c.State()) {
		return nil
	}
	count, err := m.store.CountEligible(ctx, c.Identity())
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	_, err = c.NotifyWorkAvailable(ctx)
	return err
}

func (m *Manager) nudgeAll() {
	for _, id := range stage.All() {
		m.nudge(id)
	}
}
