package workflow

import (
	"context"

	"mediaflow/internal/logging"
	"mediaflow/internal/stage"
)

// StartStage resumes a stage and dispatches its eligible work.
func (m *Manager) StartStage(ctx context.Context, id stage.Identity) (stage.State, error) {
	c, err := m.Coordinator(id)
	if err != nil {
		return "", err
	}
	state, err := c.Start(ctx)
	m.logControl("start", id, state, err)
	return state, err
}

// PauseStage pauses a stage, draining in-flight work first.
func (m *Manager) PauseStage(ctx context.Context, id stage.Identity) (stage.State, error) {
	c, err := m.Coordinator(id)
	if err != nil {
		return "", err
	}
	state := c.Pause()
	m.logControl("pause", id, state, nil)
	return state, nil
}

// ResumeStage resumes a paused stage.
func (m *Manager) ResumeStage(ctx context.Context, id stage.Identity) (stage.State, error) {
	c, err := m.Coordinator(id)
	if err != nil {
		return "", err
	}
	state, err := c.Resume(ctx)
	m.logControl("resume", id, state, err)
	return state, err
}

// DispatchStage fills the stage's free capacity and returns how many units
// started.
func (m *Manager) DispatchStage(ctx context.Context, id stage.Identity) (int, error) {
	c, err := m.Coordinator(id)
	if err != nil {
		return 0, err
	}
	return c.DispatchAvailable(ctx)
}

func (m *Manager) logControl(action string, id stage.Identity, state stage.State, err error) {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_control"),
		logging.String(logging.FieldStage, string(id)),
		logging.String("action", action),
		logging.String("state", string(state)),
	}
	if err != nil {
		m.setLastError(err)
		attrs = append(attrs, logging.Error(err))
	}
	m.logger.Info("stage control applied", logging.Args(attrs...)...)
}
