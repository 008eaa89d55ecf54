package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"mediaflow/internal/config"
	"mediaflow/internal/queue"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/worker"
)

// Handler is implemented by every stage handler.
type Handler interface {
	Command(ctx context.Context, unit *queue.WorkUnit) (worker.Command, error)
	Complete(ctx context.Context, unit *queue.WorkUnit, result worker.Result) (queue.Outcome, error)
	HealthCheck(ctx context.Context) stage.Health
}

// For returns the handler serving id.
func For(id stage.Identity, cfg *config.Config, logger *slog.Logger) (Handler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("handlers: configuration required")
	}
	switch id {
	case stage.Analyzer:
		return NewAnalyzer(cfg, logger), nil
	case stage.QualitySearch:
		return NewQualitySearch(cfg, logger), nil
	case stage.Encoder:
		return NewEncoder(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", stage.ErrInvalidStageIdentity, string(id))
	}
}

// toolFailure converts a non-zero exit into a failed outcome.
func toolFailure(id stage.Identity, tool string, result worker.Result) queue.Outcome {
	detail := fmt.Sprintf("exit code %d", result.ExitCode)
	if line := strings.TrimSpace(result.LastLine); line != "" {
		detail += ": " + line
	}
	return queue.Outcome{
		Error: services.Wrap(services.ErrExternalTool, string(id), tool, detail, nil).Error(),
	}
}

func invalid(id stage.Identity, operation, message string, err error) queue.Outcome {
	return queue.Outcome{
		Error: services.Wrap(services.ErrValidation, string(id), operation, message, err).Error(),
	}
}

func checkBinary(id stage.Identity, binary string) (stage.Health, bool) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return stage.Unhealthy(id, "binary not configured"), false
	}
	if _, err := exec.LookPath(binary); err != nil {
		return stage.Unhealthy(id, fmt.Sprintf("binary %q not found", binary)), false
	}
	return stage.Healthy(id), true
}
