package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/queue"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/worker"
)

// SearchResult is the quality-search payload persisted as search_json.
type SearchResult struct {
	CRF              float64 `json:"crf"`
	VMAF             float64 `json:"vmaf"`
	PredictedPercent float64 `json:"predicted_percent"`
	MinVMAF          float64 `json:"min_vmaf"`
	Preset           string  `json:"preset"`
}

var (
	crfLinePattern     = regexp.MustCompile(`(?i)\bcrf\s+([0-9]+(?:\.[0-9]+)?)\s+VMAF\s+([0-9]+(?:\.[0-9]+)?)`)
	percentLinePattern = regexp.MustCompile(`\(([0-9]+(?:\.[0-9]+)?)%\)`)
)

// QualitySearch finds the highest CRF that keeps the target VMAF.
type QualitySearch struct {
	binary            string
	minVMAF           float64
	preset            string
	maxEncodedPercent int
	logger            *slog.Logger
}

// NewQualitySearch builds the quality-search handler.
func NewQualitySearch(cfg *config.Config, logger *slog.Logger) *QualitySearch {
	return &QualitySearch{
		binary:            cfg.QualitySearch.Binary,
		minVMAF:           cfg.QualitySearch.MinVMAF,
		preset:            cfg.QualitySearch.Preset,
		maxEncodedPercent: cfg.QualitySearch.MaxEncodedPercent,
		logger:            logging.NewComponentLogger(logger, "quality-search"),
	}
}

// Command implements dispatch.Handler.
func (q *QualitySearch) Command(ctx context.Context, unit *queue.WorkUnit) (worker.Command, error) {
	var analysis Analysis
	if err := unit.DecodePayload(stage.Analyzer, &analysis); err != nil {
		return worker.Command{}, services.Wrap(services.ErrValidation, string(stage.QualitySearch), "load analysis", "", err)
	}
	args := []string{
		"crf-search",
		"-i", unit.SourcePath,
		"--min-vmaf", strconv.FormatFloat(q.minVMAF, 'f', -1, 64),
		"--preset", q.preset,
	}
	if q.maxEncodedPercent > 0 {
		args = append(args, "--max-encoded-percent", strconv.Itoa(q.maxEncodedPercent))
	}
	return worker.Command{Binary: q.binary, Args: args}, nil
}

// Complete implements dispatch.Handler.
func (q *QualitySearch) Complete(ctx context.Context, unit *queue.WorkUnit, result worker.Result) (queue.Outcome, error) {
	if !result.Success() {
		return toolFailure(stage.QualitySearch, "crf-search", result), nil
	}
	found, ok := parseSearchOutput(result.Output)
	if !ok {
		return invalid(stage.QualitySearch, "parse output", "crf-search reported no CRF", nil), nil
	}
	found.MinVMAF = q.minVMAF
	found.Preset = q.preset

	payload, err := json.Marshal(found)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("encode search result: %w", err)
	}
	logging.WithContext(ctx, q.logger).Info("quality search complete",
		logging.String(logging.FieldEventType, "crf_selected"),
		logging.Float64("crf", found.CRF),
		logging.Float64("vmaf", found.VMAF),
		logging.Float64("predicted_percent", found.PredictedPercent),
	)
	return queue.Outcome{Success: true, Payload: payload}, nil
}

// parseSearchOutput returns the last CRF/VMAF pair ab-av1 printed. The final
// summary line follows the per-sample lines, so the last match wins.
func parseSearchOutput(lines []string) (SearchResult, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		match := crfLinePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		crf, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}
		vmaf, err := strconv.ParseFloat(match[2], 64)
		if err != nil {
			continue
		}
		found := SearchResult{CRF: crf, VMAF: vmaf}
		if pct := percentLinePattern.FindStringSubmatch(line); pct != nil {
			found.PredictedPercent, _ = strconv.ParseFloat(pct[1], 64)
		}
		return found, true
	}
	return SearchResult{}, false
}

// HealthCheck verifies the ab-av1 binary is reachable.
func (q *QualitySearch) HealthCheck(ctx context.Context) stage.Health {
	health, _ := checkBinary(stage.QualitySearch, q.binary)
	return health
}
