package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/queue"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/worker"
)

// EncodeResult is the encoder payload persisted as encode_json.
type EncodeResult struct {
	OutputPath  string  `json:"output_path"`
	SizeBytes   int64   `json:"size_bytes"`
	SourceBytes int64   `json:"source_bytes"`
	CRF         float64 `json:"crf"`
	Preset      string  `json:"preset"`
}

// Encoder produces the final AV1 file at the searched CRF.
type Encoder struct {
	binary    string
	preset    string
	container string
	outputDir string
	logger    *slog.Logger
}

// NewEncoder builds the encoder handler.
func NewEncoder(cfg *config.Config, logger *slog.Logger) *Encoder {
	return &Encoder{
		binary:    cfg.Encoder.Binary,
		preset:    cfg.Encoder.Preset,
		container: cfg.Encoder.Container,
		outputDir: cfg.Paths.OutputDir,
		logger:    logging.NewComponentLogger(logger, "encoder"),
	}
}

// OutputPath returns where the encoded file for unit is written. The unit ID
// keeps same-named sources from different directories apart.
func (e *Encoder) OutputPath(unit *queue.WorkUnit) (string, error) {
	base := filepath.Base(unit.SourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	output := filepath.Join(e.outputDir, fmt.Sprintf("%s.%d.%s", stem, unit.ID, e.container))
	if filepath.Clean(output) == filepath.Clean(unit.SourcePath) {
		return "", fmt.Errorf("output path %q would overwrite the source", output)
	}
	return output, nil
}

// Command implements dispatch.Handler.
func (e *Encoder) Command(ctx context.Context, unit *queue.WorkUnit) (worker.Command, error) {
	var search SearchResult
	if err := unit.DecodePayload(stage.QualitySearch, &search); err != nil {
		return worker.Command{}, services.Wrap(services.ErrValidation, string(stage.Encoder), "load search result", "", err)
	}
	if search.CRF <= 0 {
		return worker.Command{}, services.Wrap(services.ErrValidation, string(stage.Encoder), "load search result", fmt.Sprintf("invalid crf %v", search.CRF), nil)
	}
	output, err := e.OutputPath(unit)
	if err != nil {
		return worker.Command{}, services.Wrap(services.ErrConfiguration, string(stage.Encoder), "resolve output path", "", err)
	}
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return worker.Command{}, services.Wrap(services.ErrConfiguration, string(stage.Encoder), "create output dir", e.outputDir, err)
	}
	return worker.Command{
		Binary: e.binary,
		Args: []string{
			"encode",
			"-i", unit.SourcePath,
			"--crf", strconv.FormatFloat(search.CRF, 'f', -1, 64),
			"--preset", e.preset,
			"-o", output,
		},
	}, nil
}

// Complete implements dispatch.Handler.
func (e *Encoder) Complete(ctx context.Context, unit *queue.WorkUnit, result worker.Result) (queue.Outcome, error) {
	logger := logging.WithContext(ctx, e.logger)
	output, err := e.OutputPath(unit)
	if err != nil {
		return invalid(stage.Encoder, "resolve output path", unit.SourcePath, err), nil
	}
	if !result.Success() {
		if err := os.Remove(output); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Debug("remove partial output failed", logging.Error(err))
		}
		return toolFailure(stage.Encoder, "encode", result), nil
	}

	info, err := os.Stat(output)
	if err != nil {
		return invalid(stage.Encoder, "stat output", output, err), nil
	}
	if info.Size() == 0 {
		return invalid(stage.Encoder, "stat output", "encoded file is empty", nil), nil
	}

	var search SearchResult
	_ = unit.DecodePayload(stage.QualitySearch, &search)
	encoded := EncodeResult{
		OutputPath: output,
		SizeBytes:  info.Size(),
		CRF:        search.CRF,
		Preset:     e.preset,
	}
	if src, err := os.Stat(unit.SourcePath); err == nil {
		encoded.SourceBytes = src.Size()
	}
	payload, err := json.Marshal(encoded)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("encode result: %w", err)
	}
	logger.Info("encode complete",
		logging.String(logging.FieldEventType, "encode_complete"),
		logging.String("output", output),
		logging.Int64("size_bytes", encoded.SizeBytes),
	)
	return queue.Outcome{Success: true, Payload: payload, OutputPath: output}, nil
}

// HealthCheck verifies the ab-av1 binary and the output directory.
func (e *Encoder) HealthCheck(ctx context.Context) stage.Health {
	health, ok := checkBinary(stage.Encoder, e.binary)
	if !ok {
		return health
	}
	if strings.TrimSpace(e.outputDir) == "" {
		return stage.Unhealthy(stage.Encoder, "output directory not configured")
	}
	if info, err := os.Stat(e.outputDir); err == nil && !info.IsDir() {
		return stage.Unhealthy(stage.Encoder, fmt.Sprintf("output path %q is not a directory", e.outputDir))
	}
	return health
}
