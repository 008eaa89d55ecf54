package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/media/ffprobe"
	"mediaflow/internal/queue"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/worker"
)

// Analysis is the analyzer payload persisted as analysis_json.
type Analysis struct {
	Container       string  `json:"container"`
	DurationSeconds float64 `json:"duration_seconds"`
	SizeBytes       int64   `json:"size_bytes"`
	BitRate         int64   `json:"bit_rate"`
	VideoCodec      string  `json:"video_codec"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FrameRate       string  `json:"frame_rate,omitempty"`
	PixelFormat     string  `json:"pixel_format,omitempty"`
	AudioStreams    int     `json:"audio_streams"`
	SubtitleStreams int     `json:"subtitle_streams"`
}

// Analyzer probes source files with ffprobe.
type Analyzer struct {
	binary    string
	reportDir string
	logger    *slog.Logger
}

// NewAnalyzer builds the analyzer handler.
func NewAnalyzer(cfg *config.Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		binary:    cfg.Analyzer.Binary,
		reportDir: filepath.Join(cfg.Paths.DataDir, "analysis"),
		logger:    logging.NewComponentLogger(logger, "analyzer"),
	}
}

func (a *Analyzer) reportPath(unit *queue.WorkUnit) string {
	return filepath.Join(a.reportDir, fmt.Sprintf("%d.json", unit.ID))
}

// Command implements dispatch.Handler.
func (a *Analyzer) Command(ctx context.Context, unit *queue.WorkUnit) (worker.Command, error) {
	if _, err := os.Stat(unit.SourcePath); err != nil {
		marker := services.ErrTransient
		if errors.Is(err, fs.ErrNotExist) {
			marker = services.ErrNotFound
		}
		return worker.Command{}, services.Wrap(marker, string(stage.Analyzer), "stat source", unit.SourcePath, err)
	}
	if err := os.MkdirAll(a.reportDir, 0o755); err != nil {
		return worker.Command{}, services.Wrap(services.ErrConfiguration, string(stage.Analyzer), "create report dir", a.reportDir, err)
	}
	report := a.reportPath(unit)
	if err := os.Remove(report); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return worker.Command{}, services.Wrap(services.ErrTransient, string(stage.Analyzer), "remove stale report", report, err)
	}
	return worker.Command{
		Binary: a.binary,
		Args:   ffprobe.Args(unit.SourcePath, report),
	}, nil
}

// Complete implements dispatch.Handler.
func (a *Analyzer) Complete(ctx context.Context, unit *queue.WorkUnit, result worker.Result) (queue.Outcome, error) {
	report := a.reportPath(unit)
	defer func() {
		if err := os.Remove(report); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.logger.Debug("remove probe report failed", logging.Error(err))
		}
	}()
	if !result.Success() {
		return toolFailure(stage.Analyzer, "ffprobe", result), nil
	}

	probe, err := ffprobe.ReadReport(report)
	if err != nil {
		return invalid(stage.Analyzer, "read report", "ffprobe produced no usable report", err), nil
	}
	video, ok := probe.VideoStream()
	if !ok {
		return invalid(stage.Analyzer, "inspect streams", "source has no video stream", nil), nil
	}

	analysis := Analysis{
		Container:       probe.Format.FormatName,
		DurationSeconds: probe.DurationSeconds(),
		SizeBytes:       probe.SizeBytes(),
		BitRate:         probe.BitRate(),
		VideoCodec:      video.CodecName,
		Width:           video.Width,
		Height:          video.Height,
		FrameRate:       video.FrameRate,
		PixelFormat:     video.PixFmt,
		AudioStreams:    probe.AudioStreamCount(),
		SubtitleStreams: probe.SubtitleStreamCount(),
	}
	if math.IsNaN(analysis.DurationSeconds) {
		analysis.DurationSeconds = 0
	}
	payload, err := json.Marshal(analysis)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("encode analysis: %w", err)
	}
	logging.WithContext(ctx, a.logger).Info("source analyzed",
		logging.String(logging.FieldEventType, "source_analyzed"),
		logging.String("video_codec", analysis.VideoCodec),
		logging.Int("width", analysis.Width),
		logging.Int("height", analysis.Height),
		logging.Float64("duration_seconds", analysis.DurationSeconds),
	)
	return queue.Outcome{Success: true, Payload: payload}, nil
}

// HealthCheck verifies the ffprobe binary is reachable.
func (a *Analyzer) HealthCheck(ctx context.Context) stage.Health {
	health, _ := checkBinary(stage.Analyzer, a.binary)
	return health
}
