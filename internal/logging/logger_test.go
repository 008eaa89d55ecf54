package logging_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
)

func newFileLogger(t *testing.T, format, level string) (*slog.Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := logging.New(logging.Options{
		Format:           format,
		Level:            level,
		OutputPaths:      []string{path},
		ErrorOutputPaths: []string{path},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return logger, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(content)
}

func TestConsoleFormatIncludesComponentAndFields(t *testing.T) {
	logger, path := newFileLogger(t, "console", "info")
	logging.NewComponentLogger(logger, "dispatcher").Info("unit claimed",
		logging.String(logging.FieldStage, "encoder"),
		logging.Int64(logging.FieldUnitID, 42),
	)

	out := readLog(t, path)
	for _, fragment := range []string{"INFO", "dispatcher: unit claimed", "stage=encoder", "unit_id=42"} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("expected %q in %q", fragment, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("file output must not be colorized: %q", out)
	}
	if strings.Contains(out, ".go:") {
		t.Fatalf("expected no source location at info level: %q", out)
	}
}

func TestJSONFormatUsesShortKeys(t *testing.T) {
	logger, path := newFileLogger(t, "json", "info")
	logger.Warn("worker exited", logging.String(logging.FieldWorkerKey, "encoder:7"))

	out := readLog(t, path)
	for _, fragment := range []string{`"ts":`, `"level":"warn"`, `"msg":"worker exited"`, `"worker_key":"encoder:7"`} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("expected %q in %q", fragment, out)
		}
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logger, path := newFileLogger(t, "console", "info")
	logging.WarnWithContext(logger, "transition rejected", "invalid_transition")

	out := readLog(t, path)
	for _, fragment := range []string{"event_type=invalid_transition", "error_hint=", "impact="} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("expected %q in %q", fragment, out)
		}
	}
}

func TestWithContextAddsServiceFields(t *testing.T) {
	logger, path := newFileLogger(t, "console", "info")
	ctx := services.WithUnitID(context.Background(), 9)
	ctx = services.WithStage(ctx, "analyzer")
	ctx = services.WithRequestID(ctx, "round-1")
	logging.WithContext(ctx, logger).Info("dispatching")

	out := readLog(t, path)
	for _, fragment := range []string{"unit_id=9", "stage=analyzer", "correlation_id=round-1"} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("expected %q in %q", fragment, out)
		}
	}
}

func TestForStageAppliesOverride(t *testing.T) {
	logger, path := newFileLogger(t, "console", "debug")
	overrides := map[string]string{"encoder": "warn"}

	logging.ForStage(logger, overrides, "encoder").Info("hidden")
	logging.ForStage(logger, overrides, "analyzer").Info("visible")

	out := readLog(t, path)
	if strings.Contains(out, "hidden") {
		t.Fatalf("override should suppress info for encoder: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("expected analyzer record: %q", out)
	}
}

func TestNewFromConfigWritesRunLog(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, path, err := logging.NewFromConfig(&cfg, "test-run")
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	logger.Info("hello")
	if filepath.Base(path) != "mediaflow-test-run.log" {
		t.Fatalf("unexpected log path %q", path)
	}
	if !strings.Contains(readLog(t, path), "hello") {
		t.Fatal("expected record in run log")
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "mediaflow-old.log")
	current := filepath.Join(dir, "mediaflow-current.log")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, current, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	stale := time.Now().AddDate(0, 0, -10)
	for _, p := range []string{old, current, other} {
		if err := os.Chtimes(p, stale, stale); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed := logging.CleanupOldLogs(logging.NewNop(), dir, "mediaflow-*.log", 5, current)
	if removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("expected old log removed")
	}
	for _, p := range []string{current, other} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s kept: %v", p, err)
		}
	}
}
