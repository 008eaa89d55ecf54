package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"mediaflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Every stage defaults to a stub binary that exits 0.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.OutputDir = filepath.Join(base, "encoded")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Workflow.PollInterval = 1
	cfgVal.Workflow.HeartbeatInterval = 1
	cfgVal.Workflow.HeartbeatTimeout = 30
	cfgVal.Workflow.ShutdownGrace = 1
	cfgVal.Ingest.SettleSeconds = 0

	stub := WriteScript(t, filepath.Join(base, "bin", "stub"), "exit 0")
	cfgVal.Analyzer.Binary = stub
	cfgVal.QualitySearch.Binary = stub
	cfgVal.Encoder.Binary = stub

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithStageBinary replaces the binary of stage with a shell script running body.
func WithStageBinary(stage, body string) ConfigOption {
	return func(b *configBuilder) {
		path := WriteScript(b.t, filepath.Join(b.baseDir, "bin", stage), body)
		switch stage {
		case "analyzer":
			b.cfg.Analyzer.Binary = path
		case "quality-search":
			b.cfg.QualitySearch.Binary = path
		case "encoder":
			b.cfg.Encoder.Binary = path
		default:
			b.t.Fatalf("unknown stage %q", stage)
		}
	}
}

// WithConcurrency sets the concurrency bound of every stage.
func WithConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Analyzer.Concurrency = n
		b.cfg.QualitySearch.Concurrency = n
		b.cfg.Encoder.Concurrency = n
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, ffprobe and ab-av1 are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffprobe", "ab-av1"}
		}
		binDir := filepath.Join(b.baseDir, "path-bin")
		for _, name := range names {
			WriteScript(b.t, filepath.Join(binDir, name), "exit 0")
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
