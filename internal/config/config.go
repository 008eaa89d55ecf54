package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string   `toml:"data_dir"`
	LogDir    string   `toml:"log_dir"`
	OutputDir string   `toml:"output_dir"`
	WatchDirs []string `toml:"watch_dirs"`
	APIBind   string   `toml:"api_bind"`
	APIToken  string   `toml:"api_token"`
}

// Workflow contains daemon timing. Values are seconds.
type Workflow struct {
	PollInterval       int  `toml:"poll_interval"`
	ErrorRetryInterval int  `toml:"error_retry_interval"`
	HeartbeatInterval  int  `toml:"heartbeat_interval"`
	HeartbeatTimeout   int  `toml:"heartbeat_timeout"`
	ShutdownGrace      int  `toml:"shutdown_grace"`
	AutoStart          bool `toml:"auto_start"`
}

// Analyzer configures the media probe stage.
type Analyzer struct {
	Binary      string `toml:"binary"`
	Concurrency int    `toml:"concurrency"`
}

// QualitySearch configures the CRF search stage.
type QualitySearch struct {
	Binary            string  `toml:"binary"`
	Concurrency       int     `toml:"concurrency"`
	MinVMAF           float64 `toml:"min_vmaf"`
	Preset            string  `toml:"preset"`
	MaxEncodedPercent int     `toml:"max_encoded_percent"`
}

// Encoder configures the final encode stage.
type Encoder struct {
	Binary      string `toml:"binary"`
	Concurrency int    `toml:"concurrency"`
	Preset      string `toml:"preset"`
	Container   string `toml:"container"`
}

// Ingest configures the watch-directory scanner.
type Ingest struct {
	Enabled       bool     `toml:"enabled"`
	Extensions    []string `toml:"extensions"`
	SettleSeconds int      `toml:"settle_seconds"`
}

// Events configures transition event forwarding.
type Events struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
	Buffer  int    `toml:"buffer"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format"`
	Level          string            `toml:"level"`
	RetentionDays  int               `toml:"retention_days"`
	StageOverrides map[string]string `toml:"stage_overrides"`
}

// Config encapsulates all configuration values for mediaflow.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Workflow      Workflow      `toml:"workflow"`
	Analyzer      Analyzer      `toml:"analyzer"`
	QualitySearch QualitySearch `toml:"quality_search"`
	Encoder       Encoder       `toml:"encoder"`
	Ingest        Ingest        `toml:"ingest"`
	Events        Events        `toml:"events"`
	Logging       Logging       `toml:"logging"`
}

// StageSettings are the knobs every stage shares.
type StageSettings struct {
	Binary      string
	Concurrency int
}

// DefaultConfigPath returns the absolute path of the default configuration file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/mediaflow/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded. The string is the resolved path and the
// bool reports whether a file existed there.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolvedPath, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("mediaflow.toml")
	if err != nil {
		return "", false, err
	}
	for _, candidate := range []string{defaultPath, projectPath} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true, nil
		}
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.OutputDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Stage returns the shared settings for a stage name. Unknown names report false.
func (c *Config) Stage(name string) (StageSettings, bool) {
	switch name {
	case "analyzer":
		return StageSettings{Binary: c.Analyzer.Binary, Concurrency: c.Analyzer.Concurrency}, true
	case "quality-search":
		return StageSettings{Binary: c.QualitySearch.Binary, Concurrency: c.QualitySearch.Concurrency}, true
	case "encoder":
		return StageSettings{Binary: c.Encoder.Binary, Concurrency: c.Encoder.Concurrency}, true
	default:
		return StageSettings{}, false
	}
}

// QueueDBPath is the SQLite database backing the work queue.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.DataDir, "queue.db")
}

// SocketPath is the unix socket the daemon serves IPC on.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.DataDir, "mediaflow.sock")
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "mediaflow.lock")
}

// PIDPath records the daemon process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "mediaflow.pid")
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workflow.PollInterval) * time.Second
}

func (c *Config) ErrorRetryInterval() time.Duration {
	return time.Duration(c.Workflow.ErrorRetryInterval) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workflow.HeartbeatInterval) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Workflow.HeartbeatTimeout) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Workflow.ShutdownGrace) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes the sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
