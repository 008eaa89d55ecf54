package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStages()
	c.normalizeIngest()
	c.normalizeEvents()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = c.Paths.DataDir + "/logs"
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	watch := make([]string, 0, len(c.Paths.WatchDirs))
	for _, dir := range c.Paths.WatchDirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		expanded, err := expandPath(strings.TrimSpace(dir))
		if err != nil {
			return fmt.Errorf("paths.watch_dirs: %w", err)
		}
		watch = append(watch, expanded)
	}
	c.Paths.WatchDirs = watch
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if strings.TrimSpace(c.Paths.APIToken) == "" {
		c.Paths.APIToken = strings.TrimSpace(os.Getenv("MEDIAFLOW_API_TOKEN"))
	}
	return nil
}

func (c *Config) normalizeStages() {
	c.Analyzer.Binary = strings.TrimSpace(c.Analyzer.Binary)
	c.QualitySearch.Binary = strings.TrimSpace(c.QualitySearch.Binary)
	c.QualitySearch.Preset = strings.TrimSpace(c.QualitySearch.Preset)
	c.Encoder.Binary = strings.TrimSpace(c.Encoder.Binary)
	c.Encoder.Preset = strings.TrimSpace(c.Encoder.Preset)
	c.Encoder.Container = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.Encoder.Container)), ".")
	if c.Encoder.Container == "" {
		c.Encoder.Container = defaultEncoderContainer
	}
}

func (c *Config) normalizeIngest() {
	exts := make([]string, 0, len(c.Ingest.Extensions))
	for _, ext := range c.Ingest.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	c.Ingest.Extensions = exts
	if c.Ingest.SettleSeconds < 0 {
		c.Ingest.SettleSeconds = 0
	}
}

func (c *Config) normalizeEvents() {
	if strings.TrimSpace(c.Events.NATSURL) == "" {
		c.Events.NATSURL = os.Getenv("MEDIAFLOW_NATS_URL")
	}
	c.Events.NATSURL = strings.TrimSpace(c.Events.NATSURL)
	c.Events.Subject = strings.TrimSpace(c.Events.Subject)
	if c.Events.Subject == "" {
		c.Events.Subject = defaultEventsSubject
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
	if len(c.Logging.StageOverrides) > 0 {
		normalized := make(map[string]string, len(c.Logging.StageOverrides))
		for stage, level := range c.Logging.StageOverrides {
			key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(stage)), "_", "-")
			normalized[key] = strings.ToLower(strings.TrimSpace(level))
		}
		c.Logging.StageOverrides = normalized
	}
}
