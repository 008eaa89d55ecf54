package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownStages = []string{"analyzer", "quality-search", "encoder"}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validatePaths,
		c.validateWorkflow,
		c.validateStages,
		c.validateIngest,
		c.validateEvents,
		c.validateLogging,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		return errors.New("paths.output_dir must be set")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositive(
		namedInt{"workflow.poll_interval", c.Workflow.PollInterval},
		namedInt{"workflow.error_retry_interval", c.Workflow.ErrorRetryInterval},
		namedInt{"workflow.heartbeat_interval", c.Workflow.HeartbeatInterval},
		namedInt{"workflow.heartbeat_timeout", c.Workflow.HeartbeatTimeout},
	); err != nil {
		return err
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.ShutdownGrace < 0 {
		return errors.New("workflow.shutdown_grace must not be negative")
	}
	return nil
}

func (c *Config) validateStages() error {
	if err := ensurePositive(
		namedInt{"analyzer.concurrency", c.Analyzer.Concurrency},
		namedInt{"quality_search.concurrency", c.QualitySearch.Concurrency},
		namedInt{"encoder.concurrency", c.Encoder.Concurrency},
	); err != nil {
		return err
	}
	for key, value := range map[string]string{
		"analyzer.binary":       c.Analyzer.Binary,
		"quality_search.binary": c.QualitySearch.Binary,
		"encoder.binary":        c.Encoder.Binary,
	} {
		if value == "" {
			return fmt.Errorf("%s must be set", key)
		}
	}
	if c.QualitySearch.MinVMAF <= 0 || c.QualitySearch.MinVMAF > 100 {
		return errors.New("quality_search.min_vmaf must be within (0, 100]")
	}
	if c.QualitySearch.MaxEncodedPercent <= 0 || c.QualitySearch.MaxEncodedPercent > 100 {
		return errors.New("quality_search.max_encoded_percent must be within (0, 100]")
	}
	switch c.Encoder.Container {
	case "mkv", "mp4":
	default:
		return fmt.Errorf("encoder.container must be mkv or mp4, got %q", c.Encoder.Container)
	}
	return nil
}

func (c *Config) validateIngest() error {
	if !c.Ingest.Enabled {
		return nil
	}
	if len(c.Paths.WatchDirs) == 0 {
		return errors.New("paths.watch_dirs must list at least one directory when ingest.enabled is true")
	}
	if len(c.Ingest.Extensions) == 0 {
		return errors.New("ingest.extensions must not be empty when ingest.enabled is true")
	}
	return nil
}

func (c *Config) validateEvents() error {
	if c.Events.Buffer <= 0 {
		return errors.New("events.buffer must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	for stage := range c.Logging.StageOverrides {
		if !isKnownStage(stage) {
			return fmt.Errorf("logging.stage_overrides: unknown stage %q", stage)
		}
	}
	return nil
}

func isKnownStage(name string) bool {
	for _, known := range knownStages {
		if known == name {
			return true
		}
	}
	return false
}

type namedInt struct {
	key   string
	value int
}

func ensurePositive(values ...namedInt) error {
	for _, v := range values {
		if v.value <= 0 {
			return fmt.Errorf("%s must be positive", v.key)
		}
	}
	return nil
}
