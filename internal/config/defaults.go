package config

const (
	defaultDataDir                 = "~/.local/share/mediaflow"
	defaultLogDir                  = "~/.local/share/mediaflow/logs"
	defaultOutputDir               = "~/mediaflow/encoded"
	defaultAPIBind                 = "127.0.0.1:7489"
	defaultPollInterval            = 5
	defaultErrorRetryInterval      = 10
	defaultHeartbeatInterval       = 15
	defaultHeartbeatTimeout        = 120
	defaultShutdownGrace           = 10
	defaultAnalyzerBinary          = "ffprobe"
	defaultAnalyzerConcurrency     = 4
	defaultSearchBinary            = "ab-av1"
	defaultSearchConcurrency       = 1
	defaultSearchMinVMAF           = 95.0
	defaultSearchPreset            = "6"
	defaultSearchMaxEncodedPercent = 80
	defaultEncoderBinary           = "ab-av1"
	defaultEncoderConcurrency      = 1
	defaultEncoderPreset           = "6"
	defaultEncoderContainer        = "mkv"
	defaultIngestSettleSeconds     = 30
	defaultEventsSubject           = "mediaflow.stage.transitions"
	defaultEventsBuffer            = 64
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultLogRetentionDays        = 30
)

var defaultIngestExtensions = []string{".mkv", ".mp4", ".m4v", ".avi", ".mov", ".ts"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			LogDir:    defaultLogDir,
			OutputDir: defaultOutputDir,
			APIBind:   defaultAPIBind,
		},
		Workflow: Workflow{
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			ShutdownGrace:      defaultShutdownGrace,
		},
		Analyzer: Analyzer{
			Binary:      defaultAnalyzerBinary,
			Concurrency: defaultAnalyzerConcurrency,
		},
		QualitySearch: QualitySearch{
			Binary:            defaultSearchBinary,
			Concurrency:       defaultSearchConcurrency,
			MinVMAF:           defaultSearchMinVMAF,
			Preset:            defaultSearchPreset,
			MaxEncodedPercent: defaultSearchMaxEncodedPercent,
		},
		Encoder: Encoder{
			Binary:      defaultEncoderBinary,
			Concurrency: defaultEncoderConcurrency,
			Preset:      defaultEncoderPreset,
			Container:   defaultEncoderContainer,
		},
		Ingest: Ingest{
			Extensions:    append([]string(nil), defaultIngestExtensions...),
			SettleSeconds: defaultIngestSettleSeconds,
		},
		Events: Events{
			Subject: defaultEventsSubject,
			Buffer:  defaultEventsBuffer,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
