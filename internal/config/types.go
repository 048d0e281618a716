// Package config resolves, parses, validates, and defaults murmur configuration.
package config

// Config is the fully materialized runtime configuration used by murmur.
type Config struct {
	Model         ModelConfig         `yaml:"model"`
	Engine        EngineConfig        `yaml:"engine"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Audio         AudioConfig         `yaml:"audio"`
	Output        OutputConfig        `yaml:"output"`
	Indicator     IndicatorConfig     `yaml:"indicator"`
	History       HistoryConfig       `yaml:"history"`
	Bus           BusConfig           `yaml:"bus"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	LogLevel      string              `yaml:"log_level"`
}

// ModelConfig selects which model is loaded and where artifacts live.
type ModelConfig struct {
	Name         string `yaml:"name"`
	Quantization string `yaml:"quantization"`
	Device       string `yaml:"device"`
	CacheDir     string `yaml:"cache_dir"`
	HubURL       string `yaml:"hub_url"`
	CPUThreads   int    `yaml:"cpu_threads"`
	// SupportedQuantizations lists compute types per device. An empty list
	// means every known quantization.
	SupportedQuantizations map[string][]string `yaml:"supported_quantizations"`
}

// EngineConfig controls the inference worker process.
type EngineConfig struct {
	Command         string `yaml:"command"`
	ReadyTimeoutSec int    `yaml:"ready_timeout_s"`
}

// TranscriptionConfig controls per-job inference options.
type TranscriptionConfig struct {
	Task      string `yaml:"task"`
	BatchSize int    `yaml:"batch_size"`
	Curate    bool   `yaml:"curate"`
}

// AudioConfig controls preferred and fallback input-source selection.
type AudioConfig struct {
	Input    string `yaml:"input"`
	Fallback string `yaml:"fallback"`
}

// OutputConfig controls how finished transcripts reach the clipboard.
type OutputConfig struct {
	ClipboardCmd  string `yaml:"clipboard_cmd"`
	Append        bool   `yaml:"append"`
	TrailingSpace bool   `yaml:"trailing_space"`
}

// IndicatorConfig controls desktop notifications and audio cues.
type IndicatorConfig struct {
	Enable            bool   `yaml:"enable"`
	AppName           string `yaml:"app_name"`
	SoundEnable       bool   `yaml:"sound_enable"`
	SoundStartFile    string `yaml:"sound_start_file"`
	SoundStopFile     string `yaml:"sound_stop_file"`
	SoundCompleteFile string `yaml:"sound_complete_file"`
	SoundCancelFile   string `yaml:"sound_cancel_file"`
	ErrorTimeoutMS    int    `yaml:"error_timeout_ms"`
}

// HistoryConfig controls the transcript history database.
type HistoryConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
	Keep   int    `yaml:"keep"`
}

// BusConfig controls the optional NATS event publisher.
type BusConfig struct {
	URL              string `yaml:"url"`
	SubjectPrefix    string `yaml:"subject_prefix"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
}

// TelemetryConfig controls trace and metric export.
type TelemetryConfig struct {
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusAddr string `yaml:"prometheus_addr"`
}

// Warning is a non-fatal load/validation message.
type Warning struct {
	Field   string
	Message string
}
