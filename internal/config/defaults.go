package config

import "github.com/rbright/murmur/internal/models"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Name:         "base.en",
			Quantization: "float32",
			Device:       models.DeviceCPU,
			SupportedQuantizations: map[string][]string{
				models.DeviceCPU:  {},
				models.DeviceCUDA: {},
			},
		},
		Engine: EngineConfig{
			Command:         "murmur-ct2-worker",
			ReadyTimeoutSec: 120,
		},
		Transcription: TranscriptionConfig{
			Task:   "transcribe",
			Curate: true,
		},
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
		},
		Output: OutputConfig{
			ClipboardCmd:  "wl-copy --trim-newline",
			TrailingSpace: true,
		},
		Indicator: IndicatorConfig{
			Enable:         true,
			AppName:        "murmur",
			SoundEnable:    true,
			ErrorTimeoutMS: 1600,
		},
		History: HistoryConfig{
			Enable: true,
			Keep:   500,
		},
		Bus: BusConfig{
			SubjectPrefix:    "murmur",
			ConnectTimeoutMS: 2000,
		},
		Telemetry: TelemetryConfig{
			OTLPInsecure: true,
		},
		LogLevel: "info",
	}
}
