package config

import (
	"os"
	"strconv"
	"strings"
)

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Model.Name, "MURMUR_MODEL")
	overrideString(&cfg.Model.Quantization, "MURMUR_QUANTIZATION")
	overrideString(&cfg.Model.Device, "MURMUR_DEVICE")
	overrideString(&cfg.Model.CacheDir, "MURMUR_CACHE_DIR")
	overrideString(&cfg.Model.HubURL, "MURMUR_HUB_URL")
	overrideInt(&cfg.Model.CPUThreads, "MURMUR_CPU_THREADS")
	overrideString(&cfg.Engine.Command, "MURMUR_ENGINE_COMMAND")
	overrideString(&cfg.Transcription.Task, "MURMUR_TASK")
	overrideInt(&cfg.Transcription.BatchSize, "MURMUR_BATCH_SIZE")
	overrideBool(&cfg.Transcription.Curate, "MURMUR_CURATE")
	overrideString(&cfg.Audio.Input, "MURMUR_AUDIO_INPUT")
	overrideString(&cfg.History.Path, "MURMUR_HISTORY_PATH")
	overrideString(&cfg.Bus.URL, "MURMUR_NATS_URL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_OTLP_ENDPOINT")
	overrideString(&cfg.Telemetry.PrometheusAddr, "MURMUR_PROMETHEUS_ADDR")
	overrideString(&cfg.LogLevel, "MURMUR_LOG_LEVEL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}
