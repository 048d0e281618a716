package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rbright/murmur/internal/models"
)

// Task modes accepted in transcription.task.
const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate normalizes cfg and enforces its invariants. Unknown enum values
// revert to defaults with a warning; structurally invalid values are errors.
func Validate(cfg Config) (Config, []Warning, error) {
	defaults := Default()
	warnings := make([]Warning, 0)
	warn := func(field, format string, args ...any) {
		warnings = append(warnings, Warning{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Transcription.BatchSize < 0 {
		return cfg, nil, fmt.Errorf("transcription.batch_size must be >= 0")
	}
	if cfg.Model.CPUThreads < 0 {
		return cfg, nil, fmt.Errorf("model.cpu_threads must be >= 0")
	}
	if strings.TrimSpace(cfg.Engine.Command) == "" {
		return cfg, nil, fmt.Errorf("engine.command must not be empty")
	}
	if cfg.Engine.ReadyTimeoutSec < 0 {
		return cfg, nil, fmt.Errorf("engine.ready_timeout_s must be >= 0")
	}
	if cfg.History.Keep < 0 {
		return cfg, nil, fmt.Errorf("history.keep must be >= 0")
	}
	if cfg.Bus.ConnectTimeoutMS < 0 {
		return cfg, nil, fmt.Errorf("bus.connect_timeout_ms must be >= 0")
	}
	if cfg.Indicator.ErrorTimeoutMS < 0 {
		return cfg, nil, fmt.Errorf("indicator.error_timeout_ms must be >= 0")
	}
	if cfg.Bus.URL != "" && strings.TrimSpace(cfg.Bus.SubjectPrefix) == "" {
		return cfg, nil, fmt.Errorf("bus.subject_prefix must not be empty when bus.url is set")
	}

	cfg.Model.Name = strings.TrimSpace(cfg.Model.Name)
	if !models.Known(cfg.Model.Name) {
		warn("model.name", "unknown model %q; using %q", cfg.Model.Name, defaults.Model.Name)
		cfg.Model.Name = defaults.Model.Name
	}

	cfg.Model.Device = strings.ToLower(strings.TrimSpace(cfg.Model.Device))
	if !models.ValidDevice(cfg.Model.Device) {
		warn("model.device", "invalid device %q; using %q", cfg.Model.Device, defaults.Model.Device)
		cfg.Model.Device = defaults.Model.Device
	}

	cfg.Model.Quantization = strings.TrimSpace(cfg.Model.Quantization)
	if !models.ValidQuantization(cfg.Model.Quantization) {
		warn("model.quantization", "invalid quantization %q; using %q", cfg.Model.Quantization, defaults.Model.Quantization)
		cfg.Model.Quantization = defaults.Model.Quantization
	}
	options := models.QuantizationOptions(cfg.Model.Name, cfg.Model.Device, cfg.Model.SupportedQuantizations)
	if len(options) > 0 && !slices.Contains(options, cfg.Model.Quantization) {
		fallback := options[0]
		if slices.Contains(options, defaults.Model.Quantization) {
			fallback = defaults.Model.Quantization
		}
		warn("model.quantization", "quantization %q is not available for %s on %s; using %q",
			cfg.Model.Quantization, cfg.Model.Name, cfg.Model.Device, fallback)
		cfg.Model.Quantization = fallback
	}

	cfg.Transcription.Task = strings.ToLower(strings.TrimSpace(cfg.Transcription.Task))
	if cfg.Transcription.Task != TaskTranscribe && cfg.Transcription.Task != TaskTranslate {
		warn("transcription.task", "invalid task mode %q; using %q", cfg.Transcription.Task, defaults.Transcription.Task)
		cfg.Transcription.Task = defaults.Transcription.Task
	}
	if cfg.Transcription.Task == TaskTranslate && !models.SupportsTranslation(cfg.Model.Name) {
		warn("transcription.task", "model %q cannot translate; using %q", cfg.Model.Name, TaskTranscribe)
		cfg.Transcription.Task = TaskTranscribe
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if !slices.Contains(logLevels, cfg.LogLevel) {
		warn("log_level", "invalid log level %q; using %q", cfg.LogLevel, defaults.LogLevel)
		cfg.LogLevel = defaults.LogLevel
	}

	if strings.TrimSpace(cfg.Audio.Input) == "" {
		cfg.Audio.Input = defaults.Audio.Input
	}
	if strings.TrimSpace(cfg.Audio.Fallback) == "" {
		cfg.Audio.Fallback = defaults.Audio.Fallback
	}

	return cfg, warnings, nil
}
