package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsStructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "negative batch size", mutate: func(c *Config) { c.Transcription.BatchSize = -2 }, wantErr: "batch_size"},
		{name: "negative threads", mutate: func(c *Config) { c.Model.CPUThreads = -1 }, wantErr: "cpu_threads"},
		{name: "empty engine command", mutate: func(c *Config) { c.Engine.Command = "  " }, wantErr: "engine.command"},
		{name: "negative ready timeout", mutate: func(c *Config) { c.Engine.ReadyTimeoutSec = -1 }, wantErr: "ready_timeout"},
		{name: "negative history keep", mutate: func(c *Config) { c.History.Keep = -1 }, wantErr: "history.keep"},
		{name: "negative bus timeout", mutate: func(c *Config) { c.Bus.ConnectTimeoutMS = -1 }, wantErr: "connect_timeout"},
		{name: "negative error timeout", mutate: func(c *Config) { c.Indicator.ErrorTimeoutMS = -1 }, wantErr: "error_timeout"},
		{name: "bus without prefix", mutate: func(c *Config) {
			c.Bus.URL = "nats://localhost:4222"
			c.Bus.SubjectPrefix = ""
		}, wantErr: "subject_prefix"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)

			_, _, err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateRevertsInvalidEnumsWithWarnings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
		check  func(*testing.T, Config)
	}{
		{
			name:   "unknown model",
			mutate: func(c *Config) { c.Model.Name = "huge-v9" },
			field:  "model.name",
			check:  func(t *testing.T, c Config) { require.Equal(t, "base.en", c.Model.Name) },
		},
		{
			name:   "unknown device",
			mutate: func(c *Config) { c.Model.Device = "tpu" },
			field:  "model.device",
			check:  func(t *testing.T, c Config) { require.Equal(t, "cpu", c.Model.Device) },
		},
		{
			name:   "unknown quantization",
			mutate: func(c *Config) { c.Model.Quantization = "int4" },
			field:  "model.quantization",
			check:  func(t *testing.T, c Config) { require.Equal(t, "float32", c.Model.Quantization) },
		},
		{
			name:   "float16 on cpu",
			mutate: func(c *Config) { c.Model.Quantization = "float16" },
			field:  "model.quantization",
			check:  func(t *testing.T, c Config) { require.Equal(t, "float32", c.Model.Quantization) },
		},
		{
			name:   "unknown task",
			mutate: func(c *Config) { c.Transcription.Task = "summarize" },
			field:  "transcription.task",
			check:  func(t *testing.T, c Config) { require.Equal(t, TaskTranscribe, c.Transcription.Task) },
		},
		{
			name: "translate on english-only model",
			mutate: func(c *Config) {
				c.Model.Name = "small.en"
				c.Transcription.Task = "Translate"
			},
			field: "transcription.task",
			check: func(t *testing.T, c Config) { require.Equal(t, TaskTranscribe, c.Transcription.Task) },
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.LogLevel = "trace" },
			field:  "log_level",
			check:  func(t *testing.T, c Config) { require.Equal(t, "info", c.LogLevel) },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)

			got, warnings, err := Validate(cfg)
			require.NoError(t, err)
			require.Len(t, warnings, 1)
			require.Equal(t, tc.field, warnings[0].Field)
			tc.check(t, got)
		})
	}
}

func TestValidateKeepsDefaultsClean(t *testing.T) {
	got, warnings, err := Validate(Default())
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, Default(), got)
}
