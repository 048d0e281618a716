package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePathPrecedence(t *testing.T) {
	explicit := "/tmp/custom.yaml"
	resolved, err := ResolvePath(explicit)
	require.NoError(t, err)
	require.Equal(t, explicit, resolved)

	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	resolved, err = ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(xdg, "murmur", "config.yaml"), resolved)

	t.Setenv("XDG_CONFIG_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	resolved, err = ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".config", "murmur", "config.yaml"), resolved)
}

func TestDefaultHistoryPath(t *testing.T) {
	data := t.TempDir()
	t.Setenv("XDG_DATA_HOME", data)
	path, err := DefaultHistoryPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(data, "murmur", "history.db"), path)
}

func TestLoadMissingConfigUsesDefaultsWithWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, path, loaded.Path)
	require.False(t, loaded.Exists)
	require.Equal(t, Default(), loaded.Config)
	require.NotEmpty(t, loaded.Warnings)
	require.Contains(t, loaded.Warnings[0].Message, "not found")
}

func TestLoadExistingYAMLParsesAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
model:
  name: small
  quantization: int8
  device: CUDA
  cpu_threads: 4
transcription:
  task: translate
  batch_size: 8
  curate: false
output:
  append: true
bus:
  url: nats://127.0.0.1:4222
something_unknown: true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, loaded.Exists)
	require.Empty(t, loaded.Warnings)

	cfg := loaded.Config
	require.Equal(t, "small", cfg.Model.Name)
	require.Equal(t, "int8", cfg.Model.Quantization)
	require.Equal(t, "cuda", cfg.Model.Device)
	require.Equal(t, 4, cfg.Model.CPUThreads)
	require.Equal(t, TaskTranslate, cfg.Transcription.Task)
	require.Equal(t, 8, cfg.Transcription.BatchSize)
	require.False(t, cfg.Transcription.Curate)
	require.True(t, cfg.Output.Append)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.Bus.URL)
	require.Equal(t, "murmur", cfg.Bus.SubjectPrefix)
	require.Equal(t, Default().Engine.Command, cfg.Engine.Command)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  name: small\n"), 0o600))

	t.Setenv("MURMUR_MODEL", "medium.en")
	t.Setenv("MURMUR_BATCH_SIZE", "4")
	t.Setenv("MURMUR_CURATE", "false")
	t.Setenv("MURMUR_NATS_URL", "nats://bus:4222")
	t.Setenv("MURMUR_CPU_THREADS", "not-a-number")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "medium.en", loaded.Config.Model.Name)
	require.Equal(t, 4, loaded.Config.Transcription.BatchSize)
	require.False(t, loaded.Config.Transcription.Curate)
	require.Equal(t, "nats://bus:4222", loaded.Config.Bus.URL)
	require.Equal(t, 0, loaded.Config.Model.CPUThreads)
}

func TestLoadParseErrorIncludesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unterminated"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
	require.Contains(t, err.Error(), path)
}

func TestLoadFatalValidationIncludesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transcription:\n  batch_size: -1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "batch_size")
	require.Contains(t, err.Error(), path)
}

func TestParseEmptyDocumentKeepsBase(t *testing.T) {
	cfg, err := Parse([]byte(""), Default())
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
