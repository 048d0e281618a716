package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rbright/murmur/internal/models"
)

// Keys understood by Store.Get and Store.Set.
const (
	KeyModelName    = "model_name"
	KeyQuantization = "quantization"
	KeyDevice       = "device"
	KeyTaskMode     = "task_mode"
)

// ErrUnknownKey is returned for keys outside the model settings record.
var ErrUnknownKey = errors.New("unknown config key")

// Store is the mutable settings record persisted back to the config file.
type Store struct {
	path string

	mu  sync.Mutex
	cfg Config
}

// NewStore wraps cfg for reads and writes persisted at path.
func NewStore(path string, cfg Config) *Store {
	return &Store{path: path, cfg: cfg}
}

// Path returns the file Save writes.
func (s *Store) Path() string {
	return s.path
}

// Config returns a snapshot of the current configuration.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Get returns one model setting by key.
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case KeyModelName:
		return s.cfg.Model.Name, nil
	case KeyQuantization:
		return s.cfg.Model.Quantization, nil
	case KeyDevice:
		return s.cfg.Model.Device, nil
	case KeyTaskMode:
		return s.cfg.Transcription.Task, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
}

// Set updates one model setting after validating the value.
func (s *Store) Set(key, value string) error {
	value = strings.TrimSpace(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case KeyModelName:
		if !models.Known(value) {
			return fmt.Errorf("unknown model %q", value)
		}
		s.cfg.Model.Name = value
	case KeyQuantization:
		if !models.ValidQuantization(value) {
			return fmt.Errorf("invalid quantization %q", value)
		}
		s.cfg.Model.Quantization = value
	case KeyDevice:
		value = strings.ToLower(value)
		if !models.ValidDevice(value) {
			return fmt.Errorf("invalid device %q", value)
		}
		s.cfg.Model.Device = value
	case KeyTaskMode:
		value = strings.ToLower(value)
		if value != TaskTranscribe && value != TaskTranslate {
			return fmt.Errorf("invalid task mode %q", value)
		}
		s.cfg.Transcription.Task = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

// ModelSettings returns the model name, quantization, and device.
func (s *Store) ModelSettings() (name, quantization, device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Model.Name, s.cfg.Model.Quantization, s.cfg.Model.Device
}

// SetModelSettings records the settings of a successfully loaded model.
func (s *Store) SetModelSettings(name, quantization, device string) error {
	for _, kv := range [][2]string{{KeyModelName, name}, {KeyQuantization, quantization}, {KeyDevice, device}} {
		if err := s.Set(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the configuration as YAML through a temp file and rename.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := yaml.Marshal(s.cfg)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
