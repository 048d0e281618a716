// Package tempfile owns scratch files (recorded audio) until they are released.
package tempfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Tracker records scratch file paths it created and deletes them on release.
type Tracker struct {
	dir    string
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	tracked map[string]struct{}
}

// NewTracker builds a tracker creating files in dir (os.TempDir when empty).
func NewTracker(dir string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		dir:     dir,
		prefix:  "murmur-",
		logger:  logger,
		tracked: make(map[string]struct{}),
	}
}

// Create allocates a new empty .wav scratch file and starts tracking it.
func (t *Tracker) Create() (string, error) {
	f, err := os.CreateTemp(t.dir, t.prefix+"*.wav")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	t.mu.Lock()
	t.tracked[path] = struct{}{}
	t.mu.Unlock()

	t.logger.Debug("temp file created", "path", path)
	return path, nil
}

// Release stops tracking path and deletes it. It reports whether a file was
// actually deleted: untracked paths, already-released paths and files that
// vanished or could not be removed all return false. A tracked path is
// forgotten even when deletion fails.
func (t *Tracker) Release(path string) bool {
	t.mu.Lock()
	if _, ok := t.tracked[path]; !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.tracked, path)
	t.mu.Unlock()

	return t.remove(path)
}

// ReleaseAll forgets every tracked file and deletes it. It returns how many
// were actually deleted. Used on shutdown.
func (t *Tracker) ReleaseAll() int {
	t.mu.Lock()
	paths := make([]string, 0, len(t.tracked))
	for path := range t.tracked {
		paths = append(paths, path)
	}
	t.tracked = make(map[string]struct{})
	t.mu.Unlock()

	removed := 0
	for _, path := range paths {
		if t.remove(path) {
			removed++
		}
	}
	if len(paths) > 0 {
		t.logger.Info("released temp files", "count", removed, "tracked", len(paths))
	}
	return removed
}

// Tracked reports whether path is currently owned by the tracker.
func (t *Tracker) Tracked(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tracked[path]
	return ok
}

// Len returns the number of tracked files.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// remove deletes one file and reports whether it did. Failures are logged,
// never returned.
func (t *Tracker) remove(path string) bool {
	err := os.Remove(path)
	switch {
	case err == nil:
		t.logger.Debug("temp file released", "path", path)
		return true
	case errors.Is(err, os.ErrNotExist):
		t.logger.Debug("temp file already gone", "path", path)
	default:
		t.logger.Warn("remove temp file failed", "path", path, "error", err.Error())
	}
	return false
}
