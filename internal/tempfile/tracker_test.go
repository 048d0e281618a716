package tempfile

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateTracksWavFile(t *testing.T) {
	tracker := NewTracker(t.TempDir(), nil)

	path, err := tracker.Create()
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, ".wav"))
	require.FileExists(t, path)
	require.True(t, tracker.Tracked(path))
	require.Equal(t, 1, tracker.Len())
}

func TestReleaseDeletesOnce(t *testing.T) {
	tracker := NewTracker(t.TempDir(), nil)
	path, err := tracker.Create()
	require.NoError(t, err)

	require.True(t, tracker.Release(path))
	require.NoFileExists(t, path)
	require.False(t, tracker.Tracked(path))

	require.False(t, tracker.Release(path))
}

func TestReleaseUntrackedIsNoop(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(dir, nil)

	foreign := filepath.Join(dir, "keep.wav")
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0o600))

	require.False(t, tracker.Release(foreign))
	require.FileExists(t, foreign)
}

func TestReleaseToleratesMissingFile(t *testing.T) {
	tracker := NewTracker(t.TempDir(), nil)
	path, err := tracker.Create()
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	require.False(t, tracker.Release(path))
	require.False(t, tracker.Tracked(path))
	require.Equal(t, 0, tracker.Len())
}

func TestReleaseReportsFailedDeletion(t *testing.T) {
	tracker := NewTracker(t.TempDir(), nil)
	path, err := tracker.Create()
	require.NoError(t, err)

	// A non-empty directory in the file's place cannot be removed.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(path, "child"), []byte("x"), 0o600))

	require.False(t, tracker.Release(path))
	require.False(t, tracker.Tracked(path))
	require.DirExists(t, path)
}

func TestReleaseAll(t *testing.T) {
	tracker := NewTracker(t.TempDir(), nil)

	paths := make([]string, 0, 3)
	for range 3 {
		path, err := tracker.Create()
		require.NoError(t, err)
		paths = append(paths, path)
	}
	require.True(t, tracker.Release(paths[0]))
	require.NoError(t, os.Remove(paths[1]))

	require.Equal(t, 1, tracker.ReleaseAll())
	require.Equal(t, 0, tracker.Len())
	for _, path := range paths {
		require.NoFileExists(t, path)
	}
	require.Equal(t, 0, tracker.ReleaseAll())
}

func TestConcurrentCreateRelease(t *testing.T) {
	tracker := NewTracker(t.TempDir(), nil)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := tracker.Create()
			if err != nil {
				t.Error(err)
				return
			}
			if !tracker.Release(path) {
				t.Errorf("release %s reported false", path)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 0, tracker.Len())
}
