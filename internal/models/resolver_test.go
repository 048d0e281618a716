package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	mu        sync.Mutex
	revision  string
	files     map[string]string
	failOnce  map[string]error
	hideOnce  map[string]bool
	fetched   []string
	listErr   error
	listCalls int
	onFetch   func(name string)
}

func newFakeHub(files map[string]string) *fakeHub {
	return &fakeHub{revision: "rev1", files: files, failOnce: map[string]error{}, hideOnce: map[string]bool{}}
}

func (h *fakeHub) List(_ context.Context, repoID string) (Listing, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listCalls++
	if h.listErr != nil {
		return Listing{}, h.listErr
	}
	listing := Listing{RepoID: repoID, Revision: h.revision}
	for _, name := range []string{"model.bin", "config.json", "tokenizer.json", "vocabulary.txt"} {
		if h.hideOnce[name] {
			delete(h.hideOnce, name)
			continue
		}
		if content, ok := h.files[name]; ok {
			listing.Files = append(listing.Files, File{Name: name, Size: int64(len(content))})
		}
	}
	return listing, nil
}

func (h *fakeHub) Fetch(_ context.Context, _, _, name string, w io.Writer) error {
	h.mu.Lock()
	h.fetched = append(h.fetched, name)
	err := h.failOnce[name]
	delete(h.failOnce, name)
	content := h.files[name]
	onFetch := h.onFetch
	h.mu.Unlock()

	if onFetch != nil {
		onFetch(name)
	}
	if err != nil {
		return err
	}
	_, werr := io.WriteString(w, content)
	return werr
}

func (h *fakeHub) fetchedNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.fetched...)
}

type progressLog struct {
	mu     sync.Mutex
	points [][2]int64
}

func (p *progressLog) record(done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points = append(p.points, [2]int64{done, total})
}

func (p *progressLog) snapshot() [][2]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]int64(nil), p.points...)
}

func TestListRemoteFilesSortsBySize(t *testing.T) {
	hub := newFakeHub(map[string]string{
		"model.bin":   "0123456789",
		"config.json": "{}",
	})
	r := NewResolver(NewCache(t.TempDir()), hub, nil)

	listing, err := r.ListRemoteFiles(context.Background(), testRepo)
	require.NoError(t, err)
	require.Equal(t, []File{{Name: "config.json", Size: 2}, {Name: "model.bin", Size: 10}}, listing.Files)
}

func TestDiffMissingReportsOnlyUnreadableFiles(t *testing.T) {
	cache := NewCache(t.TempDir())
	r := NewResolver(cache, newFakeHub(nil), nil)
	files := []File{{Name: "a.bin", Size: 100}, {Name: "b.bin", Size: 200}}
	listing := Listing{RepoID: testRepo, Revision: "rev1", Files: files}

	dir, missing := r.DiffMissing(testRepo, listing)
	require.Empty(t, dir)
	require.Equal(t, files, missing)

	seedSnapshot(t, cache, "rev1", map[string]string{"b.bin": "bbbb"}, true)
	dir, missing = r.DiffMissing(testRepo, listing)
	require.Empty(t, dir)
	require.Equal(t, []File{{Name: "a.bin", Size: 100}}, missing)

	_, err := cache.WriteFile(testRepo, "rev1", "a.bin", func(w io.Writer) error {
		_, err := io.WriteString(w, "aaaa")
		return err
	})
	require.NoError(t, err)
	dir, missing = r.DiffMissing(testRepo, listing)
	require.Equal(t, cache.SnapshotDir(testRepo, "rev1"), dir)
	require.Empty(t, missing)
}

func TestDiffMissingWithoutRevisionUsesCachedSnapshot(t *testing.T) {
	cache := NewCache(t.TempDir())
	r := NewResolver(cache, newFakeHub(nil), nil)
	listing := Listing{RepoID: testRepo, Files: []File{{Name: "model.bin", Size: 1}}}

	_, missing := r.DiffMissing(testRepo, listing)
	require.Equal(t, listing.Files, missing)

	cached := seedSnapshot(t, cache, "rev1", map[string]string{"model.bin": "w"}, true)
	dir, missing := r.DiffMissing(testRepo, listing)
	require.Equal(t, cached, dir)
	require.Empty(t, missing)
}

func TestDownloadAfterRemoteRevisionMoved(t *testing.T) {
	cache := NewCache(t.TempDir())
	old := seedSnapshot(t, cache, "rev1", map[string]string{"config.json": "{}"}, true)
	hub := newFakeHub(map[string]string{
		"config.json": "{\"v\":2}",
		"model.bin":   "weights",
	})
	hub.revision = "rev2"
	r := NewResolver(cache, hub, nil)

	listing, err := r.ListRemoteFiles(context.Background(), testRepo)
	require.NoError(t, err)
	_, missing := r.DiffMissing(testRepo, listing)
	require.Equal(t, listing.Files, missing)

	dir, err := r.Download(context.Background(), Plan{RepoID: testRepo, Revision: listing.Revision, Files: missing}, nil)
	require.NoError(t, err)
	require.Equal(t, cache.SnapshotDir(testRepo, "rev2"), dir)

	content, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	require.Equal(t, `{"v":2}`, string(content))
	require.FileExists(t, filepath.Join(old, "config.json"))

	again, missing := r.DiffMissing(testRepo, listing)
	require.Equal(t, dir, again)
	require.Empty(t, missing)
}

func TestDownloadReportsMonotonicProgress(t *testing.T) {
	hub := newFakeHub(map[string]string{
		"config.json": "{}",
		"model.bin":   "weights-weights",
	})
	cache := NewCache(t.TempDir())
	r := NewResolver(cache, hub, nil)

	listing, err := r.ListRemoteFiles(context.Background(), testRepo)
	require.NoError(t, err)
	_, missing := r.DiffMissing(testRepo, listing)
	plan := Plan{RepoID: testRepo, Revision: listing.Revision, Files: missing}

	var progress progressLog
	dir, err := r.Download(context.Background(), plan, progress.record)
	require.NoError(t, err)
	require.Equal(t, cache.SnapshotDir(testRepo, "rev1"), dir)
	require.True(t, ValidSnapshot(dir))

	points := progress.snapshot()
	require.NotEmpty(t, points)
	for i := 1; i < len(points); i++ {
		require.GreaterOrEqual(t, points[i][0], points[i-1][0])
	}
	last := points[len(points)-1]
	require.Equal(t, plan.TotalBytes(), last[0])
	require.Equal(t, plan.TotalBytes(), last[1])

	dir, missing = r.DiffMissing(testRepo, listing)
	require.NotEmpty(t, dir)
	require.Empty(t, missing)
}

func TestDownloadChecksCancellationBeforeEachFile(t *testing.T) {
	hub := newFakeHub(map[string]string{
		"config.json": "{}",
		"model.bin":   "weights",
	})
	ctx, cancel := context.WithCancel(context.Background())
	hub.onFetch = func(string) { cancel() }
	r := NewResolver(NewCache(t.TempDir()), hub, nil)

	plan := Plan{RepoID: testRepo, Revision: "rev1", Files: []File{{Name: "config.json", Size: 2}, {Name: "model.bin", Size: 7}}}
	_, err := r.Download(ctx, plan, nil)
	require.ErrorIs(t, err, ErrInterrupted)
	require.Equal(t, []string{"config.json"}, hub.fetchedNames())
}

func TestDownloadFallsBackToSnapshotOnFileFailure(t *testing.T) {
	hub := newFakeHub(map[string]string{
		"config.json": "{}",
		"model.bin":   "weights",
	})
	hub.failOnce["config.json"] = errors.New("server hiccup")
	cache := NewCache(t.TempDir())
	r := NewResolver(cache, hub, nil)

	plan := Plan{RepoID: testRepo, Revision: "rev1", Files: []File{{Name: "config.json", Size: 2}, {Name: "model.bin", Size: 7}}}
	var progress progressLog
	dir, err := r.Download(context.Background(), plan, progress.record)
	require.NoError(t, err)
	require.True(t, ValidSnapshot(dir))
	require.FileExists(t, filepath.Join(dir, "config.json"))

	points := progress.snapshot()
	require.Equal(t, [2]int64{9, 9}, points[len(points)-1])
}

func TestDownloadFallbackWithoutWeightsIsRepairedOnce(t *testing.T) {
	hub := newFakeHub(map[string]string{
		"config.json": "{}",
		"model.bin":   "weights",
	})
	hub.failOnce["config.json"] = errors.New("server hiccup")
	hub.hideOnce["model.bin"] = true
	cache := NewCache(t.TempDir())
	r := NewResolver(cache, hub, nil)

	plan := Plan{RepoID: testRepo, Revision: "rev1", Files: []File{{Name: "config.json", Size: 2}, {Name: "model.bin", Size: 7}}}
	dir, err := r.Download(context.Background(), plan, nil)
	require.NoError(t, err)
	require.True(t, ValidSnapshot(dir))
	require.Equal(t, 2, hub.listCalls)
	require.Equal(t, []string{"config.json", "config.json", "model.bin", "config.json"}, hub.fetchedNames())
}

func TestDownloadFallbackWithCorruptWeightsFails(t *testing.T) {
	hub := newFakeHub(map[string]string{"config.json": "{}"})
	hub.failOnce["config.json"] = errors.New("server hiccup")
	r := NewResolver(NewCache(t.TempDir()), hub, nil)

	plan := Plan{RepoID: testRepo, Revision: "rev1", Files: []File{{Name: "config.json", Size: 2}, {Name: "model.bin", Size: 7}}}
	_, err := r.Download(context.Background(), plan, nil)

	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	require.Equal(t, 2, hub.listCalls)
}

func TestDownloadRepairsCorruptedSnapshotOnce(t *testing.T) {
	hub := newFakeHub(map[string]string{"model.bin": "weights"})
	cache := NewCache(t.TempDir())
	r := NewResolver(cache, hub, nil)
	broken := filepath.Join(cache.SnapshotDir(testRepo, "rev1"), "model.bin")

	plan := Plan{RepoID: testRepo, Revision: "rev1", Files: []File{{Name: "model.bin", Size: 7}}}
	dir, err := r.Download(context.Background(), plan, nil)
	require.NoError(t, err)
	require.True(t, ValidSnapshot(dir))

	require.NoError(t, os.Remove(broken))
	require.NoError(t, os.Symlink(filepath.Join(dir, "nowhere"), broken))
	require.False(t, ValidSnapshot(dir))

	fetchedBefore := len(hub.fetchedNames())
	dir, err = r.Download(context.Background(), Plan{RepoID: testRepo, Revision: "rev1"}, nil)
	require.NoError(t, err)
	require.True(t, ValidSnapshot(dir))
	require.Len(t, hub.fetchedNames(), fetchedBefore+1)
}

func TestDownloadGivesUpWhenRepairFails(t *testing.T) {
	hub := newFakeHub(map[string]string{"config.json": "{}"})
	cache := NewCache(t.TempDir())
	r := NewResolver(cache, hub, nil)

	plan := Plan{RepoID: testRepo, Revision: "rev1", Files: []File{{Name: "config.json", Size: 2}}}
	_, err := r.Download(context.Background(), plan, nil)

	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	require.Equal(t, testRepo, integrity.RepoID)
	require.Contains(t, err.Error(), "corrupted and could not be repaired automatically")
	require.GreaterOrEqual(t, hub.listCalls, 1)
}

func TestDownloadPropagatesSnapshotFailure(t *testing.T) {
	hub := newFakeHub(map[string]string{"model.bin": "weights"})
	hub.failOnce["model.bin"] = errors.New("first failure")
	hub.listErr = fmt.Errorf("dial tcp: %w", errors.New("connection refused"))
	r := NewResolver(NewCache(t.TempDir()), hub, nil)

	_, err := r.Download(context.Background(), Plan{RepoID: testRepo, Revision: "rev1", Files: []File{{Name: "model.bin", Size: 7}}}, nil)
	require.Error(t, err)
	require.True(t, IsNetworkError(err))
}
