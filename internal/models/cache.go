package models

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotCached means no local snapshot exists for a repository.
var ErrNotCached = errors.New("model not cached")

// modelWeightsFile must be readable for a snapshot to be loadable.
const modelWeightsFile = "model.bin"

// Cache is a Hugging Face hub style artifact cache:
//
//	{root}/models--{owner}--{name}/refs/main
//	{root}/models--{owner}--{name}/snapshots/{revision}/{files}
type Cache struct {
	root string
}

// NewCache returns a cache rooted at root.
func NewCache(root string) *Cache {
	return &Cache{root: root}
}

// DefaultCacheRoot follows the hub's own lookup order.
func DefaultCacheRoot() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("HF_HUB_CACHE")); dir != "" {
		return dir, nil
	}
	if home := strings.TrimSpace(os.Getenv("HF_HOME")); home != "" {
		return filepath.Join(home, "hub"), nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); xdg != "" {
		return filepath.Join(xdg, "huggingface", "hub"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for model cache")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub"), nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// RepoDir returns the directory holding every revision of repoID.
func (c *Cache) RepoDir(repoID string) string {
	return filepath.Join(c.root, "models--"+strings.ReplaceAll(repoID, "/", "--"))
}

// SnapshotDir returns the directory for one revision of repoID.
func (c *Cache) SnapshotDir(repoID, revision string) string {
	return filepath.Join(c.RepoDir(repoID), "snapshots", revision)
}

// Lookup resolves the snapshot referenced by refs/main without touching the network.
func (c *Cache) Lookup(repoID string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(c.RepoDir(repoID), "refs", "main"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotCached
		}
		return "", fmt.Errorf("read ref for %s: %w", repoID, err)
	}
	revision := strings.TrimSpace(string(raw))
	if err := validRevision(revision); err != nil {
		return "", err
	}

	dir := c.SnapshotDir(repoID, revision)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotCached
		}
		return "", fmt.Errorf("stat snapshot %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("snapshot %s is not a directory", dir)
	}
	return dir, nil
}

// Recover scans snapshots when the ref is missing or broken. Snapshots with
// readable weights win over partial ones; newer wins over older.
func (c *Cache) Recover(repoID string) (string, bool) {
	root := filepath.Join(c.RepoDir(repoID), "snapshots")
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}

	type candidate struct {
		dir      string
		weights  bool
		modified int64
	}
	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil || len(files) == 0 {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			dir:      dir,
			weights:  Readable(filepath.Join(dir, modelWeightsFile)),
			modified: info.ModTime().UnixNano(),
		})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].weights != candidates[j].weights {
			return candidates[i].weights
		}
		return candidates[i].modified > candidates[j].modified
	})
	return candidates[0].dir, true
}

// SetRef points refs/main at revision.
func (c *Cache) SetRef(repoID, revision string) error {
	if err := validRevision(revision); err != nil {
		return err
	}
	dir := filepath.Join(c.RepoDir(repoID), "refs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create refs dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "main"), []byte(revision), 0o644)
}

// WriteFile streams one artifact into a snapshot via fill. Content lands in
// a .incomplete sibling first and is renamed only when fill succeeds.
func (c *Cache) WriteFile(repoID, revision, name string, fill func(io.Writer) error) (string, error) {
	if err := validRevision(revision); err != nil {
		return "", err
	}
	dir := c.SnapshotDir(repoID, revision)
	target := filepath.Join(dir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("artifact name %q escapes snapshot", name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	partial := target + ".incomplete"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", partial, err)
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		_ = os.Remove(partial)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("close %s: %w", partial, err)
	}
	if err := os.Rename(partial, target); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("finalize %s: %w", target, err)
	}
	return target, nil
}

// Clear removes every revision of repoID.
func (c *Cache) Clear(repoID string) error {
	dir := c.RepoDir(repoID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear cache %s: %w", dir, err)
	}
	return nil
}

// Readable reports whether path opens and yields at least one byte, or is
// an empty regular file. Broken links, partial writes, and permission
// failures all count as unreadable.
func Readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 1)
	n, err := f.Read(buf)
	if n == 1 {
		return true
	}
	if errors.Is(err, io.EOF) {
		info, statErr := f.Stat()
		return statErr == nil && info.Mode().IsRegular()
	}
	return false
}

// SnapshotSize sums the sizes of the files directly inside dir.
func SnapshotSize(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, entry := range entries {
		// Snapshot entries may be symlinks into blobs; Stat follows them.
		info, err := os.Stat(filepath.Join(dir, entry.Name()))
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
	}
	return total
}

func validRevision(revision string) error {
	if revision == "" || revision == "." || revision == ".." || strings.ContainsAny(revision, `/\`) {
		return fmt.Errorf("invalid revision %q", revision)
	}
	return nil
}
