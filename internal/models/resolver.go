package models

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// ErrInterrupted is returned when a download observes cancellation.
var ErrInterrupted = errors.New("download interrupted")

// IntegrityError reports a snapshot whose weights stay unreadable after a
// full cache clear and re-download.
type IntegrityError struct {
	RepoID string
	Dir    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf(
		"Model cache for '%s' is corrupted and could not be repaired automatically. Delete %s and try again.",
		e.RepoID, e.Dir,
	)
}

// Plan is the ordered set of files still missing for one repository revision.
type Plan struct {
	RepoID   string
	Revision string
	Files    []File
}

// TotalBytes sums the sizes of the planned files.
func (p Plan) TotalBytes() int64 {
	return totalBytes(p.Files)
}

// ProgressFunc receives cumulative downloaded bytes and the plan total.
type ProgressFunc func(downloaded, total int64)

// Resolver turns a repository id into a local snapshot directory,
// downloading only missing artifacts.
type Resolver struct {
	cache         *Cache
	hub           Hub
	logger        *slog.Logger
	progressEvery time.Duration
}

// NewResolver wires a resolver over cache and hub.
func NewResolver(cache *Cache, hub Hub, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{
		cache:         cache,
		hub:           hub,
		logger:        logger,
		progressEvery: 250 * time.Millisecond,
	}
}

// Cache exposes the underlying artifact cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// CheckCached resolves repoID locally: the ref first, then a snapshot scan.
func (r *Resolver) CheckCached(repoID string) (string, bool) {
	dir, err := r.cache.Lookup(repoID)
	if err == nil {
		return dir, true
	}
	if !errors.Is(err, ErrNotCached) {
		r.logger.Warn("cache lookup failed; trying manual recovery", "repo", repoID, "error", err.Error())
	}
	return r.cache.Recover(repoID)
}

// ListRemoteFiles returns the remote index ordered by ascending size.
func (r *Resolver) ListRemoteFiles(ctx context.Context, repoID string) (Listing, error) {
	listing, err := r.hub.List(ctx, repoID)
	if err != nil {
		return Listing{}, err
	}
	slices.SortStableFunc(listing.Files, func(a, b File) int {
		return cmp.Compare(a.Size, b.Size)
	})
	return listing, nil
}

// DiffMissing compares the listed files against the local snapshot of the
// listed revision, so files cached for an older revision count as missing.
// A listing without a usable revision is compared against whatever
// CheckCached finds. The directory is returned only when nothing is
// missing. A file counts as present only when it is byte-readable.
func (r *Resolver) DiffMissing(repoID string, listing Listing) (string, []File) {
	var dir string
	if validRevision(listing.Revision) == nil {
		dir = r.cache.SnapshotDir(repoID, listing.Revision)
	} else {
		cached, ok := r.CheckCached(repoID)
		if !ok {
			return "", slices.Clone(listing.Files)
		}
		dir = cached
	}

	var missing []File
	for _, f := range listing.Files {
		if !Readable(filepath.Join(dir, filepath.FromSlash(f.Name))) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 || len(listing.Files) == 0 {
		return "", missing
	}
	return dir, nil
}

// Download fetches plan files one at a time in order. Cancellation is
// checked before every file. A failed file switches to a full repository
// download. Whichever path produced the snapshot, unreadable weights
// afterwards clear the cache for one more full download before giving up.
func (r *Resolver) Download(ctx context.Context, plan Plan, onProgress ProgressFunc) (string, error) {
	total := plan.TotalBytes()
	report := func(done int64) {
		if onProgress != nil {
			onProgress(min(done, total), total)
		}
	}

	r.logger.Info("download started",
		"repo", plan.RepoID,
		"files", len(plan.Files),
		"size", humanize.Bytes(uint64(max(total, 0))),
	)

	dir, err := r.fetch(ctx, plan, report)
	if err != nil {
		return "", err
	}
	if ValidSnapshot(dir) {
		return dir, nil
	}

	r.logger.Warn("snapshot still corrupted after download; clearing cache and retrying", "repo", plan.RepoID, "dir", dir)
	if err := r.cache.Clear(plan.RepoID); err != nil {
		r.logger.Warn("clear corrupted cache failed", "repo", plan.RepoID, "error", err.Error())
	}
	dir, err = r.snapshot(ctx, plan.RepoID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %w", ErrInterrupted, ctxErr)
		}
		return "", fmt.Errorf("failed to repair corrupted cache for %s: %w", plan.RepoID, err)
	}
	if !ValidSnapshot(dir) {
		return "", &IntegrityError{RepoID: plan.RepoID, Dir: r.cache.RepoDir(plan.RepoID)}
	}
	return dir, nil
}

// fetch runs the per-file plan, or the full snapshot fallback once a file
// fails, and returns the resulting snapshot directory unverified.
func (r *Resolver) fetch(ctx context.Context, plan Plan, report func(int64)) (string, error) {
	throttle := rate.Sometimes{Interval: r.progressEvery}

	var done int64
	for _, f := range plan.Files {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInterrupted, err)
		}

		base := done
		limit := f.Size
		_, err := r.cache.WriteFile(plan.RepoID, plan.Revision, f.Name, func(w io.Writer) error {
			counter := &countingWriter{w: w, onWrite: func(written int64) {
				throttle.Do(func() { report(base + min(written, limit)) })
			}}
			return r.hub.Fetch(ctx, plan.RepoID, plan.Revision, f.Name, counter)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("%w: %w", ErrInterrupted, ctxErr)
			}
			r.logger.Warn("per-file download failed; falling back to full snapshot",
				"repo", plan.RepoID, "file", f.Name, "error", err.Error())

			dir, snapErr := r.snapshot(ctx, plan.RepoID)
			if snapErr != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", fmt.Errorf("%w: %w", ErrInterrupted, ctxErr)
				}
				return "", snapErr
			}
			report(plan.TotalBytes())
			return dir, nil
		}

		done += f.Size
		report(done)
	}

	if err := r.cache.SetRef(plan.RepoID, plan.Revision); err != nil {
		return "", err
	}
	dir, ok := r.CheckCached(plan.RepoID)
	if !ok {
		return "", fmt.Errorf("files downloaded but cache path could not be resolved for %s", plan.RepoID)
	}
	return dir, nil
}

// snapshot downloads every unreadable file of the current remote revision.
func (r *Resolver) snapshot(ctx context.Context, repoID string) (string, error) {
	listing, err := r.hub.List(ctx, repoID)
	if err != nil {
		return "", err
	}
	dir := r.cache.SnapshotDir(repoID, listing.Revision)
	for _, f := range listing.Files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if Readable(filepath.Join(dir, filepath.FromSlash(f.Name))) {
			continue
		}
		if _, err := r.cache.WriteFile(repoID, listing.Revision, f.Name, func(w io.Writer) error {
			return r.hub.Fetch(ctx, repoID, listing.Revision, f.Name, w)
		}); err != nil {
			return "", err
		}
	}
	if err := r.cache.SetRef(repoID, listing.Revision); err != nil {
		return "", err
	}
	return dir, nil
}

// ValidSnapshot reports whether dir holds readable model weights.
func ValidSnapshot(dir string) bool {
	return Readable(filepath.Join(dir, modelWeightsFile))
}

type countingWriter struct {
	w       io.Writer
	n       int64
	onWrite func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if n > 0 && c.onWrite != nil {
		c.onWrite(c.n)
	}
	return n, err
}
