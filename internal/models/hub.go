package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultHubURL is the public Hugging Face endpoint.
const DefaultHubURL = "https://huggingface.co"

// File is one remote artifact and its size in bytes.
type File struct {
	Name string
	Size int64
}

// Listing is the remote artifact index of one repository revision.
type Listing struct {
	RepoID   string
	Revision string
	Files    []File
}

// TotalBytes sums file sizes.
func (l Listing) TotalBytes() int64 {
	return totalBytes(l.Files)
}

// Hub lists repositories and streams artifact files.
type Hub interface {
	List(ctx context.Context, repoID string) (Listing, error)
	Fetch(ctx context.Context, repoID, revision, name string, w io.Writer) error
}

// StatusError is a non-2xx hub response.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Code)
}

// HubOptions configures HubClient.
type HubOptions struct {
	BaseURL      string
	Token        string
	UserAgent    string
	HTTPClient   *http.Client
	ListingTTL   time.Duration
	MaxAttempts  uint
	RetryInitial time.Duration
}

// HubClient talks to the hub HTTP API.
type HubClient struct {
	base         string
	token        string
	userAgent    string
	http         *http.Client
	listings     *expirable.LRU[string, Listing]
	maxAttempts  uint
	retryInitial time.Duration
}

// NewHubClient builds a client with defaults for unset options. An empty
// token falls back to HF_TOKEN.
func NewHubClient(opts HubOptions) *HubClient {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultHubURL
	}
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("HF_TOKEN"))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	ttl := opts.ListingTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	attempts := opts.MaxAttempts
	if attempts == 0 {
		attempts = 3
	}
	initial := opts.RetryInitial
	if initial <= 0 {
		initial = 300 * time.Millisecond
	}

	return &HubClient{
		base:         base,
		token:        token,
		userAgent:    opts.UserAgent,
		http:         client,
		listings:     expirable.NewLRU[string, Listing](64, nil, ttl),
		maxAttempts:  attempts,
		retryInitial: initial,
	}
}

type repoInfo struct {
	SHA      string `json:"sha"`
	Siblings []struct {
		Name string `json:"rfilename"`
		Size *int64 `json:"size"`
	} `json:"siblings"`
}

// List fetches the file index of repoID at main. Results are cached briefly;
// transient failures are retried with exponential backoff.
func (h *HubClient) List(ctx context.Context, repoID string) (Listing, error) {
	if cached, ok := h.listings.Get(repoID); ok {
		return cloneListing(cached), nil
	}

	endpoint := h.base + "/api/models/" + escapeRepo(repoID) + "/revision/main?blobs=true"
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.retryInitial

	listing, err := backoff.Retry(ctx, func() (Listing, error) {
		listing, err := h.list(ctx, repoID, endpoint)
		if err != nil && !retryable(err) {
			return Listing{}, backoff.Permanent(err)
		}
		return listing, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(h.maxAttempts))
	if err != nil {
		return Listing{}, err
	}

	h.listings.Add(repoID, listing)
	return cloneListing(listing), nil
}

func (h *HubClient) list(ctx context.Context, repoID, endpoint string) (Listing, error) {
	resp, err := h.get(ctx, endpoint)
	if err != nil {
		return Listing{}, err
	}
	defer resp.Body.Close()

	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Listing{}, fmt.Errorf("decode repo info for %s: %w", repoID, err)
	}

	revision := strings.TrimSpace(info.SHA)
	if revision == "" {
		revision = "main"
	}
	files := make([]File, 0, len(info.Siblings))
	for _, sibling := range info.Siblings {
		var size int64
		if sibling.Size != nil {
			size = *sibling.Size
		}
		files = append(files, File{Name: sibling.Name, Size: size})
	}
	return Listing{RepoID: repoID, Revision: revision, Files: files}, nil
}

// Fetch streams one artifact at revision into w.
func (h *HubClient) Fetch(ctx context.Context, repoID, revision, name string, w io.Writer) error {
	endpoint := h.base + "/" + escapeRepo(repoID) + "/resolve/" + url.PathEscape(revision) + "/" + escapePath(name)
	resp, err := h.get(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	return nil
}

// get issues an authenticated GET and converts non-2xx into StatusError.
func (h *HubClient) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{Method: req.Method, URL: endpoint, Code: resp.StatusCode}
	}
	return resp, nil
}

// retryable keeps retrying server errors and connectivity failures.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500 || status.Code == http.StatusTooManyRequests
	}
	return IsNetworkError(err)
}

func escapeRepo(repoID string) string {
	return escapePath(repoID)
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func cloneListing(l Listing) Listing {
	l.Files = slices.Clone(l.Files)
	return l
}

func totalBytes(files []File) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
