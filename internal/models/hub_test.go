package models

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, handler http.Handler) (*HubClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHubClient(HubOptions{BaseURL: server.URL, RetryInitial: time.Millisecond}), server
}

func TestHubListParsesSiblings(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/ctranslate2-4you/whisper-base.en-ct2-float32/revision/main", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "true", r.URL.Query().Get("blobs"))
		_, _ = w.Write([]byte(`{"sha":"abc123","siblings":[{"rfilename":"model.bin","size":200},{"rfilename":"config.json","size":10},{"rfilename":"README.md"}]}`))
	})
	hub, _ := newTestHub(t, mux)

	listing, err := hub.List(context.Background(), testRepo)
	require.NoError(t, err)
	require.Equal(t, "abc123", listing.Revision)
	require.Equal(t, []File{{Name: "model.bin", Size: 200}, {Name: "config.json", Size: 10}, {Name: "README.md", Size: 0}}, listing.Files)
	require.Equal(t, int64(210), listing.TotalBytes())

	listing.Files[0].Size = 1
	again, err := hub.List(context.Background(), testRepo)
	require.NoError(t, err)
	require.Equal(t, int64(200), again.Files[0].Size)
	require.Equal(t, int32(1), calls.Load())
}

func TestHubListRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	hub, _ := newTestHub(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"sha":"r","siblings":[]}`))
	}))

	listing, err := hub.List(context.Background(), testRepo)
	require.NoError(t, err)
	require.Equal(t, "r", listing.Revision)
	require.Equal(t, int32(3), calls.Load())
}

func TestHubListDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	hub, _ := newTestHub(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := hub.List(context.Background(), testRepo)
	var status *StatusError
	require.True(t, errors.As(err, &status))
	require.Equal(t, http.StatusNotFound, status.Code)
	require.Equal(t, int32(1), calls.Load())
	require.False(t, IsNetworkError(err))
}

func TestHubListConnectionRefusedIsNetworkError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	hub := NewHubClient(HubOptions{BaseURL: "http://" + addr, RetryInitial: time.Millisecond, MaxAttempts: 2})
	_, err = hub.List(context.Background(), testRepo)
	require.Error(t, err)
	require.True(t, IsNetworkError(err))
}

func TestHubFetchStreamsFileWithToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ctranslate2-4you/whisper-base.en-ct2-float32/resolve/abc/model.bin", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "murmur-test/1", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("weights"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	hub := NewHubClient(HubOptions{BaseURL: server.URL, Token: "secret", UserAgent: "murmur-test/1"})

	var buf bytes.Buffer
	require.NoError(t, hub.Fetch(context.Background(), testRepo, "abc", "model.bin", &buf))
	require.Equal(t, "weights", buf.String())

	err := hub.Fetch(context.Background(), testRepo, "abc", "missing.bin", &buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "HTTP 404")
}
