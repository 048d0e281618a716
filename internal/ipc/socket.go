package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const socketName = "murmur.sock"

// ErrAlreadyRunning means another process owns the session socket.
var ErrAlreadyRunning = errors.New("murmur session already running")

var errStaleSocket = errors.New("stale socket removed")

// RuntimeSocketPath returns the session socket under XDG_RUNTIME_DIR.
func RuntimeSocketPath() (string, error) {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtimeDir, socketName), nil
}

// Acquire listens on path, taking over a stale socket left by a dead owner.
// A responsive owner yields ErrAlreadyRunning. rescue runs after each stale
// socket is removed.
func Acquire(
	ctx context.Context,
	path string,
	probeTimeout time.Duration,
	retries int,
	rescue func(context.Context) error,
) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	listener, err := backoff.Retry(ctx, func() (net.Listener, error) {
		listener, err := net.Listen("unix", path)
		if err == nil {
			_ = os.Chmod(path, 0o600)
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, backoff.Permanent(fmt.Errorf("listen unix %s: %w", path, err))
		}

		alive, probeErr := Probe(ctx, path, probeTimeout)
		if alive {
			return nil, backoff.Permanent(ErrAlreadyRunning)
		}
		if probeErr != nil {
			return nil, backoff.Permanent(fmt.Errorf("probe existing socket %s: %w", path, probeErr))
		}

		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return nil, backoff.Permanent(fmt.Errorf("remove stale socket %s: %w", path, removeErr))
		}
		if rescue != nil {
			_ = rescue(ctx)
		}
		return nil, errStaleSocket
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(max(retries, 0)+1)))
	if errors.Is(err, errStaleSocket) {
		return nil, fmt.Errorf("failed to acquire socket %s after %d retries", path, retries)
	}
	return listener, err
}
