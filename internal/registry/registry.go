// Package registry holds the single live model handle behind a version token.
package registry

import (
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rbright/murmur/internal/engine"
)

// Token identifies one load request lineage. The zero value means none.
type Token string

// NewToken mints a globally unique token.
func NewToken() Token {
	return Token(uuid.New().String())
}

// Registry owns at most one published handle plus its token, and remembers
// the token of the most recent load request.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	handle  engine.Handle
	token   Token
	pending Token
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{logger: logger}
}

// Begin mints a token for a new load request and makes it the pending one.
// Every earlier request becomes stale.
func (r *Registry) Begin() Token {
	token := NewToken()
	r.mu.Lock()
	r.pending = token
	r.mu.Unlock()
	return token
}

// Pending returns the token of the most recent load request.
func (r *Registry) Pending() Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// IsPending reports whether token belongs to the most recent load request.
func (r *Registry) IsPending(token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return token != "" && token == r.pending
}

// Current returns the published handle with its token as one snapshot.
// Both are empty when nothing is published.
func (r *Registry) Current() (engine.Handle, Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle, r.token
}

// Token returns the published token.
func (r *Registry) Token() Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// Publish stores handle under token if token is still the pending one and
// returns the handle it displaced, which the caller now owns and must
// release. A stale token publishes nothing and returns false; the caller
// keeps ownership of handle.
func (r *Registry) Publish(handle engine.Handle, token Token) (engine.Handle, bool) {
	if handle == nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if token == "" || token != r.pending {
		return nil, false
	}
	previous := r.handle
	r.handle, r.token = handle, token
	return previous, true
}

// Clear releases the published handle and forgets both tokens.
func (r *Registry) Clear() {
	r.mu.Lock()
	previous := r.handle
	r.handle, r.token, r.pending = nil, "", ""
	r.mu.Unlock()

	if previous != nil {
		r.release(previous)
	}
}

func (r *Registry) release(handle engine.Handle) {
	if err := handle.Release(); err != nil {
		r.logger.Warn("release model handle failed", "error", err.Error())
	}
}
