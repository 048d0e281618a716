package registry

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/murmur/internal/engine"
)

type fakeHandle struct {
	id       int
	releases atomic.Int32
}

func (h *fakeHandle) Transcribe(context.Context, engine.Request) (engine.Segments, engine.Info, error) {
	return nil, engine.Info{}, nil
}

func (h *fakeHandle) Release() error {
	h.releases.Add(1)
	return nil
}

func TestTokensAreUnique(t *testing.T) {
	seen := map[Token]struct{}{}
	for range 100 {
		token := NewToken()
		require.NotEmpty(t, token)
		_, dup := seen[token]
		require.False(t, dup)
		seen[token] = struct{}{}
	}
}

func TestCurrentEmpty(t *testing.T) {
	r := New(nil)
	handle, token := r.Current()
	require.Nil(t, handle)
	require.Empty(t, token)
}

func TestPublishRequiresPendingToken(t *testing.T) {
	r := New(nil)
	first := r.Begin()
	second := r.Begin()

	stale := &fakeHandle{id: 1}
	previous, ok := r.Publish(stale, first)
	require.False(t, ok)
	require.Nil(t, previous)
	require.Equal(t, int32(0), stale.releases.Load())

	fresh := &fakeHandle{id: 2}
	previous, ok = r.Publish(fresh, second)
	require.True(t, ok)
	require.Nil(t, previous)
	handle, token := r.Current()
	require.Same(t, fresh, handle)
	require.Equal(t, second, token)

	_, ok = r.Publish(&fakeHandle{}, "")
	require.False(t, ok)
	_, ok = r.Publish(nil, second)
	require.False(t, ok)
}

func TestPublishHandsBackDisplacedHandleUnreleased(t *testing.T) {
	r := New(nil)
	handles := make([]*fakeHandle, 0, 5)
	for i := range 5 {
		h := &fakeHandle{id: i}
		handles = append(handles, h)
		previous, ok := r.Publish(h, r.Begin())
		require.True(t, ok)
		if i == 0 {
			require.Nil(t, previous)
			continue
		}
		require.Same(t, handles[i-1], previous)
	}

	for _, h := range handles {
		require.Equal(t, int32(0), h.releases.Load())
	}

	r.Clear()
	require.Equal(t, int32(1), handles[4].releases.Load())
	handle, token := r.Current()
	require.Nil(t, handle)
	require.Empty(t, token)
	require.Empty(t, r.Pending())

	r.Clear()
	require.Equal(t, int32(1), handles[4].releases.Load())
}

func TestOnlyLastRequestPublishesRegardlessOfCompletionOrder(t *testing.T) {
	for trial := range 20 {
		r := New(nil)
		const n = 8
		tokens := make([]Token, n)
		for i := range n {
			tokens[i] = r.Begin()
		}

		order := rand.New(rand.NewSource(int64(trial))).Perm(n)
		handles := make([]*fakeHandle, n)
		var wg sync.WaitGroup
		for _, i := range order {
			handles[i] = &fakeHandle{id: i}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				previous, ok := r.Publish(handles[i], tokens[i])
				if !ok {
					_ = handles[i].Release()
				}
				if previous != nil {
					_ = previous.Release()
				}
			}(i)
		}
		wg.Wait()

		handle, token := r.Current()
		require.Equal(t, tokens[n-1], token)
		require.Same(t, handles[n-1], handle)
		for i := range n - 1 {
			require.Equal(t, int32(1), handles[i].releases.Load())
		}
		require.Equal(t, int32(0), handles[n-1].releases.Load())
	}
}

func TestIsPending(t *testing.T) {
	r := New(nil)
	require.False(t, r.IsPending(""))
	token := r.Begin()
	require.True(t, r.IsPending(token))
	r.Begin()
	require.False(t, r.IsPending(token))
}
