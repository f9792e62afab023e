package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "metadata(galacteek)", Key("metadata", "galacteek"))
	assert.Equal(t, "m(a,1)", Key("m", "a", 1))
	assert.NotEqual(t, Key("metadata", "a"), Key("versions", "a"))
}

func TestGet_CachesWithinTTL(t *testing.T) {
	s := New[string]("test_ttl", 8, time.Minute)
	var calls atomic.Int32
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		return "v1", nil
	}
	for i := 0; i < 3; i++ {
		v, err := s.Get(context.Background(), "k", fetch)
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestGet_ExpiresAfterTTL(t *testing.T) {
	s := New[int]("test_expire", 8, 30*time.Millisecond)
	var calls atomic.Int32
	fetch := func(context.Context) (int, error) { return int(calls.Add(1)), nil }

	v, err := s.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	time.Sleep(80 * time.Millisecond)
	v, err = s.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestGet_ZeroTTLAlwaysFetches(t *testing.T) {
	s := New[int]("test_zero_ttl", 8, 0)
	var calls atomic.Int32
	fetch := func(context.Context) (int, error) { return int(calls.Add(1)), nil }
	for want := 1; want <= 3; want++ {
		v, err := s.Get(context.Background(), "k", fetch)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	assert.Equal(t, 0, s.Len())
}

func TestGet_EvictsLeastRecentlyUsed(t *testing.T) {
	s := New[string]("test_lru", 2, time.Minute)
	var calls atomic.Int32
	fetch := func(key string) func(context.Context) (string, error) {
		return func(context.Context) (string, error) {
			calls.Add(1)
			return key, nil
		}
	}
	ctx := context.Background()
	_, _ = s.Get(ctx, "a", fetch("a"))
	_, _ = s.Get(ctx, "b", fetch("b"))
	_, _ = s.Get(ctx, "a", fetch("a")) // a is now most recent
	_, _ = s.Get(ctx, "c", fetch("c")) // evicts b
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 2, s.Len())

	_, _ = s.Get(ctx, "a", fetch("a"))
	assert.EqualValues(t, 3, calls.Load(), "a should still be cached")
	_, _ = s.Get(ctx, "b", fetch("b"))
	assert.EqualValues(t, 4, calls.Load(), "b should have been evicted")
}

func TestGet_SingleFlight(t *testing.T) {
	s := New[string]("test_sf", 8, time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Get(context.Background(), Key("metadata", "pkg"), fetch)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestGet_ErrorsAreNotCached(t *testing.T) {
	s := New[string]("test_err", 8, time.Minute)
	var calls atomic.Int32
	boom := errors.New("boom")
	fetch := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok", nil
	}
	_, err := s.Get(context.Background(), "k", fetch)
	require.ErrorIs(t, err, boom)
	v, err := s.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGet_CallerContextCanceled(t *testing.T) {
	s := New[string]("test_ctx", 8, time.Minute)
	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Get(ctx, "k", func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidate(t *testing.T) {
	s := New[string]("test_inv", 8, time.Minute)
	var calls atomic.Int32
	fetch := func(context.Context) (string, error) { calls.Add(1); return "v", nil }
	_, _ = s.Get(context.Background(), "k", fetch)
	s.Invalidate("k")
	_, _ = s.Get(context.Background(), "k", fetch)
	assert.EqualValues(t, 2, calls.Load())
}
