// Package cache memoizes keyed fetches in a fixed-capacity LRU whose entries
// expire after a TTL. Concurrent callers asking for the same missing key share
// one in-flight fetch.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var lookupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autovisor",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by result (hit, miss, shared, error)",
	},
	[]string{"cache", "result"},
)

func init() {
	prometheus.MustRegister(lookupsTotal)
}

// Store caches values of type V.
type Store[V any] struct {
	name   string
	lru    *expirable.LRU[string, V]
	bypass bool
	group  singleflight.Group
}

// New returns a store holding at most size entries, each valid for ttl.
// A non-positive ttl stores nothing: every lookup fetches, concurrent callers
// still share one fetch.
func New[V any](name string, size int, ttl time.Duration) *Store[V] {
	if size <= 0 {
		size = 1
	}
	return &Store[V]{
		name:   name,
		lru:    expirable.NewLRU[string, V](size, nil, ttl),
		bypass: ttl <= 0,
	}
}

// Key builds a cache key from a method name and its arguments.
func Key(method string, args ...any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return method + "(" + strings.Join(parts, ",") + ")"
}

// Get returns the cached value for key, or runs fetch once for all concurrent
// callers of the same key. Errors are returned to every waiter and not cached.
// A caller whose ctx ends stops waiting; the shared fetch keeps running.
func (s *Store[V]) Get(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error) {
	if v, ok := s.lookup(key); ok {
		lookupsTotal.WithLabelValues(s.name, "hit").Inc()
		return v, nil
	}
	ch := s.group.DoChan(key, func() (any, error) {
		if v, ok := s.lookup(key); ok {
			return v, nil
		}
		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}
		if !s.bypass {
			s.lru.Add(key, v)
		}
		return v, nil
	})
	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		switch {
		case res.Err != nil:
			lookupsTotal.WithLabelValues(s.name, "error").Inc()
			return zero, res.Err
		case res.Shared:
			lookupsTotal.WithLabelValues(s.name, "shared").Inc()
		default:
			lookupsTotal.WithLabelValues(s.name, "miss").Inc()
		}
		return res.Val.(V), nil
	}
}

func (s *Store[V]) lookup(key string) (V, bool) {
	if s.bypass {
		var zero V
		return zero, false
	}
	return s.lru.Get(key)
}

// Invalidate drops key.
func (s *Store[V]) Invalidate(key string) { s.lru.Remove(key) }

// Len reports the number of live entries.
func (s *Store[V]) Len() int { return s.lru.Len() }
