// Package cache memoizes read results and invalidates them automatically.
//
// Every committed write advances a global sequence and stamps each touched
// root uid with it. An entry remembers the sequence observed before its data
// was read and the uids it depends on; it is served only while none of those
// uids has been stamped since.
package cache

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/graph"
	"github.com/mdr/mdr/internal/platform/metrics"
)

// Cache is the capability injected into repositories.
type Cache interface {
	// Seq returns the current write sequence. Read it before loading data.
	Seq(ctx context.Context) (uint64, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, since uint64, deps []string, value []byte) error
	Invalidate(ctx context.Context, uids []string) error
}

type entry struct {
	Since uint64   `json:"since"`
	Deps  []string `json:"deps"`
	Value []byte   `json:"value"`
}

// Attach subscribes c to the store's commits.
func Attach(store graph.Store, c Cache, m *metrics.Metrics, log zerolog.Logger) {
	store.OnCommit(func(ctx context.Context, touched []string) {
		if err := c.Invalidate(context.WithoutCancel(ctx), touched); err != nil {
			log.Error().Err(err).Strs("uids", touched).Msg("cache invalidation failed")
			return
		}
		m.AddInvalidated(len(touched))
	})
}

// Typed wraps a Cache with JSON encoding for one value type.
type Typed[T any] struct {
	c Cache
	m *metrics.Metrics
}

func NewTyped[T any](c Cache, m *metrics.Metrics) *Typed[T] {
	return &Typed[T]{c: c, m: m}
}

// Seq returns 0 when no cache is configured.
func (t *Typed[T]) Seq(ctx context.Context) uint64 {
	if t == nil || t.c == nil {
		return 0
	}
	seq, err := t.c.Seq(ctx)
	if err != nil {
		return 0
	}
	return seq
}

// Get never fails: backend errors count as misses.
func (t *Typed[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	if t == nil || t.c == nil {
		return zero, false
	}
	raw, ok, err := t.c.Get(ctx, key)
	if err != nil || !ok {
		t.m.CacheResult("miss")
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.m.CacheResult("miss")
		return zero, false
	}
	t.m.CacheResult("hit")
	return v, true
}

func (t *Typed[T]) Put(ctx context.Context, key string, since uint64, deps []string, v T) {
	if t == nil || t.c == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = t.c.Put(ctx, key, since, deps, raw)
}
