package cache

import (
	"context"
	"fmt"
)

// Memo is a typed cached read bound to one invalidation event
type Memo[T any] struct {
	cache *Cache
	key   string
	fn    func(ctx context.Context) (T, error)
}

// NewMemo binds key to event on c and returns a reader that computes fn on
// a miss
func NewMemo[T any](c *Cache, key, event string, fn func(ctx context.Context) (T, error)) (*Memo[T], error) {
	if err := c.Bind(key, event); err != nil {
		return nil, err
	}
	return &Memo[T]{cache: c, key: key, fn: fn}, nil
}

// Get returns the cached value, computing it on a miss
func (m *Memo[T]) Get(ctx context.Context) (T, error) {
	var zero T

	v, err := m.cache.GetOrCompute(ctx, m.key, func(ctx context.Context) (any, error) {
		return m.fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache key %s holds %T", m.key, v)
	}
	return typed, nil
}

// Invalidate clears the memoized value locally
func (m *Memo[T]) Invalidate() {
	m.cache.Invalidate(m.key)
}

// Key returns the cache key
func (m *Memo[T]) Key() string {
	return m.key
}
