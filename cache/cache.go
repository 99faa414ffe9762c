// Package cache memoizes expensive reads of rarely written collections and
// drops them when a bound event arrives on the bus.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/motorblog/blogcache/bus"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Notifier delivers named events; *bus.Bus and *bus.Registry satisfy it
type Notifier interface {
	On(pattern string, callback bus.Callback) (*bus.Subscription, error)
}

// ComputeFunc produces the value of a slot
type ComputeFunc func(ctx context.Context) (any, error)

// Options tunes a Cache
type Options struct {
	// SingleFlight makes concurrent misses on one key share a single
	// computation. Off by default: every miss computes and the last
	// store wins.
	SingleFlight bool
}

// slot holds at most one value. Every invalidation bumps generation so a
// computation that started earlier cannot store its result.
type slot struct {
	mu         sync.Mutex
	value      any
	populated  bool
	generation uint64
}

// Cache is a set of named, lazily populated slots
type Cache struct {
	notifier Notifier
	opts     Options
	slots    *xsync.MapOf[string, *slot]
	group    singleflight.Group

	bindingsMu sync.Mutex
	bindings   []*bus.Subscription
}

// New creates a cache whose bindings register on notifier
func New(notifier Notifier, opts Options) *Cache {
	return &Cache{
		notifier: notifier,
		opts:     opts,
		slots:    xsync.NewMapOf[string, *slot](),
	}
}

func (c *Cache) slotFor(key string) *slot {
	s, _ := c.slots.LoadOrStore(key, &slot{})
	return s
}

// Bind clears key whenever event is dispatched. Call it at construction
// time, before the bus starts.
func (c *Cache) Bind(key, event string) error {
	sub, err := c.notifier.On(event, func(_ context.Context, _ events.Record) error {
		c.Invalidate(key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to bind cache key %s to %s: %w", key, event, err)
	}

	c.bindingsMu.Lock()
	c.bindings = append(c.bindings, sub)
	c.bindingsMu.Unlock()
	return nil
}

// GetOrCompute returns the stored value of key, or calls fn, stores its
// result and returns it. Errors are returned and never stored.
func (c *Cache) GetOrCompute(ctx context.Context, key string, fn ComputeFunc) (any, error) {
	s := c.slotFor(key)

	s.mu.Lock()
	if s.populated {
		v := s.value
		s.mu.Unlock()
		telemetry.CacheRequestsTotal.With(key, "hit").Inc()
		return v, nil
	}
	generation := s.generation
	s.mu.Unlock()

	telemetry.CacheRequestsTotal.With(key, "miss").Inc()

	v, err := c.compute(ctx, key, generation, fn)
	if err != nil {
		telemetry.CacheRequestsTotal.With(key, "error").Inc()
		return nil, err
	}

	s.mu.Lock()
	if s.generation == generation {
		s.value = v
		s.populated = true
	}
	s.mu.Unlock()

	return v, nil
}

func (c *Cache) compute(ctx context.Context, key string, generation uint64, fn ComputeFunc) (any, error) {
	if !c.opts.SingleFlight {
		return fn(ctx)
	}

	// Callers on different generations must not share a result. The shared
	// call outlives any one caller's cancellation; each caller still stops
	// waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprintf("%s#%d", key, generation), func() (any, error) {
		return fn(shared)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate clears key; the next read recomputes it
func (c *Cache) Invalidate(key string) {
	s, ok := c.slots.Load(key)
	if !ok {
		return
	}

	s.mu.Lock()
	wasPopulated := s.populated
	s.value = nil
	s.populated = false
	s.generation++
	s.mu.Unlock()

	telemetry.CacheInvalidationsTotal.With(key).Inc()
	log.Debug().Str("key", key).Bool("was_populated", wasPopulated).Msg("Invalidated cache slot")
}

// Keys returns the populated keys, sorted
func (c *Cache) Keys() []string {
	keys := make([]string, 0)
	c.slots.Range(func(key string, s *slot) bool {
		s.mu.Lock()
		if s.populated {
			keys = append(keys, key)
		}
		s.mu.Unlock()
		return true
	})
	sort.Strings(keys)
	return keys
}

// Len returns the number of populated slots
func (c *Cache) Len() int {
	return len(c.Keys())
}

// Close removes the cache's event bindings
func (c *Cache) Close() {
	c.bindingsMu.Lock()
	bindings := c.bindings
	c.bindings = nil
	c.bindingsMu.Unlock()

	for _, sub := range bindings {
		sub.Cancel()
	}
}
