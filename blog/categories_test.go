package blog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/motorblog/blogcache/bus"
	"github.com/motorblog/blogcache/cache"
	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localEmitter dispatches straight into the registry, standing in for a
// bus whose tailer is instantaneous
type localEmitter struct {
	mu       sync.Mutex
	registry *bus.Registry
	emitted  []string
	err      error
}

func (e *localEmitter) EmitAndAwait(ctx context.Context, name string) (events.Record, error) {
	e.mu.Lock()
	e.emitted = append(e.emitted, name)
	pos := uint64(len(e.emitted))
	err := e.err
	e.mu.Unlock()

	rec := events.Record{Name: name, Position: pos}
	if err != nil {
		return rec, err
	}
	e.registry.Dispatch(ctx, rec)
	return rec, nil
}

func (e *localEmitter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.emitted...)
}

func newStore(t *testing.T) (*Categories, *localEmitter, *cache.Cache) {
	t.Helper()
	registry := bus.NewRegistry()
	emitter := &localEmitter{registry: registry}
	c := cache.New(registry, cache.Options{})

	s, err := OpenCategories(filepath.Join(t.TempDir(), "blog.db"), c, emitter, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		c.Close()
	})
	return s, emitter, c
}

func TestCategories_ListSortedByName(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "rust", "Rust")
	require.NoError(t, err)
	_, err = s.Create(ctx, "go", "Go")
	require.NoError(t, err)
	_, err = s.Create(ctx, "c", "C")
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Category{{"c", "C"}, {"go", "Go"}, {"rust", "Rust"}}, list)
}

func TestCategories_EmptyList(t *testing.T) {
	s, _, _ := newStore(t)
	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCategories_CreateInvalidatesList(t *testing.T) {
	s, emitter, c := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "a", "A")
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, []string{CategoriesKey}, c.Keys())

	_, err = s.Create(ctx, "b", "B")
	require.NoError(t, err)
	assert.Empty(t, c.Keys())

	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Category{{"a", "A"}, {"b", "B"}}, list)
	assert.Equal(t, []string{events.CategoriesChanged, events.CategoriesChanged}, emitter.names())
}

func TestCategories_Delete(t *testing.T) {
	s, emitter, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "a", "A")
	require.NoError(t, err)
	_, err = s.List(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "a"))
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	err = s.Delete(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, emitter.names(), 2)
}

func TestCategories_CreateErrors(t *testing.T) {
	s, emitter, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "Not A Slug", "x")
	assert.ErrorIs(t, err, ErrInvalidSlug)

	_, err = s.Create(ctx, "ok", "")
	assert.Error(t, err)

	_, err = s.Create(ctx, "dup", "Dup")
	require.NoError(t, err)
	_, err = s.Create(ctx, "dup", "Again")
	assert.ErrorIs(t, err, ErrExists)

	assert.Len(t, emitter.names(), 1)
}

func TestCategories_PropagationTimeoutIsTolerated(t *testing.T) {
	s, emitter, _ := newStore(t)
	emitter.err = context.DeadlineExceeded

	_, err := s.Create(context.Background(), "a", "A")
	assert.NoError(t, err)
}

func TestCategories_EmitFailureIsReturned(t *testing.T) {
	s, _, _ := newStore(t)
	s.emitter = failingEmitter{}

	_, err := s.Create(context.Background(), "a", "A")
	assert.Error(t, err)
}

type failingEmitter struct{}

func (failingEmitter) EmitAndAwait(context.Context, string) (events.Record, error) {
	return events.Record{}, errors.New("log unavailable")
}

func TestCategories_DigestTracksContent(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	empty, err := s.Digest(ctx)
	require.NoError(t, err)

	_, err = s.Create(ctx, "a", "A")
	require.NoError(t, err)
	one, err := s.Digest(ctx)
	require.NoError(t, err)
	again, err := s.Digest(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, empty, one)
	assert.Equal(t, one, again)
	assert.Regexp(t, `^"[0-9a-f]+"$`, one)
}

func TestCategories_ThroughBus(t *testing.T) {
	l := eventlog.NewMemoryLog("events", 100*1024, nil)
	b, err := bus.New(bus.Config{Log: l, Clock: hlc.NewClock(1), Backoff: 10 * time.Millisecond})
	require.NoError(t, err)
	c := cache.New(b, cache.Options{})

	s, err := OpenCategories(filepath.Join(t.TempDir(), "blog.db"), c, b, 5*time.Second)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, b.Startup(context.Background()))
	defer b.Shutdown()

	ctx := context.Background()
	_, err = s.Create(ctx, "a", "A")
	require.NoError(t, err)
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Category{{"a", "A"}}, list)

	_, err = s.Create(ctx, "b", "B")
	require.NoError(t, err)
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Category{{"a", "A"}, {"b", "B"}}, list)
}

func TestDigestOf_MatchesStoreDigest(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "a", "A")
	require.NoError(t, err)
	list, err := s.List(ctx)
	require.NoError(t, err)
	digest, err := s.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, digest, DigestOf(list))

	// Field boundaries are part of the tag
	assert.NotEqual(t,
		DigestOf([]Category{{Slug: "ab", Name: "c"}}),
		DigestOf([]Category{{Slug: "a", Name: "bc"}}))
	assert.NotEqual(t, DigestOf(list), DigestOf(nil))
}
