// Package logtest holds behavior tests shared by every event log backend.
package logtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, unprovisioned log with the given byte cap.
// The log must be closed by the factory's test cleanup if the test does not.
type Factory func(t *testing.T, capBytes int64) eventlog.Log

// Options tunes the suite for backends with coarser behavior
type Options struct {
	// TrimEvery is how many appends may pass before the ring is trimmed
	TrimEvery int
}

// Run executes the shared behavior tests against a backend
func Run(t *testing.T, open Factory, opts Options) {
	if opts.TrimEvery <= 0 {
		opts.TrimEvery = 1
	}

	t.Run("AppendAssignsIncreasingPositions", func(t *testing.T) { testAppendPositions(t, open) })
	t.Run("EnsureCreatedIdempotent", func(t *testing.T) { testEnsureCreatedIdempotent(t, open) })
	t.Run("FollowEmptyLogIsDead", func(t *testing.T) { testFollowEmpty(t, open) })
	t.Run("FollowAfterPosition", func(t *testing.T) { testFollowAfterPosition(t, open) })
	t.Run("FollowSince", func(t *testing.T) { testFollowSince(t, open) })
	t.Run("NextBlocksUntilAppend", func(t *testing.T) { testNextBlocks(t, open) })
	t.Run("NextHonorsContext", func(t *testing.T) { testNextContext(t, open) })
	t.Run("RingTrimsOldest", func(t *testing.T) { testRingTrim(t, open, opts) })
	t.Run("RejectsInvalidNames", func(t *testing.T) { testInvalidNames(t, open) })
}

// Record stamps a new record with clock
func Record(clock *hlc.Clock, name string) events.Record {
	return events.Record{ID: clock.Now(), Name: name}
}

func provisioned(t *testing.T, open Factory, capBytes int64) eventlog.Log {
	l := open(t, capBytes)
	require.NoError(t, l.EnsureCreated(context.Background()))
	return l
}

func appendNames(t *testing.T, l eventlog.Log, clock *hlc.Clock, names ...string) []events.Record {
	out := make([]events.Record, 0, len(names))
	for _, name := range names {
		rec, err := l.Append(context.Background(), Record(clock, name))
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func next(t *testing.T, s eventlog.Stream) events.Record {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := s.Next(ctx)
	require.NoError(t, err)
	return rec
}

func testAppendPositions(t *testing.T, open Factory) {
	l := provisioned(t, open, 100*1024)
	clock := hlc.NewClock(1)

	recs := appendNames(t, l, clock, "a", "b", "c")
	assert.Equal(t, "a", recs[0].Name)
	for i := 1; i < len(recs); i++ {
		assert.Greater(t, recs[i].Position, recs[i-1].Position)
	}
	assert.Greater(t, recs[0].Position, uint64(0))
}

func testEnsureCreatedIdempotent(t *testing.T, open Factory) {
	l := provisioned(t, open, 100*1024)
	clock := hlc.NewClock(1)

	appendNames(t, l, clock, "a")
	require.NoError(t, l.EnsureCreated(context.Background()))
	require.NoError(t, l.EnsureCreated(context.Background()))

	s, err := l.Follow(context.Background(), events.Cursor{})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "a", next(t, s).Name)
}

func testFollowEmpty(t *testing.T, open Factory) {
	l := provisioned(t, open, 100*1024)

	s, err := l.Follow(context.Background(), events.Since(time.Now()))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, eventlog.ErrCursorDead)
}

func testFollowAfterPosition(t *testing.T, open Factory) {
	l := provisioned(t, open, 100*1024)
	clock := hlc.NewClock(1)

	recs := appendNames(t, l, clock, "a", "b", "c")

	s, err := l.Follow(context.Background(), events.After(recs[0]))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, recs[1], next(t, s))
	assert.Equal(t, recs[2], next(t, s))
}

func testFollowSince(t *testing.T, open Factory) {
	l := provisioned(t, open, 100*1024)
	clock := hlc.NewClock(1)

	appendNames(t, l, clock, "old")
	time.Sleep(5 * time.Millisecond)
	since := time.Now()
	time.Sleep(5 * time.Millisecond)
	recs := appendNames(t, l, clock, "new")

	s, err := l.Follow(context.Background(), events.Since(since))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, recs[0], next(t, s))
}

func testNextBlocks(t *testing.T, open Factory) {
	l := provisioned(t, open, 100*1024)
	clock := hlc.NewClock(1)

	recs := appendNames(t, l, clock, "a")

	s, err := l.Follow(context.Background(), events.After(recs[0]))
	require.NoError(t, err)
	defer s.Close()

	got := make(chan events.Record, 1)
	go func() {
		rec, err := s.Next(context.Background())
		if err == nil {
			got <- rec
		}
	}()

	select {
	case rec := <-got:
		t.Fatalf("Next returned %v before any append", rec)
	case <-time.After(50 * time.Millisecond):
	}

	appended := appendNames(t, l, clock, "b")
	select {
	case rec := <-got:
		assert.Equal(t, appended[0], rec)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for appended record")
	}
}

func testNextContext(t *testing.T, open Factory) {
	l := provisioned(t, open, 100*1024)
	clock := hlc.NewClock(1)

	recs := appendNames(t, l, clock, "a")

	s, err := l.Follow(context.Background(), events.After(recs[0]))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected deadline, got %v", err)
}

func testRingTrim(t *testing.T, open Factory, opts Options) {
	const capBytes = 1024
	l := provisioned(t, open, capBytes)
	clock := hlc.NewClock(1)

	name := strings.Repeat("x", 60)
	total := 2*opts.TrimEvery + 10
	var last events.Record
	for i := 0; i < total; i++ {
		recs := appendNames(t, l, clock, fmt.Sprintf("%s_%d", name, i))
		last = recs[0]
	}

	s, err := l.Follow(context.Background(), events.Cursor{})
	require.NoError(t, err)
	defer s.Close()

	first := next(t, s)
	assert.Greater(t, first.Position, uint64(1), "oldest records should have been discarded")

	// Whatever survives is still readable in order up to the newest
	prev := first
	for prev.Position < last.Position {
		rec := next(t, s)
		assert.Greater(t, rec.Position, prev.Position)
		prev = rec
	}
	assert.Equal(t, last, prev)
}

func testInvalidNames(t *testing.T, open Factory) {
	l := provisioned(t, open, 100*1024)
	clock := hlc.NewClock(1)

	for _, name := range []string{"", "a b", "cat*", strings.Repeat("x", events.MaxNameLength+1)} {
		_, err := l.Append(context.Background(), Record(clock, name))
		assert.Error(t, err, "name %q", name)
	}
}
