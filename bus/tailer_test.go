package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBackoff = 10 * time.Millisecond

var errInjected = errors.New("injected read failure")

// flakyLog fails the first streams it opens after a number of records,
// and can refuse Follow outright
type flakyLog struct {
	eventlog.Log

	mu          sync.Mutex
	failAfter   []int // per opened stream: records before failing
	failFollows int
	follows     int
}

func (f *flakyLog) Follow(ctx context.Context, c events.Cursor) (eventlog.Stream, error) {
	f.mu.Lock()
	f.follows++
	if f.failFollows > 0 {
		f.failFollows--
		f.mu.Unlock()
		return nil, errors.New("log unavailable")
	}
	budget := -1
	if len(f.failAfter) > 0 {
		budget = f.failAfter[0]
		f.failAfter = f.failAfter[1:]
	}
	f.mu.Unlock()

	s, err := f.Log.Follow(ctx, c)
	if err != nil {
		return nil, err
	}
	return &flakyStream{Stream: s, budget: budget}, nil
}

func (f *flakyLog) followCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.follows
}

type flakyStream struct {
	eventlog.Stream
	budget int
}

func (s *flakyStream) Next(ctx context.Context) (events.Record, error) {
	if s.budget == 0 {
		return events.Record{}, errInjected
	}
	if s.budget > 0 {
		s.budget--
	}
	return s.Stream.Next(ctx)
}

func newMemoryLog(t *testing.T) *eventlog.MemoryLog {
	l := eventlog.NewMemoryLog("events", 100*1024, nil)
	require.NoError(t, l.EnsureCreated(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l
}

func startTailer(t *testing.T, l eventlog.Log, d Dispatcher, clock *hlc.Clock) *Tailer {
	tl, err := NewTailer(TailerConfig{Log: l, Dispatcher: d, Clock: clock, Backoff: testBackoff})
	require.NoError(t, err)
	tl.Start()
	t.Cleanup(tl.Stop)
	return tl
}

func appendNames(t *testing.T, l eventlog.Log, clock *hlc.Clock, names ...string) {
	for _, name := range names {
		_, err := l.Append(context.Background(), events.Record{ID: clock.Now(), Name: name})
		require.NoError(t, err)
	}
}

func waitForNames(t *testing.T, rec *recorder, n int) {
	require.Eventually(t, func() bool {
		return len(rec.names()) >= n
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNewTailer_Validation(t *testing.T) {
	_, err := NewTailer(TailerConfig{Dispatcher: NewRegistry()})
	assert.Error(t, err)

	_, err = NewTailer(TailerConfig{Log: eventlog.NewMemoryLog("events", 1024, nil)})
	assert.Error(t, err)

	tl, err := NewTailer(TailerConfig{Log: eventlog.NewMemoryLog("events", 1024, nil), Dispatcher: NewRegistry()})
	require.NoError(t, err)
	assert.Equal(t, DefaultBackoff, tl.config.Backoff)
	assert.Equal(t, StateStopped, tl.State())
}

func TestTailer_DeliversInAppendOrder(t *testing.T) {
	l := newMemoryLog(t)
	clock := hlc.NewClock(1)
	r := NewRegistry()
	rec := &recorder{}
	mustOn(t, r, events.Wildcard, rec.callback("w"))

	startTailer(t, l, r, clock)
	appendNames(t, l, clock, "a", "b", "c", "d")

	waitForNames(t, rec, 4)
	assert.Equal(t, []string{"w:a", "w:b", "w:c", "w:d"}, rec.names())
}

func TestTailer_IgnoresRecordsBeforeStart(t *testing.T) {
	l := newMemoryLog(t)
	clock := hlc.NewClock(1)
	appendNames(t, l, clock, "old")
	time.Sleep(2 * time.Millisecond)

	r := NewRegistry()
	rec := &recorder{}
	mustOn(t, r, events.Wildcard, rec.callback("w"))

	startTailer(t, l, r, clock)
	appendNames(t, l, clock, "new")

	waitForNames(t, rec, 1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"w:new"}, rec.names())
}

func TestTailer_RecoversWithoutRedelivery(t *testing.T) {
	mem := newMemoryLog(t)
	clock := hlc.NewClock(1)
	appendNames(t, mem, clock, "old")
	time.Sleep(2 * time.Millisecond)

	l := &flakyLog{Log: mem, failAfter: []int{2, 1}}
	r := NewRegistry()
	rec := &recorder{}
	mustOn(t, r, events.Wildcard, rec.callback("w"))

	tl := startTailer(t, l, r, clock)
	appendNames(t, mem, clock, "a", "b", "c", "d", "e")

	waitForNames(t, rec, 5)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"w:a", "w:b", "w:c", "w:d", "w:e"}, rec.names())

	stats := tl.Stats()
	assert.GreaterOrEqual(t, stats.Restarts, uint64(2))
	assert.Equal(t, uint64(5), stats.Dispatched)
	assert.Equal(t, "e", stats.LastEvent)
}

func TestTailer_RecoversFromFollowErrors(t *testing.T) {
	mem := newMemoryLog(t)
	clock := hlc.NewClock(1)
	l := &flakyLog{Log: mem, failFollows: 3}

	r := NewRegistry()
	rec := &recorder{}
	mustOn(t, r, "x", rec.callback("x"))

	startTailer(t, l, r, clock)
	appendNames(t, mem, clock, "x")

	waitForNames(t, rec, 1)
	assert.GreaterOrEqual(t, l.followCount(), 4)
}

func TestTailer_EmptyLogThenAppend(t *testing.T) {
	l := newMemoryLog(t)
	clock := hlc.NewClock(1)
	r := NewRegistry()
	rec := &recorder{}
	mustOn(t, r, events.Wildcard, rec.callback("w"))

	tl := startTailer(t, l, r, clock)

	// The cursor dies on the empty log and the tailer keeps retrying
	require.Eventually(t, func() bool {
		return tl.Stats().Restarts >= 2
	}, 5*time.Second, 5*time.Millisecond)

	appendNames(t, l, clock, "first")
	waitForNames(t, rec, 1)
	assert.Equal(t, []string{"w:first"}, rec.names())

	require.Eventually(t, func() bool {
		return tl.State() == StateFollowing
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTailer_SurvivesDroppedLog(t *testing.T) {
	l := newMemoryLog(t)
	clock := hlc.NewClock(1)
	r := NewRegistry()
	rec := &recorder{}
	mustOn(t, r, events.Wildcard, rec.callback("w"))

	startTailer(t, l, r, clock)
	appendNames(t, l, clock, "a", "b")
	waitForNames(t, rec, 2)

	l.Drop()
	appendNames(t, l, clock, "c")

	waitForNames(t, rec, 3)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"w:a", "w:b", "w:c"}, rec.names())
}

func TestTailer_SlowDispatchDeliversEveryRecordInOrder(t *testing.T) {
	l := newMemoryLog(t)
	clock := hlc.NewClock(1)
	r := NewRegistry()
	rec := &recorder{}

	mustOn(t, r, events.CategoriesChanged, func(ctx context.Context, e events.Record) error {
		time.Sleep(50 * time.Millisecond)
		return rec.callback("slow")(ctx, e)
	})

	startTailer(t, l, r, clock)
	appendNames(t, l, clock, events.CategoriesChanged, events.CategoriesChanged)

	waitForNames(t, rec, 2)
	assert.Equal(t, []string{"slow:categories_changed", "slow:categories_changed"}, rec.names())
}

func TestTailer_AdvancesClockPastObservedRecords(t *testing.T) {
	l := newMemoryLog(t)
	local := hlc.NewClock(1)
	r := NewRegistry()
	rec := &recorder{}
	mustOn(t, r, events.Wildcard, rec.callback("w"))

	startTailer(t, l, r, local)

	remote := hlc.Timestamp{WallTime: time.Now().Add(time.Hour).UnixNano(), NodeID: 2}
	_, err := l.Append(context.Background(), events.Record{ID: remote, Name: "remote"})
	require.NoError(t, err)

	waitForNames(t, rec, 1)
	assert.True(t, hlc.After(local.Now(), remote))
}

func TestTailer_StopIsIdempotent(t *testing.T) {
	l := newMemoryLog(t)
	clock := hlc.NewClock(1)
	tl := startTailer(t, l, NewRegistry(), clock)

	tl.Stop()
	tl.Stop()
	assert.Equal(t, StateStopped, tl.State())

	// Restart resets the cursor to now
	r := tl.config.Dispatcher.(*Registry)
	rec := &recorder{}
	mustOn(t, r, events.Wildcard, rec.callback("w"))
	appendNames(t, l, clock, "while_stopped")
	time.Sleep(2 * time.Millisecond)

	tl.Start()
	appendNames(t, l, clock, "after_restart")
	waitForNames(t, rec, 1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"w:after_restart"}, rec.names())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "following", StateFollowing.String())
	assert.Equal(t, "recovering", StateRecovering.String())
	assert.Equal(t, "state(9)", State(9).String())
}
