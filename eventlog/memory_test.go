package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/motorblog/blogcache/cfg"
	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/eventlog/logtest"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/hlc"
	"github.com/motorblog/blogcache/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T, capBytes int64) eventlog.Log {
	l := eventlog.NewMemoryLog("events", capBytes, notify.NewHub())
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMemoryLog(t *testing.T) {
	logtest.Run(t, openMemory, logtest.Options{})
}

func TestMemoryLog_UnboundedIsMisprovisioned(t *testing.T) {
	l := eventlog.NewMemoryLog("events", 0, nil)
	defer l.Close()

	err := l.EnsureCreated(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, eventlog.ErrMisprovisioned)
	assert.Contains(t, err.Error(), "cap_bytes")
}

func TestMemoryLog_TrimKeepsWithinCap(t *testing.T) {
	l := eventlog.NewMemoryLog("events", 1024, nil)
	defer l.Close()
	clock := hlc.NewClock(1)

	for i := 0; i < 100; i++ {
		_, err := l.Append(context.Background(), logtest.Record(clock, "categories_changed"))
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, l.SizeBytes(), int64(1024))
	assert.Less(t, l.Len(), 100)
}

func TestMemoryLog_DropKillsStreams(t *testing.T) {
	l := eventlog.NewMemoryLog("events", 1024, nil)
	defer l.Close()
	clock := hlc.NewClock(1)

	rec, err := l.Append(context.Background(), logtest.Record(clock, "a"))
	require.NoError(t, err)

	s, err := l.Follow(context.Background(), events.After(rec))
	require.NoError(t, err)
	defer s.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Drop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, eventlog.ErrCursorDead)
	case <-time.After(time.Second):
		t.Fatal("stream did not die after drop")
	}

	// A cursor from before the drop falls back to time once the log is recreated
	time.Sleep(2 * time.Millisecond)
	fresh, err := l.Append(context.Background(), logtest.Record(clock, "b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fresh.Position)

	s2, err := l.Follow(context.Background(), events.Cursor{Position: rec.Position + 5, Since: rec.Time()})
	require.NoError(t, err)
	defer s2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := s2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)
}

func TestMemoryLog_CloseUnblocksNext(t *testing.T) {
	l := eventlog.NewMemoryLog("events", 1024, nil)
	clock := hlc.NewClock(1)

	rec, err := l.Append(context.Background(), logtest.Record(clock, "a"))
	require.NoError(t, err)

	s, err := l.Follow(context.Background(), events.After(rec))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, eventlog.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Next still blocked after Close")
	}

	_, err = l.Append(context.Background(), logtest.Record(clock, "b"))
	assert.ErrorIs(t, err, eventlog.ErrClosed)
	assert.Error(t, l.Close())
}

func TestOpen_UnknownBackend(t *testing.T) {
	c := cfg.Default()
	c.EventLog.Backend = "carrier-pigeon"

	_, err := eventlog.Open(c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event log backend")
}

func TestOpen_Memory(t *testing.T) {
	c := cfg.Default()
	c.EventLog.Backend = cfg.BackendMemory

	l, err := eventlog.Open(c, nil)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.EnsureCreated(context.Background()))
	assert.Contains(t, eventlog.Backends(), cfg.BackendMemory)
}
