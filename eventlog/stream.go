package eventlog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/notify"
)

// FetchFunc returns the first record admitted by cursor. ok is false when
// the log holds nothing newer yet.
type FetchFunc func(ctx context.Context, cursor events.Cursor) (rec events.Record, ok bool, err error)

// WaitStream follows a log by fetching after its cursor and, when caught
// up, sleeping until an append signal, the poll interval, ctx or the log's
// done channel fires. Backends that can only see their own appends through
// the hub pass a zero poll interval.
type WaitStream struct {
	fetch   FetchFunc
	cursor  events.Cursor
	signals <-chan notify.Signal
	cancel  func()
	done    <-chan struct{}
	poll    time.Duration
	closed  atomic.Bool
}

// NewWaitStream subscribes to appends of logName on hub and returns a
// stream positioned at cursor
func NewWaitStream(hub *notify.Hub, logName string, cursor events.Cursor, fetch FetchFunc, done <-chan struct{}, poll time.Duration) *WaitStream {
	signals, cancel := hub.Subscribe(logName)
	return &WaitStream{
		fetch:   fetch,
		cursor:  cursor,
		signals: signals,
		cancel:  cancel,
		done:    done,
		poll:    poll,
	}
}

// Next implements Stream
func (s *WaitStream) Next(ctx context.Context) (events.Record, error) {
	for {
		if s.closed.Load() {
			return events.Record{}, ErrClosed
		}

		rec, ok, err := s.fetch(ctx, s.cursor)
		if err != nil {
			return events.Record{}, err
		}
		if ok {
			s.cursor = events.After(rec)
			return rec, nil
		}

		if err := s.wait(ctx); err != nil {
			return events.Record{}, err
		}
	}
}

func (s *WaitStream) wait(ctx context.Context) error {
	var tick <-chan time.Time
	if s.poll > 0 {
		timer := time.NewTimer(s.poll)
		defer timer.Stop()
		tick = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case _, ok := <-s.signals:
		if !ok {
			return ErrClosed
		}
	case <-tick:
	}
	return nil
}

// Cursor returns the position after the last record returned by Next
func (s *WaitStream) Cursor() events.Cursor {
	return s.cursor
}

// Close implements Stream; it is idempotent
func (s *WaitStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
	return nil
}
