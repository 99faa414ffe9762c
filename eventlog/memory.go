package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/motorblog/blogcache/cfg"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/notify"
)

func init() {
	RegisterBackend(cfg.BackendMemory, func(c *cfg.Configuration, hub *notify.Hub) (Log, error) {
		return NewMemoryLog(c.EventLog.Name, c.EventLog.CapBytes, hub), nil
	})
}

// MemoryLog is an in-process ring of records bounded by total size.
// A cap <= 0 models an unbounded log and fails EnsureCreated.
type MemoryLog struct {
	name     string
	capBytes int64
	hub      *notify.Hub

	mu         sync.Mutex
	records    []events.Record // oldest first
	size       int64
	lastPos    uint64
	generation uint64 // bumped by Drop; streams of an older generation are dead

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog(name string, capBytes int64, hub *notify.Hub) *MemoryLog {
	if hub == nil {
		hub = notify.NewHub()
	}
	return &MemoryLog{
		name:     name,
		capBytes: capBytes,
		hub:      hub,
		done:     make(chan struct{}),
	}
}

func (l *MemoryLog) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// EnsureCreated implements Log
func (l *MemoryLog) EnsureCreated(ctx context.Context) error {
	if l.isClosed() {
		return ErrClosed
	}
	if l.capBytes <= 0 {
		return Misprovisioned("in-memory log %q has no size cap; configure event_log.cap_bytes", l.name)
	}
	return nil
}

// Append implements Log
func (l *MemoryLog) Append(ctx context.Context, rec events.Record) (events.Record, error) {
	if err := events.ValidateName(rec.Name); err != nil {
		return events.Record{}, err
	}
	if l.isClosed() {
		return events.Record{}, ErrClosed
	}

	l.mu.Lock()
	l.lastPos++
	rec.Position = l.lastPos
	l.records = append(l.records, rec)
	l.size += rec.Size()
	l.trimLocked()
	l.mu.Unlock()

	l.hub.Signal(l.name, rec.Position)
	return rec, nil
}

// trimLocked drops the oldest records until the log fits its cap.
// The newest record is always retained.
func (l *MemoryLog) trimLocked() {
	if l.capBytes <= 0 {
		return
	}
	n := 0
	for l.size > l.capBytes && len(l.records)-n > 1 {
		l.size -= l.records[n].Size()
		n++
	}
	if n > 0 {
		l.records = l.records[n:]
	}
}

// Follow implements Log
func (l *MemoryLog) Follow(ctx context.Context, cursor events.Cursor) (Stream, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	l.mu.Lock()
	empty := len(l.records) == 0
	generation := l.generation
	cursor = cursor.Resolve(l.lastPos)
	l.mu.Unlock()

	if empty {
		return DeadStream(), nil
	}

	fetch := func(_ context.Context, c events.Cursor) (events.Record, bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		if l.generation != generation {
			return events.Record{}, false, ErrCursorDead
		}
		return l.firstAdmittedLocked(c)
	}
	return NewWaitStream(l.hub, l.name, cursor, fetch, l.done, 0), nil
}

func (l *MemoryLog) firstAdmittedLocked(c events.Cursor) (events.Record, bool, error) {
	var i int
	if c.Position > 0 {
		i = sort.Search(len(l.records), func(i int) bool {
			return l.records[i].Position > c.Position
		})
	} else {
		for i < len(l.records) && !c.Admits(l.records[i]) {
			i++
		}
	}
	if i >= len(l.records) {
		return events.Record{}, false, nil
	}
	return l.records[i], true, nil
}

// Drop discards every record and restarts positions, as if the log had been
// deleted and recreated. Open streams die.
func (l *MemoryLog) Drop() {
	l.mu.Lock()
	l.records = nil
	l.size = 0
	l.lastPos = 0
	l.generation++
	l.mu.Unlock()

	l.hub.Signal(l.name, 0)
}

// Len returns the number of retained records
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// SizeBytes returns the bytes retained records count against the cap
func (l *MemoryLog) SizeBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close implements Log. Blocked streams return ErrClosed.
func (l *MemoryLog) Close() error {
	closed := false
	l.closeOnce.Do(func() {
		close(l.done)
		closed = true
	})
	if !closed {
		return fmt.Errorf("memory log %q already closed", l.name)
	}
	return nil
}
