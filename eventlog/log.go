// Package eventlog defines the bounded, append-only log that carries
// change notifications between the processes sharing a blog store.
//
// A log is provisioned once with a byte cap. When the cap is exceeded the
// oldest records are discarded. Followers read records strictly after a
// cursor and block until new ones arrive.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/motorblog/blogcache/cfg"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/notify"
)

var (
	// ErrMisprovisioned means a same-named resource exists but is not bounded.
	// Startup must abort; the operator has to drop or convert the resource.
	ErrMisprovisioned = errors.New("event log misprovisioned")

	// ErrCursorDead means the stream can yield nothing more and must be
	// reopened. Returned immediately when the log was empty at Follow time.
	ErrCursorDead = errors.New("event log cursor dead")

	// ErrClosed is returned by operations on a closed log or stream
	ErrClosed = errors.New("event log closed")
)

// Log is a bounded append-only sequence of event records
type Log interface {
	// EnsureCreated provisions the bounded log if it does not exist
	EnsureCreated(ctx context.Context) error

	// Append durably writes a record and returns it with its Position set
	Append(ctx context.Context, rec events.Record) (events.Record, error)

	// Follow opens a stream of the records admitted by cursor
	Follow(ctx context.Context, cursor events.Cursor) (Stream, error)

	Close() error
}

// Stream yields records in append order
type Stream interface {
	// Next blocks until the next record is available, ctx ends or the
	// stream dies
	Next(ctx context.Context) (events.Record, error)

	Close() error
}

// Factory creates a log backend from configuration. The hub wakes local
// followers after local appends; backends that observe remote appends on
// their own may ignore it.
type Factory func(c *cfg.Configuration, hub *notify.Hub) (Log, error)

var (
	backendFactories = make(map[string]Factory)
	factoryMu        sync.RWMutex
)

// RegisterBackend registers a log factory for a backend name
func RegisterBackend(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	backendFactories[name] = factory
}

// Backends returns the registered backend names, sorted
func Backends() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates the log selected by c.EventLog.Backend
func Open(c *cfg.Configuration, hub *notify.Hub) (Log, error) {
	factoryMu.RLock()
	factory, exists := backendFactories[c.EventLog.Backend]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown event log backend: %s (registered: %v)", c.EventLog.Backend, Backends())
	}

	if hub == nil {
		hub = notify.NewHub()
	}

	l, err := factory(c, hub)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s event log: %w", c.EventLog.Backend, err)
	}
	return l, nil
}

// Misprovisioned wraps ErrMisprovisioned with an operator-facing reason
func Misprovisioned(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMisprovisioned, fmt.Sprintf(format, args...))
}

// deadStream is returned when Follow finds an empty log
type deadStream struct{}

func (deadStream) Next(context.Context) (events.Record, error) {
	return events.Record{}, ErrCursorDead
}

func (deadStream) Close() error { return nil }

// DeadStream returns a stream whose Next always fails with ErrCursorDead
func DeadStream() Stream {
	return deadStream{}
}
