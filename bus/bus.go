// Package bus propagates change notifications through the event log.
//
// A Bus owns the log, the listener registry, the tailer that follows the
// log and the emitter that appends to it. Listeners registered with On run
// in the tailer goroutine, one record at a time, in log order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/hlc"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotStarted is returned by emits before Startup or after Shutdown
	ErrNotStarted = errors.New("event bus not started")

	// ErrAlreadyStarted is returned by a second Startup
	ErrAlreadyStarted = errors.New("event bus already started")
)

// Config configures a Bus
type Config struct {
	Log     eventlog.Log
	Clock   *hlc.Clock
	Backend string        // Reported in stats
	Backoff time.Duration // Tailer recovery backoff
}

// Stats is a point-in-time view of the bus
type Stats struct {
	Backend       string
	Running       bool
	Subscriptions int
	Tailer        TailerStats
}

type lifecycle int

const (
	lifecycleNew lifecycle = iota
	lifecycleRunning
	lifecycleShutdown
)

// Bus is the process-wide event bus
type Bus struct {
	log      eventlog.Log
	clock    *hlc.Clock
	backend  string
	registry *Registry
	tailer   *Tailer
	emitter  *Emitter

	mu    sync.RWMutex
	state lifecycle
}

// New wires a bus around l. Nothing runs until Startup.
func New(config Config) (*Bus, error) {
	if config.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}

	registry := NewRegistry()
	tailer, err := NewTailer(TailerConfig{
		Log:        config.Log,
		Dispatcher: registry,
		Clock:      config.Clock,
		Backoff:    config.Backoff,
	})
	if err != nil {
		return nil, err
	}

	return &Bus{
		log:      config.Log,
		clock:    config.Clock,
		backend:  config.Backend,
		registry: registry,
		tailer:   tailer,
		emitter:  NewEmitter(config.Log, registry, config.Clock),
	}, nil
}

// Startup provisions the log and starts the tailer. It may succeed only
// once. A misprovisioned log returns an error wrapping
// eventlog.ErrMisprovisioned.
func (b *Bus) Startup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != lifecycleNew {
		return ErrAlreadyStarted
	}

	if err := b.log.EnsureCreated(ctx); err != nil {
		return fmt.Errorf("failed to provision event log: %w", err)
	}

	b.tailer.Start()
	b.state = lifecycleRunning

	log.Info().
		Str("backend", b.backend).
		Int("subscriptions", b.registry.Len()).
		Msg("Event bus started")
	return nil
}

// Shutdown stops the tailer and closes the log. It is idempotent.
func (b *Bus) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != lifecycleRunning {
		b.state = lifecycleShutdown
		return nil
	}
	b.state = lifecycleShutdown

	b.tailer.Stop()
	if err := b.log.Close(); err != nil {
		return fmt.Errorf("failed to close event log: %w", err)
	}

	log.Info().Msg("Event bus stopped")
	return nil
}

func (b *Bus) running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == lifecycleRunning
}

// On registers a listener; allowed before Startup
func (b *Bus) On(pattern string, callback Callback) (*Subscription, error) {
	return b.registry.On(pattern, callback)
}

// Remove unregisters a listener; it is idempotent
func (b *Bus) Remove(pattern string, sub *Subscription) {
	b.registry.Remove(pattern, sub)
}

// Emit appends an event and returns once it is durable
func (b *Bus) Emit(ctx context.Context, name string) (events.Record, error) {
	if !b.running() {
		return events.Record{}, ErrNotStarted
	}
	return b.emitter.Emit(ctx, name)
}

// EmitAsync appends an event in the background
func (b *Bus) EmitAsync(name string) *future.Future[events.Record] {
	if !b.running() {
		p := future.NewPromise[events.Record]()
		p.Set(events.Record{}, ErrNotStarted)
		return p.Future()
	}
	return b.emitter.EmitAsync(name)
}

// EmitAndAwait appends an event and waits until it has been dispatched
// locally or ctx ends
func (b *Bus) EmitAndAwait(ctx context.Context, name string) (events.Record, error) {
	if !b.running() {
		return events.Record{}, ErrNotStarted
	}
	return b.emitter.EmitAndAwait(ctx, name)
}

// Registry returns the listener registry
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Stats returns a snapshot of the bus
func (b *Bus) Stats() Stats {
	return Stats{
		Backend:       b.backend,
		Running:       b.running(),
		Subscriptions: b.registry.Len(),
		Tailer:        b.tailer.Stats(),
	}
}
