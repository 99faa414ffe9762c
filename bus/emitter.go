package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/hlc"
	"github.com/motorblog/blogcache/telemetry"
	"github.com/rs/zerolog/log"
)

// Emitter appends named events to the log
type Emitter struct {
	log      eventlog.Log
	registry *Registry
	clock    *hlc.Clock
}

// NewEmitter creates an emitter stamping records with clock
func NewEmitter(l eventlog.Log, registry *Registry, clock *hlc.Clock) *Emitter {
	return &Emitter{log: l, registry: registry, clock: clock}
}

// Emit appends an event and returns once it is durable
func (e *Emitter) Emit(ctx context.Context, name string) (events.Record, error) {
	if err := events.ValidateName(name); err != nil {
		return events.Record{}, err
	}
	return e.append(ctx, events.Record{ID: e.clock.Now(), Name: name})
}

func (e *Emitter) append(ctx context.Context, rec events.Record) (events.Record, error) {
	out, err := e.log.Append(ctx, rec)
	if err != nil {
		telemetry.EventsAppendedTotal.With("failed").Inc()
		return events.Record{}, fmt.Errorf("failed to emit %s: %w", rec.Name, err)
	}
	telemetry.EventsAppendedTotal.With("success").Inc()

	log.Debug().
		Str("event", out.Name).
		Uint64("position", out.Position).
		Msg("Emitted event")
	return out, nil
}

// EmitAsync appends an event in the background; the future resolves with
// the appended record or the append error
func (e *Emitter) EmitAsync(name string) *future.Future[events.Record] {
	p := future.NewPromise[events.Record]()
	go func() {
		p.Set(e.Emit(context.Background(), name))
	}()
	return p.Future()
}

// EmitAndAwait appends an event and waits until this process's tailer has
// dispatched it to every listener. The record is matched by its ID, so
// same-named events from other writers do not end the wait. When ctx ends
// first the appended record is returned together with ctx's error.
func (e *Emitter) EmitAndAwait(ctx context.Context, name string) (events.Record, error) {
	if err := events.ValidateName(name); err != nil {
		return events.Record{}, err
	}

	rec := events.Record{ID: e.clock.Now(), Name: name}
	seen := make(chan struct{})

	var (
		once sync.Once
		sub  *Subscription
		mu   sync.Mutex
	)
	done := func() {
		once.Do(func() {
			mu.Lock()
			s := sub
			mu.Unlock()
			if s != nil {
				s.Cancel()
			}
			close(seen)
		})
	}

	s, err := e.registry.On(name, func(_ context.Context, got events.Record) error {
		if got.ID == rec.ID {
			done()
		}
		return nil
	})
	if err != nil {
		return events.Record{}, err
	}
	mu.Lock()
	sub = s
	mu.Unlock()
	defer s.Cancel()

	start := time.Now()
	out, err := e.append(ctx, rec)
	if err != nil {
		return events.Record{}, err
	}

	select {
	case <-seen:
		telemetry.PropagationWaitSeconds.Observe(time.Since(start).Seconds())
		return out, nil
	case <-ctx.Done():
		log.Warn().
			Str("event", name).
			Uint64("position", out.Position).
			Dur("waited", time.Since(start)).
			Msg("Gave up waiting for event propagation")
		return out, ctx.Err()
	}
}
