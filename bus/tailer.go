package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/hlc"
	"github.com/motorblog/blogcache/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultBackoff is the wait before reopening a dead or failed stream
const DefaultBackoff = time.Second

// State of a Tailer
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateFollowing
	StateRecovering
)

var allStates = []State{StateStopped, StateStarting, StateFollowing, StateRecovering}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateFollowing:
		return "following"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dispatcher receives every record the tailer reads
type Dispatcher interface {
	Dispatch(ctx context.Context, rec events.Record) DispatchResult
}

// TailerConfig configures a Tailer
type TailerConfig struct {
	Log        eventlog.Log
	Dispatcher Dispatcher
	Clock      *hlc.Clock       // Optional; advanced past every observed record
	Backoff    time.Duration    // Wait before reopening a stream
	Now        func() time.Time // Start position source; defaults to time.Now
}

// TailerStats is a point-in-time view of a Tailer
type TailerStats struct {
	State      State
	Position   uint64 // last dispatched position, 0 if none yet
	LastEvent  string
	Dispatched uint64
	Restarts   uint64
}

// Tailer follows the event log and dispatches each record synchronously:
// a record is fully dispatched before the next one is read.
type Tailer struct {
	config TailerConfig

	state      atomic.Int32
	position   atomic.Uint64
	lastEvent  atomic.Value // string
	dispatched atomic.Uint64
	restarts   atomic.Uint64

	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewTailer creates a stopped tailer
func NewTailer(config TailerConfig) (*Tailer, error) {
	if config.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.Backoff <= 0 {
		config.Backoff = DefaultBackoff
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	t := &Tailer{config: config}
	t.lastEvent.Store("")
	return t, nil
}

// Start begins following from the current time. Records appended before
// Start are never delivered.
func (t *Tailer) Start() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.running.Load() {
		return // Already running
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.doneCh = make(chan struct{})
	t.running.Store(true)

	cursor := events.Since(t.config.Now())
	log.Info().Time("since", cursor.Since).Msg("Starting event log tailer")

	go t.run(ctx, cursor)
}

// Stop stops the tailer and waits for its loop to exit. It is idempotent
// and unblocks a pending read or backoff.
func (t *Tailer) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if !t.running.Load() {
		return // Not running
	}

	t.cancel()
	<-t.doneCh // Wait for goroutine to finish
	t.running.Store(false)
	t.setState(StateStopped)

	log.Info().Uint64("position", t.position.Load()).Msg("Event log tailer stopped")
}

// State returns the current state
func (t *Tailer) State() State {
	return State(t.state.Load())
}

// Stats returns a snapshot of the tailer's counters
func (t *Tailer) Stats() TailerStats {
	return TailerStats{
		State:      t.State(),
		Position:   t.position.Load(),
		LastEvent:  t.lastEvent.Load().(string),
		Dispatched: t.dispatched.Load(),
		Restarts:   t.restarts.Load(),
	}
}

func (t *Tailer) setState(s State) {
	prev := State(t.state.Swap(int32(s)))
	if prev == s {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		telemetry.TailerState.With(st.String()).Set(v)
	}
	log.Debug().Str("state", s.String()).Str("from", prev.String()).Msg("Tailer state changed")
}

// run is the main tailer loop
func (t *Tailer) run(ctx context.Context, cursor events.Cursor) {
	defer close(t.doneCh)

	for {
		t.setState(StateStarting)

		stream, err := t.config.Log.Follow(ctx, cursor)
		if err == nil {
			t.setState(StateFollowing)
			cursor, err = t.follow(ctx, stream, cursor)
			stream.Close()
		}

		if ctx.Err() != nil {
			return
		}

		t.setState(StateRecovering)
		t.restarts.Add(1)
		telemetry.TailerRestartsTotal.Inc()

		if errors.Is(err, eventlog.ErrCursorDead) {
			// Expected while the log is empty
			log.Debug().Dur("backoff", t.config.Backoff).Msg("Event log cursor dead, reopening")
		} else {
			log.Warn().
				Err(err).
				Uint64("position", cursor.Position).
				Dur("backoff", t.config.Backoff).
				Msg("Event log stream failed, reopening")
		}

		if !t.sleep(ctx, t.config.Backoff) {
			return
		}
	}
}

// follow dispatches records until the stream fails, returning the cursor
// after the last dispatched record
func (t *Tailer) follow(ctx context.Context, stream eventlog.Stream, cursor events.Cursor) (events.Cursor, error) {
	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			return cursor, err
		}

		if t.config.Clock != nil {
			t.config.Clock.Update(rec.ID)
		}

		start := time.Now()
		result := t.config.Dispatcher.Dispatch(ctx, rec)
		telemetry.DispatchDurationSeconds.Observe(time.Since(start).Seconds())
		telemetry.EventsDispatchedTotal.Inc()

		cursor = events.After(rec)
		t.position.Store(rec.Position)
		t.lastEvent.Store(rec.Name)
		t.dispatched.Add(1)

		log.Debug().
			Str("event", rec.Name).
			Uint64("position", rec.Position).
			Int("delivered", result.Delivered).
			Int("failed", result.Failed).
			Msg("Dispatched event")
	}
}

// sleep sleeps for the given duration, checking ctx
// Returns true if sleep completed, false if stopped
func (t *Tailer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
