package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/telemetry"
	"github.com/rs/zerolog/log"
)

// Callback handles one event record. Errors are logged by the dispatcher
// and never stop other listeners.
type Callback func(ctx context.Context, rec events.Record) error

// Subscription is one registered (pattern, callback) pair
type Subscription struct {
	id       uint64
	pattern  string
	matcher  glob.Glob // nil for exact names and the wildcard
	callback Callback
	registry *Registry
}

// Pattern returns the name, wildcard or glob the subscription was registered with
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Cancel unregisters the subscription; it is idempotent
func (s *Subscription) Cancel() {
	s.registry.Remove(s.pattern, s)
}

func (s *Subscription) matches(name string) bool {
	switch {
	case s.pattern == events.Wildcard:
		return true
	case s.matcher != nil:
		return s.matcher.Match(name)
	default:
		return s.pattern == name
	}
}

// DispatchResult summarizes one Dispatch call
type DispatchResult struct {
	Delivered int // callbacks that returned nil
	Failed    int // callbacks that returned an error or panicked
}

// Registry maps event names, the wildcard and glob patterns to callbacks.
// Dispatch order is registration order.
type Registry struct {
	mu     sync.RWMutex
	subs   []*Subscription // registration order
	nextID atomic.Uint64
}

// NewRegistry creates an empty listener registry
func NewRegistry() *Registry {
	return &Registry{}
}

// isGlob reports whether pattern needs glob matching
func isGlob(pattern string) bool {
	return pattern != events.Wildcard && strings.ContainsAny(pattern, "*?[{")
}

// On registers callback for pattern: an exact event name, "*" for every
// event, or a glob such as "category_*". The same callback may be
// registered under several patterns; each registration is its own
// Subscription.
func (r *Registry) On(pattern string, callback Callback) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("listener pattern is required")
	}
	if callback == nil {
		return nil, fmt.Errorf("listener callback is required")
	}

	sub := &Subscription{
		pattern:  pattern,
		callback: callback,
		registry: r,
	}

	if isGlob(pattern) {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid listener pattern %q: %w", pattern, err)
		}
		sub.matcher = g
	}

	r.mu.Lock()
	sub.id = r.nextID.Add(1)
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	log.Debug().Str("pattern", pattern).Uint64("subscription", sub.id).Msg("Registered event listener")
	return sub, nil
}

// Remove unregisters sub from pattern. Removing a subscription that is not
// registered under pattern is a no-op.
func (r *Registry) Remove(pattern string, sub *Subscription) {
	if sub == nil || sub.registry != r || sub.pattern != pattern {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subs {
		if s.id == sub.id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered subscriptions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// snapshot returns the subscriptions matching name in registration order
func (r *Registry) snapshot(name string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.matches(name) {
			matched = append(matched, s)
		}
	}
	return matched
}

// Dispatch invokes every subscription matching rec.Name. The set of
// listeners is fixed when Dispatch starts, so callbacks may register or
// remove listeners (including themselves) without affecting this call.
func (r *Registry) Dispatch(ctx context.Context, rec events.Record) DispatchResult {
	var result DispatchResult

	for _, sub := range r.snapshot(rec.Name) {
		if err := invoke(ctx, sub, rec); err != nil {
			result.Failed++
			telemetry.ListenerFailuresTotal.Inc()
			log.Error().
				Err(err).
				Str("event", rec.Name).
				Uint64("position", rec.Position).
				Str("pattern", sub.pattern).
				Msg("Event listener failed")
			continue
		}
		result.Delivered++
	}

	return result
}

// invoke runs one callback, converting a panic into an error
func invoke(ctx context.Context, sub *Subscription, rec events.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panicked: %v", p)
		}
	}()

	start := time.Now()
	err = sub.callback(ctx, rec)
	if d := time.Since(start); d > slowListenerThreshold {
		log.Warn().
			Str("event", rec.Name).
			Str("pattern", sub.pattern).
			Dur("duration", d).
			Msg("Slow event listener delays dispatch of later records")
	}
	return err
}

// slowListenerThreshold is how long a callback may block dispatch before
// it is reported
const slowListenerThreshold = time.Second
