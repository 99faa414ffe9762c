// Package notify wakes in-process log followers when a record is appended.
// Signals carry no payload beyond the new position; followers re-read the
// log, so a dropped signal only delays a wake-up.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for append signal channels.
// Followers only need to know "something changed", so one pending signal is enough.
const defaultSignalBufferSize = 1

// Signal announces an append to a named log
type Signal struct {
	Log      string
	Position uint64
}

// subscription represents a single follower.
type subscription struct {
	id     uint64
	log    string
	ch     chan Signal
	closed atomic.Bool
}

// matches checks if the log matches this subscription's filter.
func (s *subscription) matches(log string) bool {
	// empty = all logs
	return s.log == "" || s.log == log
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for append signals.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new append notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies all followers of log (non-blocking).
func (h *Hub) Signal(log string, position uint64) {
	signal := Signal{Log: log, Position: position}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(log) {
			continue
		}

		// A pending signal already guarantees a re-read
		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe creates a new subscription for log ("" = all logs) and returns
// the signal channel and cancel function. The cancel function is idempotent.
func (h *Hub) Subscribe(log string) (<-chan Signal, func()) {
	sub := &subscription{
		id:  h.nextID.Add(1),
		log: log,
		ch:  make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Len returns the number of live subscriptions
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
