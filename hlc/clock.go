package hlc

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Clock implements a Hybrid Logical Clock. Event record IDs are HLC
// timestamps, so records written by different processes stay unique and a
// process that has observed a record never stamps a new one before it.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	mu       sync.Mutex
	now      func() int64
}

// Timestamp represents a point in time across the processes sharing a log
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// MaxLogical bounds the logical counter within one wall-clock nanosecond
const MaxLogical = math.MaxInt32

// NewClock creates a new HLC instance
func NewClock(nodeID uint64) *Clock {
	return newClockWithSource(nodeID, func() int64 { return time.Now().UnixNano() })
}

func newClockWithSource(nodeID uint64, now func() int64) *Clock {
	return &Clock{
		nodeID:   nodeID,
		wallTime: now(),
		now:      now,
	}
}

// NodeID returns the node this clock stamps timestamps with
func (c *Clock) NodeID() uint64 {
	return c.nodeID
}

// Now generates a new timestamp for a local event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := c.now()
	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
		c.logical = 0
	} else {
		c.tick()
	}

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Update merges a timestamp observed on the log into the clock so the next
// local timestamp orders after it
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := c.now()

	switch {
	case physicalNow > c.wallTime && physicalNow > remote.WallTime:
		c.wallTime = physicalNow
		c.logical = 0
	case remote.WallTime > c.wallTime:
		c.wallTime = remote.WallTime
		c.logical = remote.Logical
		c.tick()
	case remote.WallTime == c.wallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical
		}
		c.tick()
	default:
		// Local wall time was ahead
		c.tick()
	}

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// tick advances the logical counter, carrying into wall time on overflow.
// Caller must hold mu.
func (c *Clock) tick() {
	if c.logical >= MaxLogical {
		c.wallTime++
		c.logical = 0
		return
	}
	c.logical++
}

// Compare compares two timestamps
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	if a.WallTime < b.WallTime {
		return -1
	}
	if a.WallTime > b.WallTime {
		return 1
	}

	if a.Logical < b.Logical {
		return -1
	}
	if a.Logical > b.Logical {
		return 1
	}

	// Both wall and logical are equal, use node ID as tiebreaker
	if a.NodeID < b.NodeID {
		return -1
	}
	if a.NodeID > b.NodeID {
		return 1
	}

	return 0
}

// Less returns true if a happened before b
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// After returns true if a happened after b
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// IsZero reports whether the timestamp was never set
func (t Timestamp) IsZero() bool {
	return t == Timestamp{}
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime).UTC()
}

// String returns a human-readable representation
func (t Timestamp) String() string {
	return fmt.Sprintf("%s/%d@%d", t.PhysicalTime().Format(time.RFC3339Nano), t.Logical, t.NodeID)
}
