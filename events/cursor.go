package events

import "time"

// Cursor is a position in the event log. A non-zero Position means
// "strictly after that record"; otherwise the cursor admits every record
// stamped at or after Since.
type Cursor struct {
	Position uint64
	Since    time.Time
}

// Since returns a cursor admitting records stamped at or after t
func Since(t time.Time) Cursor {
	return Cursor{Since: t}
}

// After returns a cursor admitting records appended after r. Since is kept
// so the cursor stays usable if the log is dropped and recreated.
func After(r Record) Cursor {
	return Cursor{Position: r.Position, Since: r.Time()}
}

// Resolve adapts the cursor to a log whose newest position is last. A
// position beyond the end means the log was recreated; fall back to Since.
func (c Cursor) Resolve(last uint64) Cursor {
	if c.Position > last {
		return Cursor{Since: c.Since}
	}
	return c
}

// Admits reports whether r lies at or after the cursor
func (c Cursor) Admits(r Record) bool {
	if c.Position > 0 {
		return r.Position > c.Position
	}
	return !r.Time().Before(c.Since)
}
