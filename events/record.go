// Package events defines the change-notification record carried by the
// event log and the cursor used to follow it.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/motorblog/blogcache/hlc"
)

// Wildcard subscribes to every event regardless of name
const Wildcard = "*"

// Event names emitted by the blog after mutating cached aggregates
const (
	CategoriesChanged = "categories_changed"
	TagsChanged       = "tags_changed"
	PostsChanged      = "posts_changed"
	WidgetsChanged    = "widgets_changed"
	NavigationChanged = "navigation_changed"
)

// MaxNameLength bounds an event name; names are short identifiers
const MaxNameLength = 128

// RecordOverhead approximates the per-record bytes beyond the name
// (timestamp, logical counter, node id, position) for cap accounting
const RecordOverhead = 32

// Record is one immutable entry of the event log
type Record struct {
	ID       hlc.Timestamp // When and where the record was stamped; unique per record
	Name     string        // Event name, e.g. "categories_changed"
	Position uint64        // Assigned by the log on append, 1-based, append order
}

// Time returns the instant the record was stamped
func (r Record) Time() time.Time {
	return r.ID.PhysicalTime()
}

// Size returns the bytes the record counts against a log's cap
func (r Record) Size() int64 {
	return int64(len(r.Name) + RecordOverhead)
}

func (r Record) String() string {
	return fmt.Sprintf("%s#%d(%s)", r.Name, r.Position, r.ID)
}

// ValidateName checks that a name can be appended to the log
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("event name is required")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("event name longer than %d bytes", MaxNameLength)
	}
	if strings.ContainsAny(name, "*?[]{}\\ \t\n") {
		return fmt.Errorf("event name %q contains pattern or whitespace characters", name)
	}
	return nil
}
