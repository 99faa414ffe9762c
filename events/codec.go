package events

import (
	"fmt"

	"github.com/motorblog/blogcache/encoding"
	"github.com/motorblog/blogcache/hlc"
)

// wireRecord is the persisted shape: an instant and a short name.
// Position is not stored; each log derives it from its own ordering.
type wireRecord struct {
	WallTime int64  `msgpack:"ts"`
	Logical  int32  `msgpack:"l"`
	NodeID   uint64 `msgpack:"n"`
	Name     string `msgpack:"name"`
}

// Encode serializes a record for storage
func Encode(r Record) ([]byte, error) {
	return encoding.Marshal(&wireRecord{
		WallTime: r.ID.WallTime,
		Logical:  r.ID.Logical,
		NodeID:   r.ID.NodeID,
		Name:     r.Name,
	})
}

// Decode deserializes a stored record; the caller sets Position
func Decode(data []byte) (Record, error) {
	var w wireRecord
	if err := encoding.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("failed to decode event record: %w", err)
	}
	if w.Name == "" {
		return Record{}, fmt.Errorf("event record without name")
	}
	return Record{
		ID: hlc.Timestamp{
			WallTime: w.WallTime,
			Logical:  w.Logical,
			NodeID:   w.NodeID,
		},
		Name: w.Name,
	}, nil
}
