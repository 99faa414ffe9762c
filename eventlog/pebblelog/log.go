// Package pebblelog stores the event log in an embedded Pebble database.
// Pebble holds an exclusive lock on its directory, so this backend serves
// a single server process; use sqlite, mysql, nats or kafka to share a log.
package pebblelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/motorblog/blogcache/cfg"
	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/notify"
	"github.com/rs/zerolog/log"
)

func init() {
	eventlog.RegisterBackend(cfg.BackendPebble, func(c *cfg.Configuration, hub *notify.Hub) (eventlog.Log, error) {
		return Open(filepath.Join(c.DataDir, "event_log", c.EventLog.Name), c.EventLog.Name, c.EventLog.CapBytes, hub)
	})
}

// Key layout
const (
	prefixRecord = "/evlog/rec/" // /evlog/rec/{16-digit-zero-padded-position}
	keyLastPos   = "/evlog/seq"  // last assigned position
	keyCap       = "/evlog/cap"  // byte cap; absent means the log was never provisioned
)

// Pebble configuration constants; the log is tiny and written rarely
const (
	memTableSize                = 4 << 20 // 4MB
	memTableStopWritesThreshold = 2
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

type entry struct {
	pos  uint64
	size int64
}

// Log is a Pebble-backed bounded event log
type Log struct {
	db       *pebble.DB
	path     string
	name     string
	capBytes int64 // as provisioned once capped, else as configured
	hub      *notify.Hub

	configuredCap int64

	// Guards the retained index and position assignment
	mu       sync.Mutex
	retained []entry // oldest first
	size     int64
	lastPos  uint64
	capped   bool

	done      chan struct{}
	closeOnce sync.Once
}

// Open opens or creates the Pebble database at path. The log is not
// provisioned until EnsureCreated.
func Open(path, name string, capBytes int64, hub *notify.Hub) (*Log, error) {
	if hub == nil {
		hub = notify.NewHub()
	}

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		DisableWAL:                  false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log at %s: %w", path, err)
	}

	l := &Log{
		db:       db,
		path:     path,
		name:     name,
		capBytes: capBytes,
		hub:      hub,
		done:     make(chan struct{}),

		configuredCap: capBytes,
	}

	if err := l.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load event log state: %w", err)
	}

	return l, nil
}

// load rebuilds the in-memory index from disk
func (l *Log) load() error {
	val, closer, err := l.db.Get([]byte(keyLastPos))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return err
	default:
		if len(val) != 8 {
			closer.Close()
			return fmt.Errorf("invalid position value length: %d", len(val))
		}
		l.lastPos = binary.LittleEndian.Uint64(val)
		closer.Close()
	}

	val, closer, err = l.db.Get([]byte(keyCap))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return err
	default:
		if len(val) != 8 {
			closer.Close()
			return fmt.Errorf("invalid cap value length: %d", len(val))
		}
		l.capBytes = int64(binary.LittleEndian.Uint64(val))
		l.capped = true
		closer.Close()
	}

	prefix := []byte(prefixRecord)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := l.decode(iter)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted event record")
			continue
		}
		l.retained = append(l.retained, entry{pos: rec.Position, size: rec.Size()})
		l.size += rec.Size()
	}

	return iter.Error()
}

func (l *Log) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// EnsureCreated implements eventlog.Log
func (l *Log) EnsureCreated(ctx context.Context) error {
	if l.isClosed() {
		return eventlog.ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isClosed() {
		return eventlog.ErrClosed
	}

	if l.capped {
		if l.capBytes != l.configuredCap {
			log.Warn().
				Str("path", l.path).
				Int64("provisioned_cap", l.capBytes).
				Int64("configured_cap", l.configuredCap).
				Msg("Event log was provisioned with a different cap; keeping the provisioned one")
		}
		return nil
	}

	if len(l.retained) > 0 {
		return eventlog.Misprovisioned(
			"pebble event log at %s holds %d records but no size cap; remove the directory and restart",
			l.path, len(l.retained))
	}

	if l.capBytes <= 0 {
		return eventlog.Misprovisioned("event log %q needs a positive event_log.cap_bytes", l.name)
	}

	capBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(capBuf, uint64(l.capBytes))
	if err := l.db.Set([]byte(keyCap), capBuf, pebble.Sync); err != nil {
		return fmt.Errorf("failed to provision event log: %w", err)
	}
	l.capped = true

	log.Info().
		Str("path", l.path).
		Int64("cap_bytes", l.capBytes).
		Msg("Created bounded event log")
	return nil
}

// Append implements eventlog.Log
func (l *Log) Append(ctx context.Context, rec events.Record) (events.Record, error) {
	if err := events.ValidateName(rec.Name); err != nil {
		return events.Record{}, err
	}
	if l.isClosed() {
		return events.Record{}, eventlog.ErrClosed
	}

	val, err := events.Encode(rec)
	if err != nil {
		return events.Record{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isClosed() {
		return events.Record{}, eventlog.ErrClosed
	}

	pos := l.lastPos + 1
	rec.Position = pos

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(recordKey(pos), val, nil); err != nil {
		return events.Record{}, fmt.Errorf("failed to write event: %w", err)
	}

	posBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(posBuf, pos)
	if err := batch.Set([]byte(keyLastPos), posBuf, nil); err != nil {
		return events.Record{}, fmt.Errorf("failed to update position: %w", err)
	}

	retained := append(l.retained, entry{pos: pos, size: rec.Size()})
	size := l.size + rec.Size()
	trim := 0
	if l.capped {
		for size > l.capBytes && len(retained)-trim > 1 {
			size -= retained[trim].size
			trim++
		}
		if trim > 0 {
			// Delete [oldest, first kept)
			if err := batch.DeleteRange(recordKey(retained[0].pos), recordKey(retained[trim].pos), nil); err != nil {
				return events.Record{}, fmt.Errorf("failed to trim event log: %w", err)
			}
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return events.Record{}, fmt.Errorf("failed to commit event: %w", err)
	}

	// Only update in-memory state after a successful commit
	l.lastPos = pos
	l.retained = retained[trim:]
	l.size = size

	l.hub.Signal(l.name, pos)
	return rec, nil
}

// Follow implements eventlog.Log
func (l *Log) Follow(ctx context.Context, cursor events.Cursor) (eventlog.Stream, error) {
	if l.isClosed() {
		return nil, eventlog.ErrClosed
	}

	l.mu.Lock()
	empty := len(l.retained) == 0
	cursor = cursor.Resolve(l.lastPos)
	l.mu.Unlock()

	if empty {
		return eventlog.DeadStream(), nil
	}

	return eventlog.NewWaitStream(l.hub, l.name, cursor, l.fetch, l.done, 0), nil
}

// fetch reads the first record admitted by cursor
func (l *Log) fetch(ctx context.Context, cursor events.Cursor) (events.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isClosed() {
		return events.Record{}, false, eventlog.ErrClosed
	}

	prefix := []byte(prefixRecord)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: recordKey(cursor.Position + 1),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return events.Record{}, false, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := l.decode(iter)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted event record")
			continue
		}
		if cursor.Admits(rec) {
			return rec, true, nil
		}
	}

	return events.Record{}, false, iter.Error()
}

func (l *Log) decode(iter *pebble.Iterator) (events.Record, error) {
	val, err := iter.ValueAndErr()
	if err != nil {
		return events.Record{}, err
	}
	rec, err := events.Decode(val)
	if err != nil {
		return events.Record{}, err
	}
	rec.Position, err = parseRecordKey(iter.Key())
	return rec, err
}

// Close implements eventlog.Log
func (l *Log) Close() error {
	closed := false
	l.closeOnce.Do(func() {
		close(l.done)
		closed = true
	})
	if !closed {
		return fmt.Errorf("event log %q already closed", l.name)
	}

	// Wait for in-flight appends before closing the database
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// recordKey formats a position as a 16-digit zero-padded key
func recordKey(pos uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixRecord, pos))
}

func parseRecordKey(key []byte) (uint64, error) {
	var pos uint64
	if _, err := fmt.Sscanf(string(key[len(prefixRecord):]), "%016x", &pos); err != nil {
		return 0, fmt.Errorf("invalid record key %q: %w", key, err)
	}
	return pos, nil
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
