// Package sqllog keeps the event log in a SQL table so server processes
// sharing a sqlite file or a mysql server see each other's events.
// Followers poll for appends made by other processes and are woken
// immediately for appends made by their own.
package sqllog

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/motorblog/blogcache/cfg"
	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/hlc"
	"github.com/motorblog/blogcache/notify"
	"github.com/rs/zerolog/log"
)

func init() {
	eventlog.RegisterBackend(cfg.BackendSQLite, func(c *cfg.Configuration, hub *notify.Hub) (eventlog.Log, error) {
		return Open(Config{
			Dialect:      DialectSQLite,
			DSN:          SQLiteDSN(cfg.SQLitePathFor(c)),
			Name:         c.EventLog.Name,
			CapBytes:     c.EventLog.CapBytes,
			PollInterval: time.Duration(c.EventLog.SQL.PollIntervalMS) * time.Millisecond,
		}, hub)
	})
	eventlog.RegisterBackend(cfg.BackendMySQL, func(c *cfg.Configuration, hub *notify.Hub) (eventlog.Log, error) {
		return Open(Config{
			Dialect:      DialectMySQL,
			DSN:          c.EventLog.SQL.DSN,
			Name:         c.EventLog.Name,
			CapBytes:     c.EventLog.CapBytes,
			PollInterval: time.Duration(c.EventLog.SQL.PollIntervalMS) * time.Millisecond,
		}, hub)
	})
}

// Supported dialects; the values are the goqu dialect and database/sql driver names
const (
	DialectSQLite = "sqlite3"
	DialectMySQL  = "mysql"
)

// MetaTable records the cap of every provisioned log. An events table
// without a row here was not created by this package.
const MetaTable = "event_log_meta"

// cleanupIntervalMask trims the ring every 128 appends (pos & mask == 0)
const cleanupIntervalMask = 0x7F

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config for a SQL event log
type Config struct {
	Dialect      string
	DSN          string
	Name         string // table name
	CapBytes     int64
	PollInterval time.Duration
}

// SQLiteDSN returns a DSN for path with WAL and immediate transactions so
// several processes can append to one file
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

// row is the stored shape of a record
type row struct {
	Pos     int64  `db:"pos"`
	TS      int64  `db:"ts"`
	Logical int32  `db:"logical"`
	NodeID  int64  `db:"node_id"`
	Name    string `db:"name"`
}

func (r row) record() events.Record {
	return events.Record{
		ID: hlc.Timestamp{
			WallTime: r.TS,
			Logical:  r.Logical,
			NodeID:   uint64(r.NodeID),
		},
		Name:     r.Name,
		Position: uint64(r.Pos),
	}
}

// Log is a SQL-table event log
type Log struct {
	sqlDB  *sql.DB
	db     *goqu.Database
	config Config
	hub    *notify.Hub

	mu       sync.Mutex
	capBytes int64 // as provisioned; 0 until EnsureCreated

	done      chan struct{}
	closeOnce sync.Once
}

// Open connects to the database. Tables are created by EnsureCreated.
func Open(config Config, hub *notify.Hub) (*Log, error) {
	if config.Dialect != DialectSQLite && config.Dialect != DialectMySQL {
		return nil, fmt.Errorf("unsupported sql dialect: %s", config.Dialect)
	}
	if !identPattern.MatchString(config.Name) {
		return nil, fmt.Errorf("invalid event log table name: %q", config.Name)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if hub == nil {
		hub = notify.NewHub()
	}

	sqlDB, err := sql.Open(config.Dialect, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Dialect, err)
	}
	if config.Dialect == DialectSQLite {
		// One writer at a time; avoids SQLITE_BUSY between our own connections
		sqlDB.SetMaxOpenConns(1)
	}

	return &Log{
		sqlDB:  sqlDB,
		db:     goqu.New(config.Dialect, sqlDB),
		config: config,
		hub:    hub,
		done:   make(chan struct{}),
	}, nil
}

func (l *Log) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Log) quote(ident string) string {
	if l.config.Dialect == DialectMySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (l *Log) createMetaSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name VARCHAR(128) NOT NULL PRIMARY KEY,
		cap_bytes BIGINT NOT NULL
	)`, l.quote(MetaTable))
}

func (l *Log) createEventsSQL() string {
	if l.config.Dialect == DialectMySQL {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			pos BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			ts BIGINT NOT NULL,
			logical INT NOT NULL,
			node_id BIGINT NOT NULL,
			name VARCHAR(128) NOT NULL
		)`, l.quote(l.config.Name))
	}
	// AUTOINCREMENT keeps positions from being reused after trimming
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		pos INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		logical INTEGER NOT NULL,
		node_id INTEGER NOT NULL,
		name TEXT NOT NULL
	)`, l.quote(l.config.Name))
}

func (l *Log) tableExists(ctx context.Context) (bool, error) {
	var ds *goqu.SelectDataset
	if l.config.Dialect == DialectMySQL {
		ds = l.db.From(goqu.S("information_schema").Table("tables")).
			Select(goqu.C("table_name")).
			Where(goqu.L("table_schema = DATABASE()"), goqu.C("table_name").Eq(l.config.Name))
	} else {
		ds = l.db.From("sqlite_master").
			Select(goqu.C("name")).
			Where(goqu.Ex{"type": "table", "name": l.config.Name})
	}

	var name string
	found, err := ds.ScanValContext(ctx, &name)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", l.config.Name, err)
	}
	return found, nil
}

func (l *Log) loadCap(ctx context.Context) (int64, bool, error) {
	var capBytes int64
	found, err := l.db.From(MetaTable).
		Select(goqu.C("cap_bytes")).
		Where(goqu.C("name").Eq(l.config.Name)).
		ScanValContext(ctx, &capBytes)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read event log meta: %w", err)
	}
	return capBytes, found, nil
}

// EnsureCreated implements eventlog.Log. The meta row is written before
// the table so a concurrently starting process never sees a table
// without its cap.
func (l *Log) EnsureCreated(ctx context.Context) error {
	if l.isClosed() {
		return eventlog.ErrClosed
	}

	if _, err := l.db.ExecContext(ctx, l.createMetaSQL()); err != nil {
		return fmt.Errorf("failed to create %s: %w", MetaTable, err)
	}

	exists, err := l.tableExists(ctx)
	if err != nil {
		return err
	}

	capBytes, found, err := l.loadCap(ctx)
	if err != nil {
		return err
	}

	if exists && !found {
		return eventlog.Misprovisioned(
			"table %q exists but has no row in %s, so it is unbounded; drop the table and restart",
			l.config.Name, MetaTable)
	}

	if !found {
		if l.config.CapBytes <= 0 {
			return eventlog.Misprovisioned("event log %q needs a positive event_log.cap_bytes", l.config.Name)
		}
		_, err := l.db.Insert(MetaTable).
			Rows(goqu.Record{"name": l.config.Name, "cap_bytes": l.config.CapBytes}).
			OnConflict(goqu.DoNothing()).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to record event log cap: %w", err)
		}
		// Another process may have won the insert
		if capBytes, _, err = l.loadCap(ctx); err != nil {
			return err
		}
	}

	if _, err := l.db.ExecContext(ctx, l.createEventsSQL()); err != nil {
		return fmt.Errorf("failed to create table %s: %w", l.config.Name, err)
	}

	if capBytes != l.config.CapBytes {
		log.Warn().
			Str("table", l.config.Name).
			Int64("provisioned_cap", capBytes).
			Int64("configured_cap", l.config.CapBytes).
			Msg("Event log was provisioned with a different cap; keeping the provisioned one")
	}

	l.mu.Lock()
	l.capBytes = capBytes
	l.mu.Unlock()

	if !exists {
		log.Info().
			Str("dialect", l.config.Dialect).
			Str("table", l.config.Name).
			Int64("cap_bytes", capBytes).
			Msg("Created bounded event log")
	}
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

	err := l.db.WithTx(func(tx *goqu.TxDatabase) error {
		if l.config.Dialect == DialectMySQL {
			// Serializes appends so commit order matches position order
			var capBytes int64
			_, err := tx.From(MetaTable).
				Select(goqu.C("cap_bytes")).
				Where(goqu.C("name").Eq(l.config.Name)).
				ForUpdate(exp.Wait).
				ScanValContext(ctx, &capBytes)
			if err != nil {
				return err
			}
		}

		res, err := tx.Insert(l.config.Name).
			Rows(goqu.Record{
				"ts":      rec.ID.WallTime,
				"logical": rec.ID.Logical,
				"node_id": int64(rec.ID.NodeID),
				"name":    rec.Name,
			}).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}

		pos, err := res.LastInsertId()
		if err != nil {
			return err
		}
		rec.Position = uint64(pos)
		return nil
	})
	if err != nil {
		return events.Record{}, fmt.Errorf("failed to append event: %w", err)
	}

	if rec.Position&cleanupIntervalMask == 0 {
		if err := l.trim(ctx); err != nil {
			log.Warn().Err(err).Str("table", l.config.Name).Msg("Failed to trim event log")
		}
	}

	l.hub.Signal(l.config.Name, rec.Position)
	return rec, nil
}

// trim deletes the oldest records until the retained ones fit the cap.
// The newest record is always kept.
func (l *Log) trim(ctx context.Context) error {
	l.mu.Lock()
	capBytes := l.capBytes
	l.mu.Unlock()
	if capBytes <= 0 {
		return nil
	}

	var rows []row
	err := l.db.From(l.config.Name).
		Select(goqu.C("pos"), goqu.C("name")).
		Order(goqu.C("pos").Desc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return err
	}

	var size int64
	for i, r := range rows {
		size += r.record().Size()
		if size > capBytes && i > 0 {
			res, err := l.db.Delete(l.config.Name).
				Where(goqu.C("pos").Lte(r.Pos)).
				Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			log.Debug().Int64("deleted", n).Int64("through", r.Pos).Msg("Trimmed event log")
			return nil
		}
	}
	return nil
}

type stats struct {
	Count int64 `db:"n"`
	Last  int64 `db:"last"`
}

// Follow implements eventlog.Log
func (l *Log) Follow(ctx context.Context, cursor events.Cursor) (eventlog.Stream, error) {
	if l.isClosed() {
		return nil, eventlog.ErrClosed
	}

	var st stats
	_, err := l.db.From(l.config.Name).
		Select(
			goqu.COUNT(goqu.Star()).As("n"),
			goqu.COALESCE(goqu.MAX("pos"), 0).As("last"),
		).
		ScanStructContext(ctx, &st)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log cursor: %w", err)
	}

	if st.Count == 0 {
		return eventlog.DeadStream(), nil
	}

	cursor = cursor.Resolve(uint64(st.Last))
	return eventlog.NewWaitStream(l.hub, l.config.Name, cursor, l.fetch, l.done, l.config.PollInterval), nil
}

func (l *Log) fetch(ctx context.Context, cursor events.Cursor) (events.Record, bool, error) {
	if l.isClosed() {
		return events.Record{}, false, eventlog.ErrClosed
	}

	ds := l.db.From(l.config.Name).
		Select(goqu.C("pos"), goqu.C("ts"), goqu.C("logical"), goqu.C("node_id"), goqu.C("name")).
		Order(goqu.C("pos").Asc()).
		Limit(1)
	if cursor.Position > 0 {
		ds = ds.Where(goqu.C("pos").Gt(int64(cursor.Position)))
	} else if !cursor.Since.IsZero() {
		ds = ds.Where(goqu.C("ts").Gte(cursor.Since.UnixNano()))
	}

	var r row
	found, err := ds.ScanStructContext(ctx, &r)
	if err != nil {
		if l.isClosed() {
			return events.Record{}, false, eventlog.ErrClosed
		}
		return events.Record{}, false, fmt.Errorf("failed to read event log: %w", err)
	}
	if !found {
		return events.Record{}, false, nil
	}
	return r.record(), true, nil
}

// Close implements eventlog.Log
func (l *Log) Close() error {
	closed := false
	l.closeOnce.Do(func() {
		close(l.done)
		closed = true
	})
	if !closed {
		return fmt.Errorf("event log %q already closed", l.config.Name)
	}
	return l.sqlDB.Close()
}
