// Package blog holds the blog-side collaborators of the cache bus. The
// categories store is the reference one: its list is memoized and every
// mutation announces categories_changed before returning.
package blog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/mattn/go-sqlite3"
	"github.com/motorblog/blogcache/cache"
	"github.com/motorblog/blogcache/events"
	"github.com/rs/zerolog/log"
)

// CategoriesKey is the cache key of the sorted category list
const CategoriesKey = "categories"

const categoriesTable = "categories"

var (
	ErrNotFound    = errors.New("category not found")
	ErrExists      = errors.New("category already exists")
	ErrInvalidSlug = errors.New("invalid category slug")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Category of blog posts
type Category struct {
	Slug string `db:"slug" json:"slug"`
	Name string `db:"name" json:"name"`
}

// Emitter announces that a cached aggregate changed and waits until the
// local process has seen the announcement
type Emitter interface {
	EmitAndAwait(ctx context.Context, name string) (events.Record, error)
}

// Categories is the categories store
type Categories struct {
	sqlDB        *sql.DB
	db           *goqu.Database
	emitter      Emitter
	list         *cache.Memo[[]Category]
	awaitTimeout time.Duration
}

// OpenCategories opens the sqlite database at path and binds the category
// list to categories_changed on c. awaitTimeout bounds how long a mutation
// waits for its own event; 0 waits as long as the caller's context.
func OpenCategories(path string, c *cache.Cache, emitter Emitter, awaitTimeout time.Duration) (*Categories, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open blog database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Categories{
		sqlDB:        sqlDB,
		db:           goqu.New("sqlite3", sqlDB),
		emitter:      emitter,
		awaitTimeout: awaitTimeout,
	}

	s.list, err = cache.NewMemo(c, CategoriesKey, events.CategoriesChanged, s.load)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	_, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS categories (
		slug TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL
	)`)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create categories table: %w", err)
	}

	return s, nil
}

// Close closes the database
func (s *Categories) Close() error {
	return s.sqlDB.Close()
}

func (s *Categories) load(ctx context.Context) ([]Category, error) {
	categories := []Category{}
	err := s.db.From(categoriesTable).
		Select(goqu.C("slug"), goqu.C("name")).
		Order(goqu.C("name").Asc(), goqu.C("slug").Asc()).
		ScanStructsContext(ctx, &categories)
	if err != nil {
		return nil, fmt.Errorf("failed to load categories: %w", err)
	}
	log.Debug().Int("count", len(categories)).Msg("Loaded categories")
	return categories, nil
}

// List returns every category sorted by name. The slice is shared with
// other readers and must not be modified.
func (s *Categories) List(ctx context.Context) ([]Category, error) {
	return s.list.Get(ctx)
}

// Digest returns a quoted entity tag for the current list
func (s *Categories) Digest(ctx context.Context) (string, error) {
	categories, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	return DigestOf(categories), nil
}

// DigestOf returns a quoted entity tag for categories
func DigestOf(categories []Category) string {
	h := xxhash.New()
	for _, c := range categories {
		h.WriteString(c.Slug)
		h.Write([]byte{0})
		h.WriteString(c.Name)
		h.Write([]byte{0})
	}
	return `"` + strconv.FormatUint(h.Sum64(), 16) + `"`
}

// Create adds a category and returns once this process's cache reflects it
func (s *Categories) Create(ctx context.Context, slug, name string) (Category, error) {
	if !slugPattern.MatchString(slug) {
		return Category{}, fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	if name == "" {
		return Category{}, fmt.Errorf("category name is required")
	}

	c := Category{Slug: slug, Name: name}
	_, err := s.db.Insert(categoriesTable).Rows(c).Executor().ExecContext(ctx)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return Category{}, fmt.Errorf("%w: %s", ErrExists, slug)
		}
		return Category{}, fmt.Errorf("failed to insert category: %w", err)
	}

	if err := s.changed(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Delete removes a category and returns once this process's cache
// reflects it
func (s *Categories) Delete(ctx context.Context, slug string) error {
	res, err := s.db.Delete(categoriesTable).
		Where(goqu.C("slug").Eq(slug)).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete category: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, slug)
	}

	return s.changed(ctx)
}

// changed announces the mutation. A propagation timeout is logged, not
// returned: the row is written and the tailer delivers the event later.
func (s *Categories) changed(ctx context.Context) error {
	if s.awaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.awaitTimeout)
		defer cancel()
	}

	rec, err := s.emitter.EmitAndAwait(ctx, events.CategoriesChanged)
	if err == nil {
		return nil
	}
	if rec.Position != 0 && errors.Is(err, context.DeadlineExceeded) {
		log.Warn().
			Str("event", rec.Name).
			Uint64("position", rec.Position).
			Dur("timeout", s.awaitTimeout).
			Msg("Category change not yet propagated")
		return nil
	}
	return fmt.Errorf("failed to announce category change: %w", err)
}
