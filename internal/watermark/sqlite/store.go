// Package sqlite provides a watermark store in a local SQLite database.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" driver
	_ "github.com/ncruces/go-sqlite3/embed"  // bundled SQLite build

	"github.com/JakeFAU/slide-ingest/internal/watermark"
)

const (
	driverName = "sqlite3"
	memoryPath = ":memory:"
)

// markLayout is fixed width in UTC so TEXT comparison orders like time.
const markLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS watermarks (
    root_url TEXT PRIMARY KEY,
    mark TEXT NOT NULL -- UTC, markLayout
);
`

const pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
`

// Config controls the SQLite database location.
type Config struct {
	// Path is the database file, or ":memory:".
	Path string `mapstructure:"path"`
}

type row struct {
	RootURL string `db:"root_url"`
	Mark    string `db:"mark"`
}

// Store keeps one row per crawl root.
type Store struct {
	db *sqlx.DB
}

// New opens the database, creating the file and schema when missing.
func New(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = memoryPath
	}

	dsn := memoryPath
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize watermark schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads every stored mark.
func (s *Store) Load(ctx context.Context) (watermark.Marks, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT root_url, mark FROM watermarks`); err != nil {
		return nil, &watermark.IOError{Op: "load", Err: err}
	}
	marks := make(watermark.Marks, len(rows))
	for _, r := range rows {
		t, err := time.Parse(time.RFC3339Nano, r.Mark)
		if err != nil {
			return nil, &watermark.IOError{Op: "load", Err: fmt.Errorf("parse stored mark for %s: %w", r.RootURL, err)}
		}
		marks[r.RootURL] = t
	}
	return marks, nil
}

// Save upserts every mark in one transaction. Stored marks never move backwards.
func (s *Store) Save(ctx context.Context, marks watermark.Marks) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &watermark.IOError{Op: "save", Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const upsert = `
INSERT INTO watermarks (root_url, mark) VALUES (:root_url, :mark)
ON CONFLICT(root_url) DO UPDATE SET mark = max(mark, excluded.mark)`
	for _, root := range marks.Roots() {
		r := row{RootURL: root, Mark: marks[root].UTC().Format(markLayout)}
		if _, err = tx.NamedExecContext(ctx, upsert, r); err != nil {
			return &watermark.IOError{Op: "save", Err: fmt.Errorf("upsert %s: %w", root, err)}
		}
	}
	if err = tx.Commit(); err != nil {
		return &watermark.IOError{Op: "save", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}
