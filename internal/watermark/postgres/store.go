// Package postgres provides a Postgres-backed watermark store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/slide-ingest/internal/watermark"
)

const defaultTable = "watermarks"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for watermark rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store keeps one row per crawl root. Rows are only ever moved forward: a
// save upserts with GREATEST so a stale writer cannot regress a mark.
type Store struct {
	pool  pool
	table string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("watermark.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, table: table}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the watermark table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	root_url TEXT PRIMARY KEY,
	mark TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return &watermark.IOError{Op: "migrate", Err: err}
	}
	return nil
}

// Load reads every stored mark.
func (s *Store) Load(ctx context.Context) (watermark.Marks, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT root_url, mark FROM %s`, s.table))
	if err != nil {
		return nil, &watermark.IOError{Op: "load", Err: err}
	}
	defer rows.Close()

	marks := watermark.Marks{}
	for rows.Next() {
		var (
			root string
			mark time.Time
		)
		if err := rows.Scan(&root, &mark); err != nil {
			return nil, &watermark.IOError{Op: "load", Err: fmt.Errorf("scan watermark row: %w", err)}
		}
		marks[root] = mark.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, &watermark.IOError{Op: "load", Err: err}
	}
	return marks, nil
}

// Save upserts every mark in a single transaction, in root order.
func (s *Store) Save(ctx context.Context, marks watermark.Marks) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &watermark.IOError{Op: "save", Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %[1]s (root_url, mark)
VALUES ($1, $2)
ON CONFLICT (root_url) DO UPDATE
SET mark = GREATEST(%[1]s.mark, EXCLUDED.mark)`, s.table)

	for _, root := range marks.Roots() {
		if _, err = tx.Exec(ctx, query, root, marks[root].UTC()); err != nil {
			return &watermark.IOError{Op: "save", Err: fmt.Errorf("upsert %s: %w", root, err)}
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return &watermark.IOError{Op: "save", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}
