package sqlstore

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Dialect isolates everything that differs between relational backends:
// driver and DSN, placeholder style, DDL, and the few SQL functions whose
// spelling differs.
type Dialect interface {
	Name() string
	DriverName() string
	DSN(opts Options) (string, error)
	BindType() int
	Migrations() (fs.FS, error)

	// Least returns an SQL expression for the smaller of two values.
	Least(a, b string) string

	ConfigurePool(db *sqlx.DB)
	Bootstrap(ctx context.Context, db *sqlx.DB, opts Options) error
}

func DialectFor(backend string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendSQLite:
		return sqliteDialect{}, nil
	case BackendPostgres, "postgresql", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database backend: %q", backend)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return BackendSQLite }
func (sqliteDialect) DriverName() string { return "sqlite" }
func (sqliteDialect) BindType() int      { return sqlx.QUESTION }

// DSN applies the pragmas on every pooled connection: busy_timeout lets
// writers from other processes wait for the lock instead of failing, WAL
// allows concurrent readers, and foreign keys drive the cascades.
func (sqliteDialect) DSN(opts Options) (string, error) {
	if opts.Path == "" {
		return "", fmt.Errorf("sqlite backend requires db_path")
	}
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(10000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_time_format", "sqlite")
	return opts.Path + "?" + params.Encode(), nil
}

func (sqliteDialect) Migrations() (fs.FS, error) {
	return fs.Sub(migrationFiles, "migrations/sqlite")
}

func (sqliteDialect) Least(a, b string) string {
	return fmt.Sprintf("MIN(%s, %s)", a, b)
}

// SQLite serializes writers anyway; a single connection per process keeps
// lock handoff inside the pool and leaves cross-process contention to
// busy_timeout.
func (sqliteDialect) ConfigurePool(db *sqlx.DB) {
	db.SetMaxOpenConns(1)
}

func (sqliteDialect) Bootstrap(context.Context, *sqlx.DB, Options) error {
	return nil
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return BackendPostgres }
func (postgresDialect) DriverName() string { return "pgx" }
func (postgresDialect) BindType() int      { return sqlx.DOLLAR }

// DSN pins search_path to the configured schema. pgx forwards unknown
// connection parameters as runtime settings.
func (postgresDialect) DSN(opts Options) (string, error) {
	if opts.DSN == "" {
		return "", fmt.Errorf("postgres backend requires db_dsn")
	}
	if opts.Schema == "" || opts.Schema == "public" {
		return opts.DSN, nil
	}
	if strings.HasPrefix(opts.DSN, "postgres://") || strings.HasPrefix(opts.DSN, "postgresql://") {
		u, err := url.Parse(opts.DSN)
		if err != nil {
			return "", fmt.Errorf("invalid postgres dsn: %w", err)
		}
		q := u.Query()
		q.Set("search_path", opts.Schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return opts.DSN + " search_path=" + opts.Schema, nil
}

func (postgresDialect) Migrations() (fs.FS, error) {
	return fs.Sub(migrationFiles, "migrations/postgres")
}

func (postgresDialect) Least(a, b string) string {
	return fmt.Sprintf("LEAST(%s, %s)", a, b)
}

func (postgresDialect) ConfigurePool(db *sqlx.DB) {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
}

func (postgresDialect) Bootstrap(ctx context.Context, db *sqlx.DB, opts Options) error {
	if opts.Schema == "" || opts.Schema == "public" {
		return nil
	}
	stmt := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{opts.Schema}.Sanitize()
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", opts.Schema, err)
	}
	return nil
}
