package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
	"github.com/Broadband-Catalysts/tasker-sub002/pkg/config"
)

// Options selects and locates the backing store.
type Options struct {
	Backend string // "sqlite" or "postgres"
	Path    string // sqlite database file
	DSN     string // postgres connection string
	Schema  string // postgres schema name
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Backend: cfg.DBBackend,
		Path:    cfg.DBPath,
		DSN:     cfg.DBDSN,
		Schema:  cfg.DBSchema,
	}
}

type DB struct {
	*sqlx.DB
	dialect Dialect
}

// Connect opens a connection pool without touching the schema.
func Connect(ctx context.Context, opts Options) (*DB, error) {
	dialect, err := DialectFor(opts.Backend)
	if err != nil {
		return nil, err
	}

	dsn, err := dialect.DSN(opts)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect.Name(), err)
	}
	dialect.ConfigurePool(db)

	return &DB{DB: db, dialect: dialect}, nil
}

// Open connects and brings the schema up to date.
func Open(ctx context.Context, opts Options) (*DB, error) {
	db, err := Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := db.dialect.Bootstrap(ctx, db.DB, opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Rebind converts '?' placeholders to the dialect's bindvar style.
func (db *DB) Rebind(query string) string {
	return sqlx.Rebind(db.dialect.BindType(), query)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// Repositories bundles every repository backed by one connection pool.
type Repositories struct {
	Tasks     repository.TaskRepository
	Runs      repository.RunRepository
	Subtasks  repository.SubtaskRepository
	Metrics   repository.MetricsRepository
	Retention repository.RetentionRepository
	Reporters repository.ReporterRepository
	RunViews  repository.RunViewRepository
	Clients   repository.ClientRepository
}

func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Tasks:     NewTaskRepository(db),
		Runs:      NewRunRepository(db),
		Subtasks:  NewSubtaskRepository(db),
		Metrics:   NewMetricsRepository(db),
		Retention: NewRetentionRepository(db),
		Reporters: NewReporterRepository(db),
		RunViews:  NewRunViewRepository(db),
		Clients:   NewClientRepository(db),
	}
}

// NullString helper for optional string fields
func NullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *s, Valid: true}
}

// NullInt64 helper for optional int64 fields
func NullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// NullInt helper for optional int fields
func NullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// NullFloat64 helper for optional float fields
func NullFloat64(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{Valid: false}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
