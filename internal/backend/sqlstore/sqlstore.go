// Package sqlstore implements the storage backend on database/sql with a
// SQLite and a PostgreSQL dialect.
//
// Every operation borrows a connection from the bounded pool for its own
// duration. Borrowing waits at most Config.AcquireTimeout; an exhausted pool
// surfaces as a StorageUnavailable error instead of piling up callers.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Config holds connection and pool settings.
type Config struct {
	// DSN is the database file path for SQLite or the connection string for
	// PostgreSQL.
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration
	// BusyTimeout is how long SQLite waits on a locked database file.
	BusyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	return c
}

// Store is a database/sql backed backend.Backend.
type Store struct {
	dialect Dialect
	cfg     Config
	db      *sql.DB
}

var _ backend.Backend = (*Store)(nil)

// Open connects to the database and verifies the connection. It does not
// run migrations.
func Open(ctx context.Context, dialect Dialect, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s: database dsn is required", dialect.name)
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open(dialect.driverName, dialect.dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{dialect: dialect, cfg: cfg, db: db}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Name implements backend.Backend.
func (s *Store) Name() string { return s.dialect.name }

// Ping verifies a connection can be borrowed and used.
func (s *Store) Ping(ctx context.Context) error {
	const op = "sqlstore.ping"
	conn, err := s.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return s.dialect.wrap(op, conn.PingContext(ctx))
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded migrations of the dialect. It uses a
// dedicated connection pool because the migration driver closes the pool
// it was given.
func (s *Store) Migrate(_ context.Context) error {
	sourceDriver, err := iofs.New(migrationsFS, s.dialect.migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	db, err := sql.Open(s.dialect.driverName, s.dialect.dsn(s.cfg))
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	dbDriver, err := s.dialect.migrateDriver(db)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, s.dialect.name, dbDriver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// acquire borrows a connection, waiting at most AcquireTimeout. The returned
// connection is not bound to the acquisition deadline.
func (s *Store) acquire(ctx context.Context, op string) (*sql.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Internal(op, err)
	}
	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	conn, err := s.db.Conn(acquireCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.Internal(op, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.StorageUnavailable(op, fmt.Errorf("connection pool exhausted after %s: %w", s.cfg.AcquireTimeout, err))
		}
		if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
			return nil, model.StorageUnavailable(op, err)
		}
		return nil, s.dialect.wrap(op, err)
	}
	return conn, nil
}

// Begin implements backend.Backend.
func (s *Store) Begin(ctx context.Context, serviceID string) (backend.Tx, error) {
	const op = "sqlstore.begin"
	conn, err := s.acquire(ctx, op)
	if err != nil {
		return nil, err
	}
	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, s.dialect.wrap(op, err)
	}
	if err := s.dialect.lockService(ctx, sqlTx, serviceID); err != nil {
		_ = sqlTx.Rollback()
		_ = conn.Close()
		return nil, s.dialect.wrap(op, err)
	}
	return &tx{store: s, conn: conn, tx: sqlTx}, nil
}

// queryer is satisfied by *sql.Conn and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withConn runs fn on a borrowed connection and releases it afterwards.
func (s *Store) withConn(ctx context.Context, op string, fn func(q queryer) error) error {
	conn, err := s.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return s.dialect.wrap(op, fn(conn))
}
