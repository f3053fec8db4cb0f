package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tracegrid/tracegrid/pkg/model"

	// PostgreSQL driver registered as "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect captures everything that differs between the SQL engines.
type Dialect struct {
	name       string
	driverName string
	migrations string
	bindType   int

	dsn           func(cfg Config) string
	migrateDriver func(db *sql.DB) (database.Driver, error)
	lockService   func(ctx context.Context, tx *sql.Tx, serviceID string) error
	insertRowSQL  func(table string) string
	classify      func(err error) model.ErrorKind
}

// Name returns the dialect name, which is also the backend name.
func (d Dialect) Name() string { return d.name }

// SQLite stores data in a single file through the cgo-free modernc driver.
// Write transactions start with BEGIN IMMEDIATE, which serializes writers.
var SQLite = Dialect{
	name:       "sqlite",
	driverName: "sqlite",
	migrations: "migrations/sqlite",
	bindType:   sqlx.QUESTION,
	dsn: func(cfg Config) string {
		return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
			cfg.DSN, cfg.BusyTimeout.Milliseconds())
	},
	migrateDriver: func(db *sql.DB) (database.Driver, error) {
		return migratesqlite.WithInstance(db, &migratesqlite.Config{})
	},
	lockService: func(context.Context, *sql.Tx, string) error { return nil },
	insertRowSQL: func(table string) string {
		return fmt.Sprintf(`INSERT INTO %[1]s (service_id, natural_key, group_key, last_commit_num, payload, seq)
			VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM %[1]s))
			RETURNING seq`, table)
	},
	classify: classifySQLite,
}

// Postgres talks to PostgreSQL through pgx's database/sql adapter. Writers of
// the same service are serialized with a transaction-scoped advisory lock.
var Postgres = Dialect{
	name:       "postgres",
	driverName: "pgx",
	migrations: "migrations/postgres",
	bindType:   sqlx.DOLLAR,
	dsn:        func(cfg Config) string { return cfg.DSN },
	migrateDriver: func(db *sql.DB) (database.Driver, error) {
		return migratepgx.WithInstance(db, &migratepgx.Config{})
	},
	lockService: func(ctx context.Context, tx *sql.Tx, serviceID string) error {
		_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "tracegrid:"+serviceID)
		return err
	},
	insertRowSQL: func(table string) string {
		return fmt.Sprintf(`INSERT INTO %s (service_id, natural_key, group_key, last_commit_num, payload)
			VALUES (?, ?, ?, ?, ?)
			RETURNING seq`, table)
	},
	classify: classifyPostgres,
}

// rebind rewrites ? placeholders into the dialect's bind style.
func (d Dialect) rebind(query string) string {
	return sqlx.Rebind(d.bindType, query)
}

// wrap converts a driver error into a typed store error.
func (d Dialect) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *model.Error
	if errors.As(err, &typed) {
		return err
	}
	switch d.classify(err) {
	case model.KindConflict:
		return model.Conflict(op, "uniqueness violation").Wrap(err)
	case model.KindStorageUnavailable:
		return model.StorageUnavailable(op, err)
	default:
		return model.Internal(op, err)
	}
}

func classifySQLite(err error) model.ErrorKind {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return model.KindConflict
		}
		if serr.Code() == sqlite3.SQLITE_CONSTRAINT && strings.Contains(serr.Error(), "UNIQUE") {
			return model.KindConflict
		}
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL:
			return model.KindStorageUnavailable
		}
		return model.KindInternal
	}
	return classifyCommon(err)
}

func classifyPostgres(err error) model.ErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return model.KindConflict
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "57P03": // cannot_connect_now
			return model.KindStorageUnavailable
		}
		return model.KindInternal
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return model.KindStorageUnavailable
	}
	return classifyCommon(err)
}

func classifyCommon(err error) model.ErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.As(err, &netErr):
		return model.KindStorageUnavailable
	}
	return model.KindInternal
}
