// Package store is the relational persistence layer for models and logs.
//
// Two drivers are supported: modernc.org/sqlite (embedded, the default and
// the one tests run against) and go-sql-driver/mysql. SQL that differs
// between them lives behind the dialect interface.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
)

// Config selects and tunes the database connection.
type Config struct {
	// Driver is "sqlite" or "mysql".
	Driver string
	// DSN is a sqlite file path / URI or a mysql DSN
	// (user:pass@tcp(host:3306)/db).
	DSN string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps *sql.DB with the dialect of the configured driver.
type DB struct {
	sql     *sql.DB
	dialect dialect
	log     *slog.Logger
	now     func() time.Time
}

// Open connects, applies driver settings and verifies the connection.
// The schema is not created; call Migrate for that.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var sqlDB *sql.DB
	switch cfg.Driver {
	case "sqlite":
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		// A single writer avoids SQLITE_BUSY and keeps :memory: databases
		// on one connection.
		sqlDB.SetMaxOpenConns(1)
	case "mysql":
		mcfg, perr := mysql.ParseDSN(cfg.DSN)
		if perr != nil {
			return nil, fmt.Errorf("store: parse mysql dsn: %w", perr)
		}
		// Idempotent updates must still report the matched row.
		mcfg.ClientFoundRows = true
		connector, cerr := mysql.NewConnector(mcfg)
		if cerr != nil {
			return nil, fmt.Errorf("store: mysql connector: %w", cerr)
		}
		sqlDB = sql.OpenDB(connector)
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	db := &DB{sql: sqlDB, dialect: d, log: log, now: time.Now}
	if err := db.configure(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: ping %s: %w", d.name(), err)
	}

	log.Info("store_opened", slog.String("driver", d.name()))
	return db, nil
}

func (db *DB) configure(ctx context.Context) error {
	if db.dialect.name() != "sqlite" {
		return nil
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.sql.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}
	return nil
}

// Migrate creates the tables and indexes if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range db.dialect.schema() {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return errs.Storage("migrate", err)
		}
	}
	return nil
}

// Ping verifies the connection and runs a trivial query.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.sql.PingContext(ctx); err != nil {
		return err
	}
	var one int
	return db.sql.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Driver returns the dialect name.
func (db *DB) Driver() string { return db.dialect.name() }

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) timestamp() int64 {
	return db.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
