package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Dialect names.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// schemaVersion is recorded in config_kv when the schema is created and
// checked on every later open.
const schemaVersion = "1"

// ErrSchemaVersion is returned when a store was written by an incompatible build.
var ErrSchemaVersion = errors.New("unsupported lesson store schema version")

// Database is a SQL-backed lesson store.
type Database struct {
	db      *sql.DB
	dialect string
}

// New opens (creating if needed) a SQLite database at dbPath.
func New(dbPath string) (*Database, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps batch
	// transactions from tripping over SQLITE_BUSY inside one process.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable pragmas: %w", err)
	}

	d := &Database{db: db, dialect: DialectSQLite}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying handle, e.g. for log persistence.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Type returns the dialect name.
func (d *Database) Type() string {
	return d.dialect
}

// q adapts a ?-placeholder query to the dialect.
func (d *Database) q(query string) string {
	if d.dialect == DialectPostgres {
		return rebind(query)
	}
	return query
}

func (d *Database) initSchema() error {
	var schema string
	if d.dialect == DialectPostgres {
		schema = postgresSchema
	} else {
		schema = sqliteSchema
	}
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	version, found, err := d.GetConfigValue("schema_version")
	if err != nil {
		return err
	}
	if found && version != schemaVersion {
		return fmt.Errorf("%w: store has version %s, this build reads version %s", ErrSchemaVersion, version, schemaVersion)
	}
	if found {
		return nil
	}
	return d.SetConfigValue("schema_version", schemaVersion)
}

// Configuration KV

// SetConfigValue stores a store-level setting.
func (d *Database) SetConfigValue(key string, value string) error {
	query := `
		INSERT INTO config_kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := d.db.Exec(d.q(query), key, value, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to set config value: %w", err)
	}
	return nil
}

// GetConfigValue reads a store-level setting.
func (d *Database) GetConfigValue(key string) (string, bool, error) {
	query := `SELECT value FROM config_kv WHERE key = ?`
	var value string
	err := d.db.QueryRow(d.q(query), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get config value: %w", err)
	}
	return value, true, nil
}

// WithTransaction executes a function within a database transaction.
func (d *Database) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS config_kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lesson_batches (
	batch_id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	lesson_count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lessons (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	batch_id TEXT NOT NULL REFERENCES lesson_batches(batch_id),
	created_at TEXT NOT NULL,
	scope TEXT NOT NULL,
	pattern TEXT NOT NULL,
	source_run TEXT,
	body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lessons_scope ON lessons(scope);
CREATE INDEX IF NOT EXISTS idx_lessons_batch ON lessons(batch_id);
`
