// Package sqlitestore implements the store boundary on an embedded SQLite
// database. Each bulk call runs in one transaction, which is the store's
// atomicity unit.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/sift/internal/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	fingerprint    TEXT NOT NULL,
	name           TEXT NOT NULL,
	build          INTEGER NOT NULL DEFAULT 0,
	rev            INTEGER NOT NULL DEFAULT 0,
	preferred_keys TEXT NOT NULL DEFAULT '[]',
	options        TEXT NOT NULL DEFAULT '{}',
	tags           TEXT NOT NULL DEFAULT '{}',
	doc            TEXT NOT NULL DEFAULT '',
	package        TEXT NOT NULL DEFAULT '',
	created        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_fingerprint ON tasks(fingerprint);

CREATE TABLE IF NOT EXISTS units (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	name        TEXT NOT NULL,
	dirname     TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '[]',
	tags        TEXT NOT NULL DEFAULT '{}',
	file_info   TEXT,
	created     DATETIME NOT NULL,
	updated     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_units_fingerprint ON units(fingerprint);

CREATE TABLE IF NOT EXISTS unit_history (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	unit_id TEXT NOT NULL REFERENCES units(id),
	entry   TEXT NOT NULL,
	created DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_unit_history_unit ON unit_history(unit_id);

CREATE TABLE IF NOT EXISTS records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	key_hash   TEXT NOT NULL,
	key        TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	created    DATETIME NOT NULL,
	updated    DATETIME NOT NULL,
	UNIQUE(collection, key_hash)
);

CREATE TABLE IF NOT EXISTS provenance (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id INTEGER NOT NULL REFERENCES records(id),
	task_id   TEXT NOT NULL,
	unit_id   TEXT NOT NULL,
	payload   TEXT NOT NULL DEFAULT '{}',
	scanned   DATETIME NOT NULL,
	removed   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_provenance_owner ON provenance(task_id, unit_id);
CREATE INDEX IF NOT EXISTS idx_provenance_record ON provenance(record_id);

CREATE TABLE IF NOT EXISTS appended (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	doc        TEXT NOT NULL,
	created    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_appended_collection ON appended(collection);
`

// DB wraps a sql.DB with store operations.
type DB struct {
	conn *sql.DB
	path string
}

var _ store.Backend = (*DB)(nil)

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open db: %w", err)
	}
	// One writer at a time; also keeps ":memory:" databases on a single connection.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &DB{conn: conn, path: dsn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close(context.Context) error {
	return db.conn.Close()
}

// Describe returns the SQLite library version and database path.
func (db *DB) Describe(ctx context.Context) string {
	var version string
	if err := db.conn.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&version); err != nil {
		version = "unknown"
	}
	return fmt.Sprintf("SQLite %s / path: '%s'", version, db.path)
}

// Collection returns a handle on a named record collection.
func (db *DB) Collection(name string) store.Collection {
	return &collection{db: db, name: name}
}
