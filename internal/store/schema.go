// Package store provides the SQLite-backed local row store: download status
// records, the offline action buffer and per-entity sync bookkeeping.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS download_status (
	site_id                TEXT    NOT NULL,
	component              TEXT    NOT NULL,
	component_id           TEXT    NOT NULL,
	status                 TEXT    NOT NULL,
	previous               TEXT    NOT NULL DEFAULT '',
	revision               TEXT    NOT NULL DEFAULT '',
	time_modified          INTEGER NOT NULL DEFAULT 0,
	size_estimate          INTEGER NOT NULL DEFAULT 0,
	download_time          INTEGER NOT NULL DEFAULT 0,
	previous_download_time INTEGER NOT NULL DEFAULT 0,
	extra                  TEXT    NOT NULL DEFAULT '',
	updated_at             INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (site_id, component, component_id)
);

CREATE TABLE IF NOT EXISTS offline_action (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id    TEXT    NOT NULL,
	group_key  TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	sequence   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_offline_action_group ON offline_action(site_id, group_key, id);

CREATE TABLE IF NOT EXISTS sync_time (
	site_id        TEXT    NOT NULL,
	entity_id      TEXT    NOT NULL,
	last_synced_at INTEGER NOT NULL,
	PRIMARY KEY (site_id, entity_id)
);

CREATE TABLE IF NOT EXISTS sync_warning (
	site_id   TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	warnings  TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (site_id, entity_id)
);
`

// DB wraps a sql.DB with store-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping() error {
	return db.conn.Ping()
}
