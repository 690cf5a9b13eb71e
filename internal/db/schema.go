package db

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

const schema = `
-- Local store: latest known view of every entity record, one row per
-- (collection, id), plus local-only bookkeeping columns.
CREATE TABLE IF NOT EXISTS records (
    collection      TEXT NOT NULL,
    id              TEXT NOT NULL,
    fields          JSON NOT NULL DEFAULT '{}',
    server_revision TEXT DEFAULT '',
    local_revision  INTEGER NOT NULL DEFAULT 0,
    is_dirty        INTEGER NOT NULL DEFAULT 0,
    is_deleted      INTEGER NOT NULL DEFAULT 0,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_dirty ON records(collection, is_dirty);

-- Write queue: durable log of unacknowledged mutations. seq is the global
-- FIFO order; per-record order follows from it.
CREATE TABLE IF NOT EXISTS write_queue (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    mutation_id TEXT NOT NULL UNIQUE,
    collection  TEXT NOT NULL,
    record_id   TEXT NOT NULL,
    operation   TEXT NOT NULL,
    payload     JSON NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL DEFAULT 'pending',
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT DEFAULT '',
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_record ON write_queue(collection, record_id);
CREATE INDEX IF NOT EXISTS idx_queue_status ON write_queue(status, seq);

-- Incremental pull position per collection. cursor is opaque server state.
CREATE TABLE IF NOT EXISTS sync_cursors (
    collection TEXT PRIMARY KEY,
    cursor     TEXT NOT NULL DEFAULT '',
    pulled_at  DATETIME
);

-- Server values that raced with an in-flight local mutation. One row per
-- record; a newer server value replaces an older buffered one.
CREATE TABLE IF NOT EXISTS deferred_changes (
    collection      TEXT NOT NULL,
    record_id       TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    fields          JSON NOT NULL DEFAULT '{}',
    server_revision TEXT DEFAULT '',
    received_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (collection, record_id)
);

-- Connectivity anchor: survives restarts so an offline grace period keeps
-- counting from the last confirmed online moment.
CREATE TABLE IF NOT EXISTS net_state (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    last_online_at DATETIME
);

-- One row per sync pass, for status display and troubleshooting.
CREATE TABLE IF NOT EXISTS sync_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    mode        TEXT NOT NULL,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME,
    pushed      INTEGER NOT NULL DEFAULT 0,
    pulled      INTEGER NOT NULL DEFAULT 0,
    deferred    INTEGER NOT NULL DEFAULT 0,
    error       TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS schema_info (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// migrate creates the schema and applies any version upgrades.
func (db *DB) migrate() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	version, err := db.schemaVersion()
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, SchemaVersion)
	}
	if version < SchemaVersion {
		if err := db.setSchemaVersion(SchemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

// schemaVersion returns the stored schema version, 0 if unset.
func (db *DB) schemaVersion() (int, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int
	fmt.Sscanf(value, "%d", &v)
	return v, nil
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}
