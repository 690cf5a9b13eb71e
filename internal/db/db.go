package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dataDirName = ".pos"
	dbFile      = ".pos/store.db"
)

// DB wraps the local database connection. It owns every durable table the
// client keeps: entity records, the write queue, sync cursors, deferred
// server changes, the connectivity anchor, and sync history.
type DB struct {
	conn    *sql.DB
	baseDir string
	locker  *writeLocker
}

// Open opens an existing database and runs any pending migrations.
func Open(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: run 'pos init' first")
	}

	return open(baseDir, dbPath)
}

// Initialize creates the database directory and schema.
func Initialize(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return open(baseDir, dbPath)
}

func open(baseDir, dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows reads to proceed while a write is in flight, which keeps
	// local reads non-blocking during a sync pass.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	db := &DB{conn: conn, baseDir: baseDir, locker: newWriteLocker(baseDir)}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// NewFromConn wraps an existing connection. Used by tests that run against
// an in-memory database.
func NewFromConn(conn *sql.DB) (*DB, error) {
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Conn returns the underlying *sql.DB for callers that need transactions
// (the sync engine applies pull batches transactionally).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// withWriteLock serializes writers across processes using an OS file lock.
// In-memory databases (tests) have no lock file and skip it.
func (db *DB) withWriteLock(fn func() error) error {
	if db.locker == nil {
		return fn()
	}
	if err := db.locker.acquire(defaultLockTimeout); err != nil {
		return err
	}
	defer db.locker.release()
	return fn()
}

// Reset drops all local data: records, queue, cursors, deferred changes and
// history. The connectivity anchor survives so grace-period math is not
// reset by a device wipe. Destructive, used for device reset and testing.
func (db *DB) Reset() error {
	return db.withWriteLock(func() error {
		for _, table := range []string{"records", "write_queue", "sync_cursors", "deferred_changes", "sync_history"} {
			if _, err := db.conn.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// parseTimestamp tries common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
