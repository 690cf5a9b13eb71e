package db

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncCursor is the incremental pull position for one collection. The
// cursor value is opaque server state; the client only stores and echoes it.
type SyncCursor struct {
	Collection string
	Cursor     string
	PulledAt   *time.Time
}

// GetCursor returns the cursor for a collection, or an empty cursor if the
// collection has never been pulled.
func (db *DB) GetCursor(collection string) (SyncCursor, error) {
	c := SyncCursor{Collection: collection}
	var pulledAt sql.NullString
	err := db.conn.QueryRow(`
		SELECT cursor, pulled_at FROM sync_cursors WHERE collection = ?
	`, collection).Scan(&c.Cursor, &pulledAt)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("get cursor %s: %w", collection, err)
	}
	if pulledAt.Valid {
		if t, err := parseTimestamp(pulledAt.String); err == nil {
			c.PulledAt = &t
		}
	}
	return c, nil
}

// AdvanceCursor stores the cursor returned by a successful pull.
func (db *DB) AdvanceCursor(collection, cursor string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			INSERT INTO sync_cursors (collection, cursor, pulled_at) VALUES (?, ?, ?)
			ON CONFLICT(collection) DO UPDATE SET cursor = excluded.cursor, pulled_at = excluded.pulled_at
		`, collection, cursor, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("advance cursor %s: %w", collection, err)
		}
		return nil
	})
}

// AdvanceCursorTx is AdvanceCursor inside an existing transaction, so a pull
// batch and its cursor move commit atomically.
func AdvanceCursorTx(tx *sql.Tx, collection, cursor string) error {
	_, err := tx.Exec(`
		INSERT INTO sync_cursors (collection, cursor, pulled_at) VALUES (?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET cursor = excluded.cursor, pulled_at = excluded.pulled_at
	`, collection, cursor, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", collection, err)
	}
	return nil
}

// ResetCursor forgets the pull position for a collection. Full sync uses
// this before reseeding.
func (db *DB) ResetCursor(collection string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM sync_cursors WHERE collection = ?`, collection)
		if err != nil {
			return fmt.Errorf("reset cursor %s: %w", collection, err)
		}
		return nil
	})
}
