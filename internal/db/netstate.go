package db

import (
	"database/sql"
	"fmt"
	"time"
)

// LastOnlineAt returns the persisted moment the device last confirmed
// connectivity, or nil if it never has. Persisting this anchor means a
// restart while offline does not reset the offline grace-period clock.
func (db *DB) LastOnlineAt() (*time.Time, error) {
	var ts sql.NullString
	err := db.conn.QueryRow(`SELECT last_online_at FROM net_state WHERE id = 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last online: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t, err := parseTimestamp(ts.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetLastOnlineAt persists the last confirmed online moment.
func (db *DB) SetLastOnlineAt(t time.Time) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			INSERT INTO net_state (id, last_online_at) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET last_online_at = excluded.last_online_at
		`, t.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("set last online: %w", err)
		}
		return nil
	})
}
