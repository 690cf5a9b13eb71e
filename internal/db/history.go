package db

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncHistoryEntry is one row from the sync_history table: a single sync
// pass and its outcome.
type SyncHistoryEntry struct {
	ID         int64
	Mode       string // "incremental" or "full"
	StartedAt  time.Time
	FinishedAt *time.Time
	Pushed     int
	Pulled     int
	Deferred   int
	Error      string
}

// BeginSyncHistory inserts a new in-progress history row and returns its id.
func (db *DB) BeginSyncHistory(mode string) (int64, error) {
	var id int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(`
			INSERT INTO sync_history (mode, started_at) VALUES (?, ?)
		`, mode, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("begin sync history: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// FinishSyncHistory completes a history row with counts and any error.
func (db *DB) FinishSyncHistory(id int64, pushed, pulled, deferred int, syncErr string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			UPDATE sync_history SET finished_at = ?, pushed = ?, pulled = ?, deferred = ?, error = ?
			WHERE id = ?
		`, time.Now().UTC().Format(time.RFC3339Nano), pushed, pulled, deferred, syncErr, id)
		if err != nil {
			return fmt.Errorf("finish sync history: %w", err)
		}
		return nil
	})
}

// SyncHistoryTail returns the most recent history entries, newest first.
func (db *DB) SyncHistoryTail(limit int) ([]SyncHistoryEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, mode, started_at, finished_at, pushed, pulled, deferred, error
		FROM sync_history ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sync history: %w", err)
	}
	defer rows.Close()

	var entries []SyncHistoryEntry
	for rows.Next() {
		var e SyncHistoryEntry
		var started string
		var finished sql.NullString
		if err := rows.Scan(&e.ID, &e.Mode, &started, &finished, &e.Pushed, &e.Pulled, &e.Deferred, &e.Error); err != nil {
			return nil, fmt.Errorf("scan sync history: %w", err)
		}
		if e.StartedAt, err = parseTimestamp(started); err != nil {
			return nil, err
		}
		if finished.Valid {
			if t, err := parseTimestamp(finished.String); err == nil {
				e.FinishedAt = &t
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSyncError returns the error string of the most recent finished sync
// pass, empty if the last pass succeeded or no pass has run.
func (db *DB) LastSyncError() (string, error) {
	var errStr string
	err := db.conn.QueryRow(`
		SELECT error FROM sync_history WHERE finished_at IS NOT NULL ORDER BY id DESC LIMIT 1
	`).Scan(&errStr)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return errStr, err
}
