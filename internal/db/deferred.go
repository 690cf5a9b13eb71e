package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marin/pos/internal/models"
)

// BufferDeferredChange stores a server value that cannot be applied yet
// because a local mutation for the same record is still in flight. A newer
// server value for the same record replaces an older buffered one; the
// record never regresses to a value older than the user's own intent.
func BufferDeferredChange(tx *sql.Tx, ch models.DeferredChange) error {
	fieldsJSON, err := json.Marshal(ch.Fields)
	if err != nil {
		return fmt.Errorf("buffer %s/%s: marshal fields: %w", ch.Collection, ch.RecordID, err)
	}
	_, err = tx.Exec(`
		INSERT INTO deferred_changes (collection, record_id, event_type, fields, server_revision, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, record_id) DO UPDATE SET
			event_type = excluded.event_type,
			fields = excluded.fields,
			server_revision = excluded.server_revision,
			received_at = excluded.received_at
	`, ch.Collection, ch.RecordID, ch.EventType, string(fieldsJSON), ch.ServerRevision,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("buffer %s/%s: %w", ch.Collection, ch.RecordID, err)
	}
	return nil
}

// DeferredChanges returns all buffered server values in arrival order.
func (db *DB) DeferredChanges() ([]models.DeferredChange, error) {
	rows, err := db.conn.Query(`
		SELECT collection, record_id, event_type, fields, server_revision, received_at
		FROM deferred_changes ORDER BY received_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list deferred: %w", err)
	}
	defer rows.Close()

	var changes []models.DeferredChange
	for rows.Next() {
		var ch models.DeferredChange
		var fieldsJSON, receivedAt string
		if err := rows.Scan(&ch.Collection, &ch.RecordID, &ch.EventType, &fieldsJSON, &ch.ServerRevision, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan deferred: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &ch.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal deferred fields: %w", err)
		}
		if ch.ReceivedAt, err = parseTimestamp(receivedAt); err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// DropDeferredChange removes a buffered value after it has been applied.
func DropDeferredChange(tx *sql.Tx, collection, recordID string) error {
	_, err := tx.Exec(`DELETE FROM deferred_changes WHERE collection = ? AND record_id = ?`, collection, recordID)
	if err != nil {
		return fmt.Errorf("drop deferred %s/%s: %w", collection, recordID, err)
	}
	return nil
}

// DeferredCount returns the number of buffered server values.
func (db *DB) DeferredCount() (int64, error) {
	var count int64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM deferred_changes`).Scan(&count)
	return count, err
}
