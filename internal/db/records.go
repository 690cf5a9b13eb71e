package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marin/pos/internal/models"
)

// ErrNotFound is returned when a record does not exist locally.
var ErrNotFound = errors.New("record not found")

// ListFilter narrows a List call. The zero value returns all live records.
type ListFilter struct {
	IncludeDeleted bool
	DirtyOnly      bool
}

// GetRecord returns the local view of one record. Never touches the network.
func (db *DB) GetRecord(collection, id string) (*models.Record, error) {
	row := db.conn.QueryRow(`
		SELECT collection, id, fields, server_revision, local_revision, is_dirty, is_deleted, updated_at
		FROM records WHERE collection = ? AND id = ?
	`, collection, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// ListRecords returns records in a collection ordered by id. Soft-deleted
// records are excluded unless the filter asks for them.
func (db *DB) ListRecords(collection string, filter ListFilter) ([]models.Record, error) {
	query := `
		SELECT collection, id, fields, server_revision, local_revision, is_dirty, is_deleted, updated_at
		FROM records WHERE collection = ?`
	if !filter.IncludeDeleted {
		query += " AND is_deleted = 0"
	}
	if filter.DirtyOnly {
		query += " AND is_dirty = 1"
	}
	query += " ORDER BY id"

	rows, err := db.conn.Query(query, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Collections returns the distinct collection names present locally, merged
// with the names that have sync cursors (a collection that was fully pulled
// but is empty locally still needs pulling again).
func (db *DB) Collections() ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT collection FROM records
		UNION
		SELECT collection FROM write_queue
		UNION
		SELECT collection FROM sync_cursors
		ORDER BY collection
	`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PutRecord upserts a record by id, bumping local_revision and stamping
// updated_at. It does not touch the dirty flag; callers that intend the
// change to reach the server enqueue a mutation and mark dirty themselves.
func (db *DB) PutRecord(collection, id string, fields map[string]any) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("put %s/%s: marshal fields: %w", collection, id, err)
	}

	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			INSERT INTO records (collection, id, fields, local_revision, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(collection, id) DO UPDATE SET
				fields = excluded.fields,
				local_revision = records.local_revision + 1,
				is_deleted = 0,
				updated_at = excluded.updated_at
		`, collection, id, string(fieldsJSON), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", collection, id, err)
		}
		return nil
	})
}

// MarkDirty flags a record as having a pending local mutation.
func (db *DB) MarkDirty(collection, id string) error {
	return db.setDirty(collection, id, true)
}

// ClearDirty removes the dirty flag after the server acknowledged the
// record's pending mutation.
func (db *DB) ClearDirty(collection, id string) error {
	return db.setDirty(collection, id, false)
}

func (db *DB) setDirty(collection, id string, dirty bool) error {
	return db.withWriteLock(func() error {
		v := 0
		if dirty {
			v = 1
		}
		_, err := db.conn.Exec(`UPDATE records SET is_dirty = ? WHERE collection = ? AND id = ?`, v, collection, id)
		if err != nil {
			return fmt.Errorf("set dirty %s/%s: %w", collection, id, err)
		}
		return nil
	})
}

// SetServerRevision adopts the server's version token for a record,
// typically after a push acknowledgement.
func (db *DB) SetServerRevision(collection, id, revision string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`UPDATE records SET server_revision = ? WHERE collection = ? AND id = ?`,
			revision, collection, id)
		if err != nil {
			return fmt.Errorf("set revision %s/%s: %w", collection, id, err)
		}
		return nil
	})
}

// SoftDeleteRecord marks a record deleted without removing the row, so a
// delete that races with a pull can still be reconciled.
func (db *DB) SoftDeleteRecord(collection, id string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			UPDATE records SET is_deleted = 1, local_revision = local_revision + 1, updated_at = ?
			WHERE collection = ? AND id = ?
		`, time.Now().UTC().Format(time.RFC3339Nano), collection, id)
		if err != nil {
			return fmt.Errorf("soft delete %s/%s: %w", collection, id, err)
		}
		return nil
	})
}

// ApplyServerRecord overwrites the local row with a server-confirmed value:
// fields and revision are adopted, the dirty flag is cleared, and deleted
// state follows the server. Used by the pull phase and the realtime bridge
// after the conflict rule has decided the value may be applied.
func ApplyServerRecord(tx *sql.Tx, collection, id string, fields map[string]any, revision string, deleted bool) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("apply server %s/%s: marshal fields: %w", collection, id, err)
	}
	del := 0
	if deleted {
		del = 1
	}
	_, err = tx.Exec(`
		INSERT INTO records (collection, id, fields, server_revision, local_revision, is_dirty, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			fields = excluded.fields,
			server_revision = excluded.server_revision,
			local_revision = records.local_revision + 1,
			is_dirty = 0,
			is_deleted = excluded.is_deleted,
			updated_at = excluded.updated_at
	`, collection, id, string(fieldsJSON), revision, del, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("apply server %s/%s: %w", collection, id, err)
	}
	return nil
}

// ReplaceCollection clears a collection's records inside the given
// transaction, ahead of reseeding from a server snapshot. Rows that still
// have a write_queue entry are kept: their local value is unsent intent and
// must survive even when the push phase failed to drain; the snapshot's
// value for them is buffered instead of applied.
func ReplaceCollection(tx *sql.Tx, collection string) error {
	_, err := tx.Exec(`
		DELETE FROM records
		WHERE collection = ?
		  AND NOT EXISTS (
			SELECT 1 FROM write_queue
			WHERE write_queue.collection = records.collection
			  AND write_queue.record_id = records.id
		  )
	`, collection)
	if err != nil {
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	return nil
}

// CountDirty returns the number of dirty records in a collection, or across
// all collections when collection is empty.
func (db *DB) CountDirty(collection string) (int64, error) {
	var count int64
	var err error
	if collection == "" {
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM records WHERE is_dirty = 1`).Scan(&count)
	} else {
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM records WHERE is_dirty = 1 AND collection = ?`, collection).Scan(&count)
	}
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var fieldsJSON, updatedAt string
	var dirty, deleted int

	err := row.Scan(&rec.Collection, &rec.ID, &fieldsJSON, &rec.ServerRevision,
		&rec.LocalRevision, &dirty, &deleted, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	rec.Dirty = dirty != 0
	rec.Deleted = deleted != 0
	if rec.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
