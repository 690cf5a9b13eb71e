package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marin/pos/internal/models"
)

// Enqueue appends a mutation to the write queue and returns its mutation id.
//
// Coalescing keeps the queue bounded while a record is edited repeatedly
// offline: an unsent create/update for the same record is rewritten in place
// (a create stays a create, since the server has never seen the record), and a
// delete removes every unsent entry for the record before being appended.
// Entries that have already been attempted are never coalesced; their
// mutation id may have reached the server, so rewriting the payload under
// the same id would be dropped by server-side deduplication.
func (db *DB) Enqueue(op models.Operation, collection, recordID string, payload json.RawMessage) (string, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	var mutationID string
	err := db.withWriteLock(func() error {
		now := time.Now().UTC().Format(time.RFC3339Nano)

		if op == models.OpDelete {
			if _, err := db.conn.Exec(`
				DELETE FROM write_queue
				WHERE collection = ? AND record_id = ? AND status = 'pending' AND attempts = 0
			`, collection, recordID); err != nil {
				return fmt.Errorf("coalesce before delete %s/%s: %w", collection, recordID, err)
			}
		} else {
			var existingID string
			err := db.conn.QueryRow(`
				SELECT mutation_id FROM write_queue
				WHERE collection = ? AND record_id = ? AND status = 'pending' AND attempts = 0
				  AND operation != 'delete'
				ORDER BY seq DESC LIMIT 1
			`, collection, recordID).Scan(&existingID)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("find coalesce target %s/%s: %w", collection, recordID, err)
			}
			if err == nil {
				if _, err := db.conn.Exec(`
					UPDATE write_queue SET payload = ? WHERE mutation_id = ?
				`, string(payload), existingID); err != nil {
					return fmt.Errorf("coalesce %s/%s: %w", collection, recordID, err)
				}
				slog.Debug("queue coalesced", "collection", collection, "id", recordID, "mutation", existingID)
				mutationID = existingID
				return nil
			}
		}

		mutationID = uuid.NewString()
		if _, err := db.conn.Exec(`
			INSERT INTO write_queue (mutation_id, collection, record_id, operation, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, mutationID, collection, recordID, string(op), string(payload), now); err != nil {
			return fmt.Errorf("enqueue %s/%s: %w", collection, recordID, err)
		}
		slog.Debug("queue appended", "collection", collection, "id", recordID, "op", op, "mutation", mutationID)
		return nil
	})
	return mutationID, err
}

// DequeueBatch returns the oldest pending entries in sequence order,
// optionally scoped to one collection. Entries are not removed; they leave
// the queue only through Acknowledge or Discard.
func (db *DB) DequeueBatch(collection string, maxCount int) ([]models.QueueEntry, error) {
	query := `
		SELECT seq, mutation_id, collection, record_id, operation, payload, status, attempts, last_error, created_at
		FROM write_queue WHERE status = 'pending'`
	args := []any{}
	if collection != "" {
		query += " AND collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, maxCount)

	return db.queryEntries(query, args...)
}

// Acknowledge removes an entry after the server confirmed it.
func (db *DB) Acknowledge(mutationID string) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM write_queue WHERE mutation_id = ?`, mutationID)
		if err != nil {
			return fmt.Errorf("acknowledge %s: %w", mutationID, err)
		}
		return nil
	})
}

// MarkFailed records a failed push attempt. Once attempts reaches the
// ceiling the entry is poisoned: excluded from automatic retry but kept
// visible for manual resolution. Returns true if the entry was poisoned.
func (db *DB) MarkFailed(mutationID, errMsg string, attemptCeiling int) (bool, error) {
	poisoned := false
	err := db.withWriteLock(func() error {
		if _, err := db.conn.Exec(`
			UPDATE write_queue SET attempts = attempts + 1, last_error = ? WHERE mutation_id = ?
		`, errMsg, mutationID); err != nil {
			return fmt.Errorf("mark failed %s: %w", mutationID, err)
		}

		var attempts int
		if err := db.conn.QueryRow(`SELECT attempts FROM write_queue WHERE mutation_id = ?`, mutationID).Scan(&attempts); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("read attempts %s: %w", mutationID, err)
		}

		if attempts >= attemptCeiling {
			if _, err := db.conn.Exec(`UPDATE write_queue SET status = 'poisoned' WHERE mutation_id = ?`, mutationID); err != nil {
				return fmt.Errorf("poison %s: %w", mutationID, err)
			}
			poisoned = true
			slog.Warn("mutation poisoned", "mutation", mutationID, "attempts", attempts, "err", errMsg)
		}
		return nil
	})
	return poisoned, err
}

// RetryPoisoned re-arms a poisoned entry for automatic retry.
func (db *DB) RetryPoisoned(mutationID string) error {
	return db.withWriteLock(func() error {
		res, err := db.conn.Exec(`
			UPDATE write_queue SET status = 'pending', attempts = 0, last_error = ''
			WHERE mutation_id = ? AND status = 'poisoned'
		`, mutationID)
		if err != nil {
			return fmt.Errorf("retry %s: %w", mutationID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("no poisoned entry with mutation id %s", mutationID)
		}
		return nil
	})
}

// Discard drops a queue entry without sending it. If no other pending entry
// remains for the record, its dirty flag is cleared so the local store does
// not advertise a mutation that will never be pushed.
func (db *DB) Discard(mutationID string) error {
	return db.withWriteLock(func() error {
		var collection, recordID string
		err := db.conn.QueryRow(`SELECT collection, record_id FROM write_queue WHERE mutation_id = ?`, mutationID).
			Scan(&collection, &recordID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("no queue entry with mutation id %s", mutationID)
		}
		if err != nil {
			return fmt.Errorf("discard %s: %w", mutationID, err)
		}

		if _, err := db.conn.Exec(`DELETE FROM write_queue WHERE mutation_id = ?`, mutationID); err != nil {
			return fmt.Errorf("discard %s: %w", mutationID, err)
		}

		var remaining int
		if err := db.conn.QueryRow(`
			SELECT COUNT(*) FROM write_queue WHERE collection = ? AND record_id = ?
		`, collection, recordID).Scan(&remaining); err != nil {
			return err
		}
		if remaining == 0 {
			if _, err := db.conn.Exec(`
				UPDATE records SET is_dirty = 0 WHERE collection = ? AND id = ?
			`, collection, recordID); err != nil {
				return err
			}
		}
		return nil
	})
}

// HasPendingMutation reports whether any queue entry (pending or poisoned)
// exists for the record. This is the conflict-deferral predicate: while it
// holds, incoming server values for the record must be buffered, not applied.
func (db *DB) HasPendingMutation(collection, recordID string) (bool, error) {
	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM write_queue WHERE collection = ? AND record_id = ?
	`, collection, recordID).Scan(&count)
	return count > 0, err
}

// PendingCount returns the number of pending entries, optionally per collection.
func (db *DB) PendingCount(collection string) (int64, error) {
	var count int64
	var err error
	if collection == "" {
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM write_queue WHERE status = 'pending'`).Scan(&count)
	} else {
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM write_queue WHERE status = 'pending' AND collection = ?`, collection).Scan(&count)
	}
	return count, err
}

// ListQueue returns all queue entries in sequence order, pending and
// poisoned alike. Used for inspection.
func (db *DB) ListQueue() ([]models.QueueEntry, error) {
	return db.queryEntries(`
		SELECT seq, mutation_id, collection, record_id, operation, payload, status, attempts, last_error, created_at
		FROM write_queue ORDER BY seq ASC`)
}

func (db *DB) queryEntries(query string, args ...any) ([]models.QueueEntry, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var op, status, payload, createdAt string
		if err := rows.Scan(&e.Seq, &e.MutationID, &e.Collection, &e.RecordID, &op, &payload,
			&status, &e.Attempts, &e.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Operation = models.Operation(op)
		e.Status = models.QueueStatus(status)
		e.Payload = json.RawMessage(payload)
		if e.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
