package db

import (
	"testing"
	"time"

	"github.com/marin/pos/internal/models"
)

func TestCursorRoundTrip(t *testing.T) {
	database := newTestDB(t)

	c, err := database.GetCursor("products")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if c.Cursor != "" || c.PulledAt != nil {
		t.Fatalf("never-pulled cursor = %+v, want empty", c)
	}

	if err := database.AdvanceCursor("products", "cur-42"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	c, err = database.GetCursor("products")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if c.Cursor != "cur-42" {
		t.Errorf("cursor = %q, want cur-42", c.Cursor)
	}
	if c.PulledAt == nil {
		t.Error("pulled_at not stamped")
	}

	if err := database.ResetCursor("products"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	c, _ = database.GetCursor("products")
	if c.Cursor != "" {
		t.Errorf("cursor after reset = %q, want empty", c.Cursor)
	}
}

func TestAdvanceCursorTxAtomicWithBatch(t *testing.T) {
	database := newTestDB(t)

	tx, err := database.Conn().Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ApplyServerRecord(tx, "products", "p1", map[string]any{"v": 1}, "r1", false); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := AdvanceCursorTx(tx, "products", "cur-1"); err != nil {
		t.Fatalf("advance in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	// Rolled back together: neither the record nor the cursor moved.
	if _, err := database.GetRecord("products", "p1"); err != ErrNotFound {
		t.Errorf("record applied despite rollback: %v", err)
	}
	c, _ := database.GetCursor("products")
	if c.Cursor != "" {
		t.Errorf("cursor advanced despite rollback: %q", c.Cursor)
	}
}

func TestDeferredChangeNewestWins(t *testing.T) {
	database := newTestDB(t)

	buffer := func(revision string, v int) {
		t.Helper()
		tx, err := database.Conn().Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		err = BufferDeferredChange(tx, models.DeferredChange{
			Collection:     "products",
			RecordID:       "p1",
			EventType:      "update",
			Fields:         map[string]any{"v": v},
			ServerRevision: revision,
		})
		if err != nil {
			t.Fatalf("buffer: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	buffer("r1", 1)
	buffer("r2", 2)

	changes, err := database.DeferredChanges()
	if err != nil {
		t.Fatalf("list deferred: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("deferred = %d entries, want 1 (newer replaces older)", len(changes))
	}
	if changes[0].ServerRevision != "r2" {
		t.Errorf("kept revision %q, want r2", changes[0].ServerRevision)
	}

	tx, _ := database.Conn().Begin()
	if err := DropDeferredChange(tx, "products", "p1"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	tx.Commit()
	if n, _ := database.DeferredCount(); n != 0 {
		t.Errorf("deferred count = %d after drop, want 0", n)
	}
}

func TestLastOnlineAnchorRoundTrip(t *testing.T) {
	database := newTestDB(t)

	anchor, err := database.LastOnlineAt()
	if err != nil {
		t.Fatalf("read anchor: %v", err)
	}
	if anchor != nil {
		t.Fatalf("fresh db anchor = %v, want nil", anchor)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := database.SetLastOnlineAt(now); err != nil {
		t.Fatalf("set anchor: %v", err)
	}
	anchor, err = database.LastOnlineAt()
	if err != nil {
		t.Fatalf("read anchor: %v", err)
	}
	if anchor == nil || !anchor.Equal(now) {
		t.Errorf("anchor = %v, want %v", anchor, now)
	}
}

func TestSyncHistoryTailAndLastError(t *testing.T) {
	database := newTestDB(t)

	id1, err := database.BeginSyncHistory("incremental")
	if err != nil {
		t.Fatalf("begin history: %v", err)
	}
	if err := database.FinishSyncHistory(id1, 3, 7, 0, ""); err != nil {
		t.Fatalf("finish history: %v", err)
	}
	id2, _ := database.BeginSyncHistory("incremental")
	database.FinishSyncHistory(id2, 0, 0, 0, "network unreachable")

	tail, err := database.SyncHistoryTail(5)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != id2 {
		t.Fatalf("tail = %v, want newest first", tail)
	}
	if tail[1].Pushed != 3 || tail[1].Pulled != 7 {
		t.Errorf("counts = %d/%d, want 3/7", tail[1].Pushed, tail[1].Pulled)
	}

	lastErr, err := database.LastSyncError()
	if err != nil {
		t.Fatalf("last error: %v", err)
	}
	if lastErr != "network unreachable" {
		t.Errorf("last error = %q", lastErr)
	}
}
