// Package sync reconciles the local store and write queue with the remote
// data service. It is the only component that performs network I/O for
// business data, and the only place retry policy lives.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/marin/pos/internal/db"
	"github.com/marin/pos/internal/models"
	"github.com/marin/pos/internal/syncclient"
)

// Defaults for engine tuning knobs.
const (
	DefaultAttemptCeiling = 5
	DefaultPushBatchSize  = 50
	DefaultPullLimit      = 200
)

// Options tunes an Engine. Zero values take the defaults above.
type Options struct {
	AttemptCeiling int
	PushBatchSize  int
	PullLimit      int
}

// Engine orchestrates sync passes. Passes are single-flight: triggers that
// arrive while a pass is running coalesce into one pending re-run, never a
// concurrent pass.
type Engine struct {
	store    *db.DB
	client   *syncclient.Client
	deviceID string
	opts     Options

	runMu sync.Mutex // serializes passes

	mu        sync.Mutex // guards the fields below
	state     StateName
	percent   int
	lastError string
	running   bool
	pending   bool
	onReject  func(Rejection)
}

// New creates an engine over the local database and remote client.
func New(store *db.DB, client *syncclient.Client, deviceID string, opts Options) *Engine {
	if opts.AttemptCeiling <= 0 {
		opts.AttemptCeiling = DefaultAttemptCeiling
	}
	if opts.PushBatchSize <= 0 {
		opts.PushBatchSize = DefaultPushBatchSize
	}
	if opts.PullLimit <= 0 {
		opts.PullLimit = DefaultPullLimit
	}
	return &Engine{
		store:    store,
		client:   client,
		deviceID: deviceID,
		opts:     opts,
		state:    StateIdle,
	}
}

// OnRejection registers an observer for permanently refused mutations.
func (e *Engine) OnRejection(fn func(Rejection)) {
	e.mu.Lock()
	e.onReject = fn
	e.mu.Unlock()
}

// Status returns a snapshot of the engine state for passive display.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{State: e.state, Percent: e.percent, LastError: e.lastError}
}

// Sync runs one blocking incremental pass.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.pass(ctx, ModeIncremental, "", nil)
}

// FullSync drains pending pushes, then wholesale-replaces local data for
// the given scope from server snapshots. Used to (re)seed a device: a fresh
// store knows no collection names yet, so callers name the collections to
// seed; these are merged with the locally-known ones.
func (e *Engine) FullSync(ctx context.Context, scope string, collections []string) (*Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.pass(ctx, ModeFull, scope, collections)
}

// PushOnly drains the write queue without pulling. Used by the quick
// after-mutation push, where a full pass would be too slow.
func (e *Engine) PushOnly(ctx context.Context) (*Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	result := &Result{Mode: ModeIncremental}
	collections, err := e.store.Collections()
	if err != nil {
		return nil, fmt.Errorf("plan push: %w", err)
	}
	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := e.pushCollection(ctx, collection, result, func(int) {}); err != nil {
			if isStorageErr(err) {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("push %s: %v", collection, err))
		}
	}
	return result, nil
}

// Trigger requests an incremental pass without blocking. A trigger during
// a running pass schedules exactly one re-run after it, regardless of how
// many triggers arrive.
func (e *Engine) Trigger(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.pending = true
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go func() {
		for {
			if _, err := e.Sync(ctx); err != nil {
				slog.Warn("sync pass failed", "err", err)
			}
			e.mu.Lock()
			if !e.pending || ctx.Err() != nil {
				e.running = false
				e.mu.Unlock()
				return
			}
			e.pending = false
			e.mu.Unlock()
		}
	}()
}

// pass runs one full sync pass. Collection-level network failures are
// recorded and the pass moves on; storage failures abort the pass with the
// queue untouched so the next pass retries cleanly.
func (e *Engine) pass(ctx context.Context, mode Mode, scope string, seed []string) (*Result, error) {
	histID, err := e.store.BeginSyncHistory(string(mode))
	if err != nil {
		return nil, fmt.Errorf("record sync start: %w", err)
	}

	e.setState(StateSyncing, 0)
	result := &Result{Mode: mode}

	passErr := e.run(ctx, mode, scope, seed, result)

	errStr := ""
	if passErr != nil {
		errStr = passErr.Error()
	} else if result.Failed() {
		errStr = strings.Join(result.Errors, "; ")
	}
	if err := e.store.FinishSyncHistory(histID, result.Pushed, result.Pulled,
		result.DeferredBuffered, errStr); err != nil {
		slog.Warn("record sync finish", "err", err)
	}

	if passErr != nil || result.Failed() {
		e.finishState(StateError, errStr)
	} else {
		e.finishState(StateIdle, "")
	}
	return result, passErr
}

func (e *Engine) run(ctx context.Context, mode Mode, scope string, seed []string, result *Result) error {
	collections, err := e.store.Collections()
	if err != nil {
		return fmt.Errorf("plan sync: %w", err)
	}
	if len(seed) > 0 {
		known := make(map[string]bool, len(collections))
		for _, c := range collections {
			known[c] = true
		}
		for _, c := range seed {
			if !known[c] {
				collections = append(collections, c)
			}
		}
	}
	if len(collections) == 0 {
		e.setPercent(100)
		return nil
	}

	pending, err := e.store.PendingCount("")
	if err != nil {
		return fmt.Errorf("plan sync: %w", err)
	}
	// One unit per queued mutation, one per collection's pull, one for the
	// deferred-apply step at the end.
	total := int(pending) + len(collections) + 1
	done := 0
	advance := func(units int) {
		done += units
		e.setPercent(done * 100 / total)
	}

	// Push phase. A transient failure stops that collection's pushes for
	// this pass (per-record order must hold) but not the other collections.
	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.pushCollection(ctx, collection, result, advance); err != nil {
			if isStorageErr(err) {
				return err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("push %s: %v", collection, err))
			slog.Warn("push stopped", "collection", collection, "err", err)
		}
	}

	// Pull phase.
	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if mode == ModeFull {
			err = e.pullSnapshot(collection, scope, result)
		} else {
			err = e.pullChanges(ctx, collection, result)
		}
		if err != nil {
			if isStorageErr(err) {
				return err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("pull %s: %v", collection, err))
			slog.Warn("pull failed", "collection", collection, "err", err)
		}
		advance(1)
	}

	// Deferred values whose blocking mutation has since been acknowledged
	// can now land.
	if err := e.applyDeferred(result); err != nil {
		return err
	}
	advance(1)
	e.setPercent(100)
	return nil
}

// pushCollection sends this collection's pending mutations oldest first.
// Returns on the first transient failure so per-record order is preserved;
// the failed entry stays pending for the next trigger.
func (e *Engine) pushCollection(ctx context.Context, collection string, result *Result, advance func(int)) error {
	for {
		batch, err := e.store.DequeueBatch(collection, e.opts.PushBatchSize)
		if err != nil {
			return storageErr(err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, entry := range batch {
			// Cancellation is checked between requests; an in-flight
			// request always runs to completion.
			if err := ctx.Err(); err != nil {
				return err
			}

			resp, err := e.client.SendMutation(&syncclient.MutationRequest{
				ClientMutationID: entry.MutationID,
				DeviceID:         e.deviceID,
				Collection:       entry.Collection,
				Operation:        string(entry.Operation),
				RecordID:         entry.RecordID,
				Payload:          entry.Payload,
			})
			switch {
			case err == nil && resp.Accepted:
				if err := e.acknowledge(entry, resp.ServerRevision); err != nil {
					return storageErr(err)
				}
				result.Pushed++
				advance(1)

			case err == nil: // permanently refused; retrying cannot help
				reason := resp.Error
				if reason == "" {
					reason = resp.ErrorCode
				}
				slog.Warn("mutation rejected", "collection", entry.Collection, "id", entry.RecordID, "reason", reason)
				if err := e.acknowledge(entry, ""); err != nil {
					return storageErr(err)
				}
				result.Rejected++
				e.notifyRejection(Rejection{
					MutationID: entry.MutationID,
					Collection: entry.Collection,
					RecordID:   entry.RecordID,
					Reason:     reason,
				})
				advance(1)

			case errors.Is(err, syncclient.ErrNetwork):
				if _, ferr := e.store.MarkFailed(entry.MutationID, err.Error(), e.opts.AttemptCeiling); ferr != nil {
					return storageErr(ferr)
				}
				return err

			case errors.Is(err, syncclient.ErrUnauthorized):
				return err

			default:
				// Unclassified client-side refusal; same terminal handling
				// as an explicit rejection.
				slog.Warn("mutation refused", "collection", entry.Collection, "id", entry.RecordID, "err", err)
				if aerr := e.acknowledge(entry, ""); aerr != nil {
					return storageErr(aerr)
				}
				result.Rejected++
				e.notifyRejection(Rejection{
					MutationID: entry.MutationID,
					Collection: entry.Collection,
					RecordID:   entry.RecordID,
					Reason:     err.Error(),
				})
				advance(1)
			}
		}
	}
}

// acknowledge removes a confirmed entry and settles the record: the dirty
// flag clears only when no other queued mutation remains for it, and any
// server revision returned with the ack is adopted.
func (e *Engine) acknowledge(entry models.QueueEntry, serverRevision string) error {
	if err := e.store.Acknowledge(entry.MutationID); err != nil {
		return err
	}
	stillPending, err := e.store.HasPendingMutation(entry.Collection, entry.RecordID)
	if err != nil {
		return err
	}
	if !stillPending {
		if err := e.store.ClearDirty(entry.Collection, entry.RecordID); err != nil {
			return err
		}
	}
	if serverRevision != "" {
		if err := e.store.SetServerRevision(entry.Collection, entry.RecordID, serverRevision); err != nil {
			return err
		}
	}
	return nil
}

// pullChanges applies server deltas since the stored cursor. Each batch and
// its cursor move commit in one transaction. Values for records with an
// unacknowledged local mutation are buffered, not applied.
func (e *Engine) pullChanges(ctx context.Context, collection string, result *Result) error {
	cursor, err := e.store.GetCursor(collection)
	if err != nil {
		return storageErr(err)
	}
	since := cursor.Cursor

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := e.client.Changes(collection, since, e.opts.PullLimit)
		if err != nil {
			return err
		}

		if err := e.applyPullBatch(collection, resp.Records, resp.NextCursor, result); err != nil {
			return err
		}

		since = resp.NextCursor
		if !resp.HasMore {
			return nil
		}
	}
}

func (e *Engine) applyPullBatch(collection string, records []syncclient.WireRecord, nextCursor string, result *Result) error {
	tx, err := e.store.Conn().Begin()
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		pending, err := e.store.HasPendingMutation(collection, rec.ID)
		if err != nil {
			return storageErr(err)
		}
		if pending {
			eventType := "update"
			if rec.Deleted {
				eventType = "delete"
			}
			if err := db.BufferDeferredChange(tx, models.DeferredChange{
				Collection:     collection,
				RecordID:       rec.ID,
				EventType:      eventType,
				Fields:         rec.Fields,
				ServerRevision: rec.ServerRevision,
			}); err != nil {
				return storageErr(err)
			}
			result.DeferredBuffered++
			continue
		}

		if err := db.ApplyServerRecord(tx, collection, rec.ID, rec.Fields, rec.ServerRevision, rec.Deleted); err != nil {
			return storageErr(err)
		}
		result.Pulled++
	}

	if nextCursor != "" {
		if err := db.AdvanceCursorTx(tx, collection, nextCursor); err != nil {
			return storageErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

// pullSnapshot replaces a collection's local records with the server's full
// dataset. Records still guarded by a queue entry (undrained or poisoned
// pushes) keep their local value; the snapshot's value for them is buffered
// instead of applied.
func (e *Engine) pullSnapshot(collection, scope string, result *Result) error {
	resp, err := e.client.Snapshot(collection, scope)
	if err != nil {
		return err
	}

	tx, err := e.store.Conn().Begin()
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()

	if err := db.ReplaceCollection(tx, collection); err != nil {
		return storageErr(err)
	}

	for _, rec := range resp.Records {
		pending, err := e.store.HasPendingMutation(collection, rec.ID)
		if err != nil {
			return storageErr(err)
		}
		if pending {
			eventType := "update"
			if rec.Deleted {
				eventType = "delete"
			}
			if err := db.BufferDeferredChange(tx, models.DeferredChange{
				Collection:     collection,
				RecordID:       rec.ID,
				EventType:      eventType,
				Fields:         rec.Fields,
				ServerRevision: rec.ServerRevision,
			}); err != nil {
				return storageErr(err)
			}
			result.DeferredBuffered++
			continue
		}
		if err := db.ApplyServerRecord(tx, collection, rec.ID, rec.Fields, rec.ServerRevision, rec.Deleted); err != nil {
			return storageErr(err)
		}
		result.Pulled++
	}

	if err := db.AdvanceCursorTx(tx, collection, resp.Cursor); err != nil {
		return storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

// applyDeferred lands buffered server values whose blocking mutation has
// been acknowledged. Values still guarded stay buffered for a later pass.
func (e *Engine) applyDeferred(result *Result) error {
	changes, err := e.store.DeferredChanges()
	if err != nil {
		return storageErr(err)
	}
	if len(changes) == 0 {
		return nil
	}

	tx, err := e.store.Conn().Begin()
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()

	for _, ch := range changes {
		pending, err := e.store.HasPendingMutation(ch.Collection, ch.RecordID)
		if err != nil {
			return storageErr(err)
		}
		if pending {
			continue
		}
		if err := db.ApplyServerRecord(tx, ch.Collection, ch.RecordID, ch.Fields,
			ch.ServerRevision, ch.EventType == "delete"); err != nil {
			return storageErr(err)
		}
		if err := db.DropDeferredChange(tx, ch.Collection, ch.RecordID); err != nil {
			return storageErr(err)
		}
		result.DeferredApplied++
	}

	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

func (e *Engine) notifyRejection(r Rejection) {
	e.mu.Lock()
	fn := e.onReject
	e.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (e *Engine) setState(s StateName, percent int) {
	e.mu.Lock()
	e.state = s
	e.percent = percent
	e.mu.Unlock()
}

func (e *Engine) setPercent(p int) {
	e.mu.Lock()
	if p > 100 {
		p = 100
	}
	if p > e.percent {
		e.percent = p
	}
	e.mu.Unlock()
}

func (e *Engine) finishState(s StateName, lastError string) {
	e.mu.Lock()
	e.state = s
	e.percent = 100
	e.lastError = lastError
	e.mu.Unlock()
}

// storageError marks local persistence failures, which abort a pass rather
// than being retried.
type storageError struct{ err error }

func (s *storageError) Error() string { return "storage: " + s.err.Error() }
func (s *storageError) Unwrap() error { return s.err }

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return &storageError{err: err}
}

func isStorageErr(err error) bool {
	var se *storageError
	return errors.As(err, &se)
}
