// Package realtime applies server-confirmed changes pushed over a
// websocket, outside the pull cycle. Delivery is best-effort: if the
// subscription drops nothing is replayed; the next incremental pull is the
// backstop for eventual consistency.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marin/pos/internal/db"
	"github.com/marin/pos/internal/syncclient"
)

// Event is one change notification frame from the server.
type Event struct {
	EventType  string                `json:"event_type"` // insert|update|delete
	Collection string                `json:"collection"`
	DeviceID   string                `json:"device_id,omitempty"` // originating device
	Record     syncclient.WireRecord `json:"record"`
}

// Bridge subscribes to per-collection change notifications and feeds them
// into the local store. Incoming values are already server-confirmed, so
// they bypass the write queue entirely.
type Bridge struct {
	store    *db.DB
	client   *syncclient.Client
	deviceID string
	dialer   *websocket.Dialer

	// OnApply, if set, is called after each event lands locally. Used by
	// the watch command for display.
	OnApply func(Event)
}

// New creates a bridge over the local database and remote client.
func New(store *db.DB, client *syncclient.Client, deviceID string) *Bridge {
	return &Bridge{
		store:    store,
		client:   client,
		deviceID: deviceID,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run connects and applies events until the context is cancelled or the
// connection drops. It returns the connection error; the caller decides
// whether to reconnect (it should only do so while online).
func (b *Bridge) Run(ctx context.Context, collections []string) error {
	url, err := b.client.SubscribeURL(collections)
	if err != nil {
		return err
	}

	header := http.Header{}
	if b.client.Token != "" {
		header.Set("Authorization", "Bearer "+b.client.Token)
	}

	conn, _, err := b.dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer conn.Close()
	slog.Info("realtime subscribed", "collections", collections)

	// Unblock ReadJSON when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := b.apply(ev); err != nil {
			// Storage failures are not something reconnecting fixes.
			return err
		}
	}
}

// apply lands one event using the same conflict rule as the pull phase:
// a record with an unacknowledged local mutation is left alone, and the pull
// phase will buffer and reconcile it. Self-originated events are echoes of
// this device's own pushes and are ignored.
func (b *Bridge) apply(ev Event) error {
	if ev.DeviceID != "" && ev.DeviceID == b.deviceID {
		return nil
	}
	collection := ev.Collection
	if collection == "" {
		collection = ev.Record.Collection
	}
	if collection == "" || ev.Record.ID == "" {
		slog.Warn("realtime event missing collection or id")
		return nil
	}

	pending, err := b.store.HasPendingMutation(collection, ev.Record.ID)
	if err != nil {
		return fmt.Errorf("check pending %s/%s: %w", collection, ev.Record.ID, err)
	}
	if pending {
		slog.Debug("realtime event skipped, local mutation in flight",
			"collection", collection, "id", ev.Record.ID)
		return nil
	}

	tx, err := b.store.Conn().Begin()
	if err != nil {
		return fmt.Errorf("apply event: %w", err)
	}
	defer tx.Rollback()

	deleted := ev.EventType == "delete" || ev.Record.Deleted
	if err := db.ApplyServerRecord(tx, collection, ev.Record.ID, ev.Record.Fields,
		ev.Record.ServerRevision, deleted); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply event: %w", err)
	}

	slog.Debug("realtime event applied", "collection", collection, "id", ev.Record.ID, "type", ev.EventType)
	if b.OnApply != nil {
		b.OnApply(ev)
	}
	return nil
}

// ApplyEvent is the single-event entry point used by tests and by callers
// that receive events through another transport.
func (b *Bridge) ApplyEvent(ev Event) error {
	return b.apply(ev)
}
