package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marin/pos/internal/db"
	"github.com/marin/pos/internal/models"
	"github.com/marin/pos/internal/syncclient"
)

func newTestBridge(t *testing.T, serverURL string) (*Bridge, *db.DB) {
	t.Helper()
	database, err := db.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	client := syncclient.New(serverURL, "tok", "dev-1")
	return New(database, client, "dev-1"), database
}

func TestApplyEventLandsServerValue(t *testing.T) {
	bridge, database := newTestBridge(t, "http://localhost")

	err := bridge.ApplyEvent(Event{
		EventType:  "update",
		Collection: "products",
		DeviceID:   "dev-2",
		Record: syncclient.WireRecord{
			ID:             "p1",
			Fields:         map[string]any{"name": "Espresso"},
			ServerRevision: "r3",
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	rec, err := database.GetRecord("products", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Fields["name"] != "Espresso" || rec.ServerRevision != "r3" || rec.Dirty {
		t.Errorf("rec = %+v", rec)
	}
}

func TestApplyEventDelete(t *testing.T) {
	bridge, database := newTestBridge(t, "http://localhost")

	database.PutRecord("products", "p1", map[string]any{"name": "Espresso"})
	err := bridge.ApplyEvent(Event{
		EventType:  "delete",
		Collection: "products",
		DeviceID:   "dev-2",
		Record:     syncclient.WireRecord{ID: "p1", ServerRevision: "r4"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	rec, _ := database.GetRecord("products", "p1")
	if !rec.Deleted {
		t.Error("delete event not applied")
	}
}

func TestApplyEventSkipsPendingRecord(t *testing.T) {
	bridge, database := newTestBridge(t, "http://localhost")

	database.PutRecord("products", "p1", map[string]any{"name": "local edit"})
	database.Enqueue(models.OpUpdate, "products", "p1", json.RawMessage(`{"name":"local edit"}`))
	database.MarkDirty("products", "p1")

	err := bridge.ApplyEvent(Event{
		EventType:  "update",
		Collection: "products",
		DeviceID:   "dev-2",
		Record: syncclient.WireRecord{
			ID:             "p1",
			Fields:         map[string]any{"name": "server edit"},
			ServerRevision: "r5",
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	// The pull phase buffers and reconciles; realtime must not clobber the
	// optimistic local value.
	rec, _ := database.GetRecord("products", "p1")
	if rec.Fields["name"] != "local edit" {
		t.Errorf("local value overwritten: %v", rec.Fields)
	}
}

func TestApplyEventIgnoresSelfEcho(t *testing.T) {
	bridge, database := newTestBridge(t, "http://localhost")

	err := bridge.ApplyEvent(Event{
		EventType:  "update",
		Collection: "products",
		DeviceID:   "dev-1", // this device
		Record:     syncclient.WireRecord{ID: "p1", Fields: map[string]any{"name": "echo"}, ServerRevision: "r1"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := database.GetRecord("products", "p1"); err != db.ErrNotFound {
		t.Error("self-originated echo was applied")
	}
}

func TestRunAppliesStreamedEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	events := []Event{
		{
			EventType:  "insert",
			Collection: "orders",
			DeviceID:   "dev-2",
			Record:     syncclient.WireRecord{ID: "o1", Fields: map[string]any{"total": 9.0}, ServerRevision: "r1"},
		},
		{
			EventType:  "update",
			Collection: "orders",
			DeviceID:   "dev-2",
			Record:     syncclient.WireRecord{ID: "o1", Fields: map[string]any{"total": 12.0}, ServerRevision: "r2"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscribe" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ev := range events {
			conn.WriteJSON(ev)
		}
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	bridge, database := newTestBridge(t, srv.URL)

	applied := make(chan Event, len(events))
	bridge.OnApply = func(ev Event) { applied <- ev }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx, []string{"orders"})

	for i := 0; i < len(events); i++ {
		select {
		case <-applied:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	rec, err := database.GetRecord("orders", "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Fields["total"] != 12.0 || rec.ServerRevision != "r2" {
		t.Errorf("rec = %+v, want the later event's value", rec)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	bridge, _ := newTestBridge(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- bridge.Run(ctx, nil) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
