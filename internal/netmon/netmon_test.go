package netmon

import (
	"errors"
	"testing"
	"time"
)

// memAnchor is an in-memory AnchorStore.
type memAnchor struct {
	t *time.Time
}

func (m *memAnchor) LastOnlineAt() (*time.Time, error) { return m.t, nil }
func (m *memAnchor) SetLastOnlineAt(t time.Time) error { m.t = &t; return nil }

func newTestMonitor(t *testing.T, store AnchorStore) (*Monitor, *time.Time) {
	t.Helper()
	m, err := New(store)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestStartsOffline(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	if m.Online() {
		t.Error("monitor should start offline until a probe confirms")
	}
}

func TestTransitionEventsFireOncePerEdge(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	events, cancel := m.Subscribe()
	defer cancel()

	m.SetOnline()
	m.SetOnline()
	m.SetOnline()
	m.SetOffline()
	m.SetOffline()
	m.SetOnline()

	want := []Event{EventOnline, EventOffline, EventOnline}
	for i, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Fatalf("event %d = %v, want %v", i, got, w)
			}
		default:
			t.Fatalf("missing event %d (%v)", i, w)
		}
	}
	select {
	case got := <-events:
		t.Fatalf("extra event %v; repeated confirmations must not re-fire", got)
	default:
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	events, cancel := m.Subscribe()
	cancel()

	m.SetOnline()

	// Channel is closed on cancel; no event should arrive.
	if ev, ok := <-events; ok {
		t.Fatalf("received %v after unsubscribe", ev)
	}
}

func TestHasBeenOfflineFor(t *testing.T) {
	m, now := newTestMonitor(t, nil)

	// Never confirmed online: offline for any duration.
	if !m.HasBeenOfflineFor(30 * 24 * time.Hour) {
		t.Error("never-online device should count as offline for any duration")
	}

	m.SetOnline()
	if m.HasBeenOfflineFor(0) {
		t.Error("online device reported offline")
	}

	m.SetOffline()
	*now = now.Add(3 * 24 * time.Hour)
	if !m.HasBeenOfflineFor(2 * 24 * time.Hour) {
		t.Error("3 days offline should satisfy a 2-day threshold")
	}
	if m.HasBeenOfflineFor(4 * 24 * time.Hour) {
		t.Error("3 days offline should not satisfy a 4-day threshold")
	}
}

func TestAnchorPersistedAndSeeded(t *testing.T) {
	store := &memAnchor{}
	m, _ := newTestMonitor(t, store)

	m.SetOnline()
	if store.t == nil {
		t.Fatal("anchor not persisted on confirmed-online")
	}

	// A fresh monitor (restart) seeds from the persisted anchor and starts
	// offline, so the grace-period clock is not reset.
	m2, now2 := newTestMonitor(t, store)
	if m2.Online() {
		t.Error("restarted monitor should start offline")
	}
	*now2 = store.t.Add(3 * 24 * time.Hour)
	if !m2.HasBeenOfflineFor(2 * 24 * time.Hour) {
		t.Error("grace-period math should use the persisted anchor")
	}
}

func TestAnchorKeptOnOffline(t *testing.T) {
	store := &memAnchor{}
	m, _ := newTestMonitor(t, store)

	m.SetOnline()
	anchored := *store.t
	m.SetOffline()
	if store.t == nil || !store.t.Equal(anchored) {
		t.Error("going offline must not move the last-online anchor")
	}
}

func TestProbe(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	m.Probe(func() error { return nil })
	if !m.Online() {
		t.Error("successful probe should move online")
	}
	m.Probe(func() error { return errors.New("refused") })
	if m.Online() {
		t.Error("failed probe should move offline")
	}
}

func TestTimeSinceOnline(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	if got := m.TimeSinceOnline(); got != "never" {
		t.Errorf("never-online = %q, want never", got)
	}
	m.SetOnline()
	if got := m.TimeSinceOnline(); got != "online now" {
		t.Errorf("online = %q, want online now", got)
	}
}
