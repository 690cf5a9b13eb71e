// Package netmon is the single source of truth for connectivity. All
// transition writes happen here; everyone else reads the state or
// subscribes to transition events.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Event is a connectivity transition.
type Event int

const (
	EventOnline Event = iota
	EventOffline
)

// State is the process-wide connectivity snapshot.
type State struct {
	Online       bool
	LastOnlineAt *time.Time // last confirmed online moment, survives restarts
	CameOnlineAt *time.Time // set on the most recent offline->online edge
}

// AnchorStore persists the last-online anchor so a restart while offline
// does not reset the grace-period clock.
type AnchorStore interface {
	LastOnlineAt() (*time.Time, error)
	SetLastOnlineAt(time.Time) error
}

// Monitor tracks online/offline transitions and dispatches exactly one
// event per state change, regardless of how often a probe confirms the
// same state.
type Monitor struct {
	mu      sync.Mutex
	state   State
	store   AnchorStore
	subs    map[int]chan Event
	nextSub int
	now     func() time.Time
}

// New creates a monitor starting offline, seeded with any persisted anchor.
// The first successful probe moves it online.
func New(store AnchorStore) (*Monitor, error) {
	m := &Monitor{
		store: store,
		subs:  make(map[int]chan Event),
		now:   time.Now,
	}
	if store != nil {
		last, err := store.LastOnlineAt()
		if err != nil {
			return nil, err
		}
		m.state.LastOnlineAt = last
	}
	return m, nil
}

// State returns a copy of the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the device is currently online.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online
}

// SetOnline records a confirmed-online moment. On an offline->online edge
// it dispatches a single EventOnline; while already online it only
// refreshes the anchor.
func (m *Monitor) SetOnline() {
	m.mu.Lock()
	now := m.now()
	wasOnline := m.state.Online
	m.state.Online = true
	m.state.LastOnlineAt = &now
	if !wasOnline {
		m.state.CameOnlineAt = &now
	}
	m.mu.Unlock()

	m.persistAnchor(now)
	if !wasOnline {
		slog.Info("network online")
		m.dispatch(EventOnline)
	}
}

// SetOffline records loss of connectivity. The last-online anchor is kept;
// it is the basis for grace-period math.
func (m *Monitor) SetOffline() {
	m.mu.Lock()
	wasOnline := m.state.Online
	m.state.Online = false
	m.state.CameOnlineAt = nil
	m.mu.Unlock()

	if wasOnline {
		slog.Info("network offline")
		m.dispatch(EventOffline)
	}
}

// HasBeenOfflineFor reports whether the device is offline and has been for
// at least d. A device that has never confirmed connectivity counts as
// offline for any duration.
func (m *Monitor) HasBeenOfflineFor(d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Online {
		return false
	}
	if m.state.LastOnlineAt == nil {
		return true
	}
	return m.now().Sub(*m.state.LastOnlineAt) >= d
}

// TimeSinceOnline returns a human description of the last confirmed online
// moment. Presentational only; control decisions use HasBeenOfflineFor.
func (m *Monitor) TimeSinceOnline() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Online {
		return "online now"
	}
	if m.state.LastOnlineAt == nil {
		return "never"
	}
	return humanize.Time(*m.state.LastOnlineAt)
}

// Subscribe registers for transition events. The returned cancel func must
// be called to unsubscribe; repeated Subscribe calls get independent
// channels, so re-subscription cannot double-deliver to one consumer.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, 4)
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Monitor) dispatch(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it will catch up from State() anyway.
		}
	}
}

func (m *Monitor) persistAnchor(t time.Time) {
	if m.store == nil {
		return
	}
	if err := m.store.SetLastOnlineAt(t); err != nil {
		slog.Warn("persist last-online anchor", "err", err)
	}
}

// Probe applies the outcome of one connectivity check.
func (m *Monitor) Probe(check func() error) {
	if err := check(); err != nil {
		slog.Debug("connectivity probe failed", "err", err)
		m.SetOffline()
		return
	}
	m.SetOnline()
}

// Run probes connectivity on the given interval until the context is
// cancelled. An immediate first probe runs before the first tick.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, check func() error) {
	m.Probe(check)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(check)
		}
	}
}
