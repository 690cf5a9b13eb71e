// Package authcache keeps the last successful authentication usable for a
// bounded offline window, so a register keeps working through an outage.
package authcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marin/pos/internal/models"
)

// DefaultWindow is how long a cached authentication stays valid with no
// connectivity. Each confirmed-online refresh slides the window forward.
const DefaultWindow = 7 * 24 * time.Hour

const cacheFileName = "offline_auth.json"

// ErrExpired means the cached authentication is past its window; the user
// must reconnect and re-authenticate.
var ErrExpired = errors.New("offline authentication expired")

// ErrNoCache means no authentication has ever been cached on this device.
var ErrNoCache = errors.New("no cached authentication")

// Entry is the persisted cache contents.
type Entry struct {
	Identity  models.Identity `json:"identity"`
	Token     string          `json:"token"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Cache is a file-backed offline authentication cache.
type Cache struct {
	dir    string
	window time.Duration
	now    func() time.Time
}

// New creates a cache rooted at the given config directory with the
// default window.
func New(dir string) *Cache {
	return &Cache{dir: dir, window: DefaultWindow, now: time.Now}
}

func (c *Cache) path() string {
	return filepath.Join(c.dir, cacheFileName)
}

// Store records a successful online authentication, restarting the window.
func (c *Cache) Store(identity models.Identity, token string) error {
	now := c.now().UTC()
	return c.write(Entry{
		Identity:  identity,
		Token:     token,
		CachedAt:  now,
		ExpiresAt: now.Add(c.window),
	})
}

// Load returns the cached entry regardless of validity, ErrNoCache if none
// exists. Callers check IsValid or compare ExpiresAt themselves when they
// care about the window.
func (c *Cache) Load() (*Entry, error) {
	data, err := os.ReadFile(c.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCache
		}
		return nil, fmt.Errorf("read auth cache: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse auth cache: %w", err)
	}
	return &e, nil
}

// IsValid reports whether a cached authentication exists and is inside its
// window. Expiry is checked lazily; nothing sweeps the file.
func (c *Cache) IsValid() bool {
	e, err := c.Load()
	if err != nil {
		return false
	}
	return c.now().Before(e.ExpiresAt)
}

// RemainingDays returns whole days of offline validity left, floored at 0.
func (c *Cache) RemainingDays() int {
	e, err := c.Load()
	if err != nil {
		return 0
	}
	remaining := e.ExpiresAt.Sub(c.now())
	if remaining <= 0 {
		return 0
	}
	return int(remaining / (24 * time.Hour))
}

// RefreshExpiry slides the window forward from now. Called whenever the
// device confirms connectivity while the cache is still valid, so a user
// who reconnects periodically never hits the wall. The expiry only ever
// moves forward.
func (c *Cache) RefreshExpiry() error {
	e, err := c.Load()
	if err != nil {
		return err
	}
	now := c.now().UTC()
	if !now.Before(e.ExpiresAt) {
		return ErrExpired
	}
	newExpiry := now.Add(c.window)
	if newExpiry.Before(e.ExpiresAt) {
		return nil
	}
	e.ExpiresAt = newExpiry
	return c.write(*e)
}

// Clear removes the cache. Called on explicit logout, never automatically.
func (c *Cache) Clear() error {
	if err := os.Remove(c.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear auth cache: %w", err)
	}
	return nil
}

func (c *Cache) write(e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal auth cache: %w", err)
	}
	if err := os.WriteFile(c.path(), data, 0600); err != nil {
		return fmt.Errorf("write auth cache: %w", err)
	}
	return nil
}
