package authcache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marin/pos/internal/models"
)

var testIdentity = models.Identity{
	UserID: "u1",
	Email:  "clerk@example.com",
	Name:   "Front Register",
	Role:   "cashier",
}

// newTestCache returns a cache whose clock the test controls.
func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New(t.TempDir())
	c.now = func() time.Time { return now }
	return c, &now
}

func TestStoreAndLoad(t *testing.T) {
	c, _ := newTestCache(t)

	if err := c.Store(testIdentity, "tok-1"); err != nil {
		t.Fatalf("store: %v", err)
	}
	e, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if e.Identity.Email != testIdentity.Email || e.Token != "tok-1" {
		t.Errorf("entry = %+v", e)
	}
	if got := e.ExpiresAt.Sub(e.CachedAt); got != DefaultWindow {
		t.Errorf("window = %v, want %v", got, DefaultWindow)
	}
}

func TestLoadNoCache(t *testing.T) {
	c, _ := newTestCache(t)
	if _, err := c.Load(); !errors.Is(err, ErrNoCache) {
		t.Fatalf("err = %v, want ErrNoCache", err)
	}
	if c.IsValid() {
		t.Error("empty cache reported valid")
	}
}

func TestValidityAcrossWindow(t *testing.T) {
	c, now := newTestCache(t)
	c.Store(testIdentity, "tok")

	*now = now.Add(6 * 24 * time.Hour)
	if !c.IsValid() {
		t.Error("cache invalid inside the window")
	}
	if days := c.RemainingDays(); days != 1 {
		t.Errorf("remaining days = %d, want 1", days)
	}

	*now = now.Add(2 * 24 * time.Hour)
	if c.IsValid() {
		t.Error("cache valid past the window")
	}
	if days := c.RemainingDays(); days != 0 {
		t.Errorf("remaining days = %d, want 0", days)
	}
}

func TestRefreshExpirySlidesForward(t *testing.T) {
	c, now := newTestCache(t)
	c.Store(testIdentity, "tok")

	*now = now.Add(5 * 24 * time.Hour)
	if err := c.RefreshExpiry(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// The window restarts from the refresh moment.
	*now = now.Add(6 * 24 * time.Hour)
	if !c.IsValid() {
		t.Error("refreshed cache invalid 6 days after refresh")
	}
	*now = now.Add(2 * 24 * time.Hour)
	if c.IsValid() {
		t.Error("refreshed cache valid 8 days after refresh")
	}
}

func TestRefreshExpiryRejectsExpired(t *testing.T) {
	c, now := newTestCache(t)
	c.Store(testIdentity, "tok")

	*now = now.Add(8 * 24 * time.Hour)
	if err := c.RefreshExpiry(); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired (expired cache must not be revived offline)", err)
	}
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(t)
	c.Store(testIdentity, "tok")

	if err := c.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := c.Load(); !errors.Is(err, ErrNoCache) {
		t.Fatalf("err after clear = %v, want ErrNoCache", err)
	}
	// Clearing an already-empty cache is not an error.
	if err := c.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestCacheFilePermissions(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	if err := c.Store(testIdentity, "tok"); err != nil {
		t.Fatalf("store: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, cacheFileName))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("cache file mode = %o, want 0600", perm)
	}
}
