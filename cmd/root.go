package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/marin/pos/internal/authcache"
	"github.com/marin/pos/internal/db"
	"github.com/marin/pos/internal/models"
	"github.com/marin/pos/internal/syncclient"
	"github.com/marin/pos/internal/syncconfig"
)

var (
	version string
	dataDir string
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "pos",
	Short: "Offline-first point-of-sale client",
	Long: `pos - An offline-first point-of-sale client core.

Reads and writes always hit the local store first; mutations queue durably
and reconcile with the central server whenever connectivity allows.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default $POS_DATA_DIR or ~/.local/share/pos)")
	rootCmd.Version = "dev"
	cobra.OnInitialize(func() {
		if version != "" {
			rootCmd.Version = version
		}
	})
}

// getBaseDir resolves the data directory: flag, then env, then default.
func getBaseDir() string {
	if dataDir != "" {
		return dataDir
	}
	if dir := os.Getenv("POS_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "pos")
}

// openDB opens the local database for the resolved data directory.
func openDB() (*db.DB, error) {
	return db.Open(getBaseDir())
}

// openAuthCache returns the offline auth cache under the config dir.
func openAuthCache() (*authcache.Cache, error) {
	dir, err := syncconfig.ConfigDir()
	if err != nil {
		return nil, err
	}
	return authcache.New(dir), nil
}

// resolveSession returns the usable identity and token, applying the
// offline startup rule: a valid cached authentication is accepted; an
// expired one requires reconnecting and logging in again. There is no
// degraded-identity fallback.
func resolveSession() (*models.Identity, string, error) {
	cache, err := openAuthCache()
	if err != nil {
		return nil, "", err
	}
	entry, err := cache.Load()
	if errors.Is(err, authcache.ErrNoCache) {
		return nil, "", fmt.Errorf("not logged in: run 'pos login'")
	}
	if err != nil {
		return nil, "", err
	}
	if !time.Now().Before(entry.ExpiresAt) {
		return nil, "", fmt.Errorf("%w: reconnect and run 'pos login'", authcache.ErrExpired)
	}
	return &entry.Identity, entry.Token, nil
}

// newClient builds an authenticated client for the configured server.
func newClient() (*syncclient.Client, error) {
	_, token, err := resolveSession()
	if err != nil {
		return nil, err
	}
	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		return nil, err
	}
	return syncclient.New(syncconfig.GetServerURL(), token, deviceID), nil
}
