// Package syncconfig manages the global configuration and device identity
// stored under ~/.config/pos/.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Config is the global config stored at ~/.config/pos/config.json.
type Config struct {
	ServerURL      string `json:"server_url,omitempty"`
	AutoPush       *bool  `json:"auto_push,omitempty"`      // nil = default true
	ProbeInterval  string `json:"probe_interval,omitempty"` // duration string, default "30s"
	SyncInterval   string `json:"sync_interval,omitempty"`  // duration string, default "5m"
	AttemptCeiling int    `json:"attempt_ceiling,omitempty"`
	PushBatchSize  int    `json:"push_batch_size,omitempty"`
	PullLimit      int    `json:"pull_limit,omitempty"`
}

const (
	defaultServerURL     = "http://localhost:8080"
	defaultProbeInterval = 30 * time.Second
	defaultSyncInterval  = 5 * time.Minute
)

// ConfigDir returns ~/.config/pos, creating it if necessary.
// POS_CONFIG_DIR overrides the location.
func ConfigDir() (string, error) {
	if dir := os.Getenv("POS_CONFIG_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create config dir: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "pos")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config, returning defaults when absent.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the global config.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// GetServerURL resolves the server URL: POS_SERVER_URL env, then config,
// then the default.
func GetServerURL() string {
	if url := os.Getenv("POS_SERVER_URL"); url != "" {
		return url
	}
	if cfg, err := LoadConfig(); err == nil && cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return defaultServerURL
}

// AutoPushEnabled reports whether mutating commands should attempt a quick
// push afterwards. POS_AUTO_PUSH env overrides config; default on.
func AutoPushEnabled() bool {
	if v := os.Getenv("POS_AUTO_PUSH"); v != "" {
		return v == "1" || v == "true"
	}
	if cfg, err := LoadConfig(); err == nil && cfg.AutoPush != nil {
		return *cfg.AutoPush
	}
	return true
}

// ProbeInterval returns the connectivity probe interval.
func ProbeInterval() time.Duration {
	if cfg, err := LoadConfig(); err == nil && cfg.ProbeInterval != "" {
		if d, err := time.ParseDuration(cfg.ProbeInterval); err == nil && d > 0 {
			return d
		}
	}
	return defaultProbeInterval
}

// SyncInterval returns the periodic sync interval used while online.
func SyncInterval() time.Duration {
	if cfg, err := LoadConfig(); err == nil && cfg.SyncInterval != "" {
		if d, err := time.ParseDuration(cfg.SyncInterval); err == nil && d > 0 {
			return d
		}
	}
	return defaultSyncInterval
}

// GetDeviceID returns the stable device identity, minting and persisting
// one on first use. It is sent with every mutation and used to ignore
// self-originated realtime events.
func GetDeviceID() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "device.json")

	data, err := os.ReadFile(path)
	if err == nil {
		var d struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(data, &d); err == nil && d.DeviceID != "" {
			return d.DeviceID, nil
		}
	}

	id := uuid.NewString()
	out, err := json.MarshalIndent(map[string]string{"device_id": id}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
