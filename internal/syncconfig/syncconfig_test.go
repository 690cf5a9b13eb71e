package syncconfig

import (
	"testing"
	"time"
)

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("POS_CONFIG_DIR", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if cfg.ServerURL != "" {
		t.Errorf("fresh config = %+v", cfg)
	}

	off := false
	cfg.ServerURL = "https://pos.example.com"
	cfg.AutoPush = &off
	cfg.ProbeInterval = "10s"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.ServerURL != "https://pos.example.com" {
		t.Errorf("server url = %q", loaded.ServerURL)
	}
	if loaded.AutoPush == nil || *loaded.AutoPush {
		t.Error("auto_push not persisted")
	}
}

func TestGetServerURLPrecedence(t *testing.T) {
	t.Setenv("POS_CONFIG_DIR", t.TempDir())
	t.Setenv("POS_SERVER_URL", "")

	if got := GetServerURL(); got != defaultServerURL {
		t.Errorf("default url = %q", got)
	}

	SaveConfig(&Config{ServerURL: "https://config.example.com"})
	if got := GetServerURL(); got != "https://config.example.com" {
		t.Errorf("config url = %q", got)
	}

	t.Setenv("POS_SERVER_URL", "https://env.example.com")
	if got := GetServerURL(); got != "https://env.example.com" {
		t.Errorf("env should win: %q", got)
	}
}

func TestAutoPushEnabled(t *testing.T) {
	t.Setenv("POS_CONFIG_DIR", t.TempDir())
	t.Setenv("POS_AUTO_PUSH", "")

	if !AutoPushEnabled() {
		t.Error("auto push should default on")
	}

	off := false
	SaveConfig(&Config{AutoPush: &off})
	if AutoPushEnabled() {
		t.Error("config auto_push=false ignored")
	}

	t.Setenv("POS_AUTO_PUSH", "1")
	if !AutoPushEnabled() {
		t.Error("env override ignored")
	}
}

func TestIntervals(t *testing.T) {
	t.Setenv("POS_CONFIG_DIR", t.TempDir())

	if got := ProbeInterval(); got != defaultProbeInterval {
		t.Errorf("probe interval = %v", got)
	}
	SaveConfig(&Config{ProbeInterval: "10s", SyncInterval: "90s"})
	if got := ProbeInterval(); got != 10*time.Second {
		t.Errorf("probe interval = %v", got)
	}
	if got := SyncInterval(); got != 90*time.Second {
		t.Errorf("sync interval = %v", got)
	}

	// Garbage durations fall back to defaults.
	SaveConfig(&Config{ProbeInterval: "soon"})
	if got := ProbeInterval(); got != defaultProbeInterval {
		t.Errorf("probe interval = %v, want default on bad value", got)
	}
}

func TestGetDeviceIDStable(t *testing.T) {
	t.Setenv("POS_CONFIG_DIR", t.TempDir())

	first, err := GetDeviceID()
	if err != nil {
		t.Fatalf("mint device id: %v", err)
	}
	if first == "" {
		t.Fatal("empty device id")
	}
	second, err := GetDeviceID()
	if err != nil {
		t.Fatalf("reread device id: %v", err)
	}
	if first != second {
		t.Errorf("device id changed across calls: %q vs %q", first, second)
	}
}
