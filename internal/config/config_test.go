package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaultOnFirstRun(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != defaultListen || cfg.Display.PollInterval != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Display.ReconnectDelay != 5*time.Second || again.Display.Rollover != defaultRollover {
		t.Fatalf("reloaded config = %+v", again.Display)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
timezone: Asia/Seoul
room_timezones:
  lobby: America/New_York
display:
  server_url: http://signs.local:8080/
  poll_interval: 45s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Display.PollInterval != 45*time.Second {
		t.Fatalf("poll_interval = %v", cfg.Display.PollInterval)
	}
	if cfg.Display.FreshnessWindow != 60*time.Second {
		t.Fatalf("freshness_window = %v", cfg.Display.FreshnessWindow)
	}
	if cfg.Display.ServerURL != "http://signs.local:8080" {
		t.Fatalf("server_url = %q", cfg.Display.ServerURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Skip("tzdata unavailable:", err)
	}
	if got := cfg.RoomLocation("lobby").String(); got != "America/New_York" {
		t.Fatalf("lobby zone = %s", got)
	}
	if got := cfg.RoomLocation("other").String(); got != "Asia/Seoul" {
		t.Fatalf("default zone = %s", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"ROOMCAL_LISTEN":              ":9090",
		"ROOMCAL_REDIS_ADDR":          "redis:6379",
		"ROOMCAL_REDIS_DB":            "2",
		"ROOMCAL_DEVICE_ID":           "lobby-sign",
		"ROOMCAL_BASIC_AUTH_USERNAME": "admin",
		"ROOMCAL_BASIC_AUTH_PASSWORD": "secret",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9090" || cfg.Relay.Addr != "redis:6379" || cfg.Relay.DB != 2 {
		t.Fatalf("server overrides not applied: %+v", cfg)
	}
	if cfg.Display.DeviceID != "lobby-sign" {
		t.Fatalf("device id = %q", cfg.Display.DeviceID)
	}
	if cfg.BasicAuth == nil || cfg.BasicAuth.Password != "secret" || cfg.Display.BasicAuth == nil {
		t.Fatalf("basic auth = %+v / %+v", cfg.BasicAuth, cfg.Display.BasicAuth)
	}

	env["ROOMCAL_REDIS_DB"] = "two"
	if err := DefaultConfig().ApplyEnv(lookup); err == nil {
		t.Fatal("expected error for non-numeric REDIS_DB")
	}
}

func TestLoadDotenvSkipsMissingFile(t *testing.T) {
	t.Parallel()

	if err := LoadDotenv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}
