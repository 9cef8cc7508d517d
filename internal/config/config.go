package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	appLog "roomcal/internal/log"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment overrides are applied separately by ApplyEnv.

const (
	defaultListen          = "127.0.0.1:8080"
	defaultTimezone        = "UTC"
	defaultDatabasePath    = "roomcal.db"
	defaultLogLevel        = "info"
	defaultServerURL       = "http://127.0.0.1:8080"
	defaultReconnectDelay  = 5 * time.Second
	defaultPollInterval    = 30 * time.Second
	defaultStaleAfter      = 30 * time.Second
	defaultFreshnessWindow = 60 * time.Second
	defaultRollover        = "0 0 * * *"
	defaultBatteryI2CAddr  = 0x57
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RelayConfig enables cross-instance fan-out over Redis pub/sub. An empty
// Addr disables it.
type RelayConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"`
}

// DisplayConfig configures the roomsign display agent.
type DisplayConfig struct {
	// ServerURL is the base URL of the roomcal server.
	ServerURL string `yaml:"server_url" json:"server_url"`
	TenantID  string `yaml:"tenant_id" json:"tenant_id"`
	RoomID    string `yaml:"room_id" json:"room_id"`
	DeviceID  string `yaml:"device_id" json:"device_id"`

	// Timezone is the room's IANA zone. Empty means the top-level Timezone.
	Timezone string `yaml:"timezone" json:"timezone"`

	ReconnectDelay  time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
	StaleAfter      time.Duration `yaml:"stale_after" json:"stale_after"`
	FreshnessWindow time.Duration `yaml:"freshness_window" json:"freshness_window"`

	// Rollover is a cron spec (e.g. "0 0 * * *") evaluated in the room
	// timezone; each firing forces a fetch for the new day.
	Rollover string `yaml:"rollover" json:"rollover"`

	// BatteryI2CBus / BatteryI2CAddr select the battery gauge. An empty bus
	// means the periph default bus.
	BatteryI2CBus  string `yaml:"battery_i2c_bus" json:"battery_i2c_bus"`
	BatteryI2CAddr uint16 `yaml:"battery_i2c_addr" json:"battery_i2c_addr"`

	// CacheDir keeps the last event list for offline boot. Empty disables it.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// BasicAuth, if set, is sent with every request to the server.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// Config is the top-level application configuration, shared by the server
// and the display agent.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the default IANA timezone for rooms (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RoomTimezones overrides Timezone per room id.
	RoomTimezones map[string]string `yaml:"room_timezones" json:"room_timezones"`

	DatabasePath string `yaml:"database_path" json:"database_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Relay RelayConfig `yaml:"relay" json:"relay"`

	Display DisplayConfig `yaml:"display" json:"display"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:        defaultListen,
		Timezone:      defaultTimezone,
		RoomTimezones: map[string]string{},
		DatabasePath:  defaultDatabasePath,
		LogLevel:      defaultLogLevel,
		Display: DisplayConfig{
			ServerURL:       defaultServerURL,
			TenantID:        "default",
			RoomID:          "main",
			ReconnectDelay:  defaultReconnectDelay,
			PollInterval:    defaultPollInterval,
			StaleAfter:      defaultStaleAfter,
			FreshnessWindow: defaultFreshnessWindow,
			Rollover:        defaultRollover,
			BatteryI2CAddr:  defaultBatteryI2CAddr,
		},
	}
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RoomTimezones == nil {
		c.RoomTimezones = map[string]string{}
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		c.LogLevel = defaultLogLevel
	}

	d := &c.Display
	if d.ServerURL == "" {
		d.ServerURL = defaultServerURL
	}
	d.ServerURL = strings.TrimRight(d.ServerURL, "/")
	if d.ReconnectDelay <= 0 {
		d.ReconnectDelay = defaultReconnectDelay
	}
	if d.PollInterval <= 0 {
		d.PollInterval = defaultPollInterval
	}
	if d.StaleAfter <= 0 {
		d.StaleAfter = defaultStaleAfter
	}
	if d.FreshnessWindow <= 0 {
		d.FreshnessWindow = defaultFreshnessWindow
	}
	if d.Rollover == "" {
		d.Rollover = defaultRollover
	}
	if d.BatteryI2CAddr == 0 {
		d.BatteryI2CAddr = defaultBatteryI2CAddr
	}
}

// Location returns the default room timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// RoomLocation returns the timezone for roomID, falling back to the
// default zone and then UTC when a name does not load.
func (c *Config) RoomLocation(roomID string) *time.Location {
	if name, ok := c.RoomTimezones[roomID]; ok && name != "" {
		loc, err := time.LoadLocation(name)
		if err == nil {
			return loc
		}
		appLog.Warn("config: invalid room timezone, using default", "room_id", roomID, "timezone", name, "err", err)
	}
	loc, err := c.Location()
	if err != nil {
		appLog.Warn("config: invalid timezone, using UTC", "timezone", c.Timezone, "err", err)
		return time.UTC
	}
	return loc
}

// DisplayLocation returns the display's room timezone.
func (c *Config) DisplayLocation() (*time.Location, error) {
	name := c.Display.Timezone
	if name == "" {
		name = c.Timezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("display timezone %q: %w", name, err)
	}
	return loc, nil
}

// Validate reports settings that cannot work at all.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	for room, name := range c.RoomTimezones {
		if _, err := time.LoadLocation(name); err != nil {
			return fmt.Errorf("room_timezones[%s] %q: %w", room, name, err)
		}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		return errors.New("basic_auth.username is empty")
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			appLog.Info("config: wrote default config", "path", path)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// LoadDotenv loads KEY=value files into the process environment. Missing
// files are skipped; variables already set win over file values.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
		appLog.Debug("config: loaded dotenv file", "path", p)
	}
	return nil
}

// EnvPrefix namespaces every environment override.
const EnvPrefix = "ROOMCAL_"

// ApplyEnv overrides file values with ROOMCAL_* variables found by lookup
// (normally os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN", &c.Listen)
	str("TIMEZONE", &c.Timezone)
	str("DATABASE_PATH", &c.DatabasePath)
	str("LOG_LEVEL", &c.LogLevel)
	str("REDIS_ADDR", &c.Relay.Addr)
	str("REDIS_PASSWORD", &c.Relay.Password)
	str("REDIS_CHANNEL", &c.Relay.Channel)
	str("SERVER_URL", &c.Display.ServerURL)
	str("TENANT_ID", &c.Display.TenantID)
	str("ROOM_ID", &c.Display.RoomID)
	str("DEVICE_ID", &c.Display.DeviceID)
	str("CACHE_DIR", &c.Display.CacheDir)

	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Relay.DB = db
	}

	user, hasUser := lookup(EnvPrefix + "BASIC_AUTH_USERNAME")
	pass, _ := lookup(EnvPrefix + "BASIC_AUTH_PASSWORD")
	if hasUser && user != "" {
		c.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
		c.Display.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}

	c.Normalize()
	return nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".roomcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
