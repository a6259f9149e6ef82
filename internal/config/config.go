// Package config manages the tripsync configuration and the .tripsync
// directory holding it next to the local database.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pelletier/go-toml/v2"
)

const (
	Dir          = ".tripsync"
	ConfigFile   = "config"
	DatabaseFile = "tripsync.db"
)

// ErrNotFound is returned when no .tripsync directory exists up to the root.
var ErrNotFound = errors.New("not a tripsync workspace (or any parent up to root)")

// Duration is a time.Duration written as "30s" in the config file.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Config is the device configuration.
type Config struct {
	PodURL       string `toml:"pod_url"`
	Token        string `toml:"token,omitempty"`
	ProgramLabel string `toml:"program_label,omitempty"`
	// DeviceID identifies this device on the trips it creates.
	DeviceID string `toml:"device_id"`

	ImportDays           int      `toml:"import_days"`
	RequestTimeout       Duration `toml:"request_timeout"`
	CacheTTL             Duration `toml:"cache_ttl"`
	SubscriptionInterval Duration `toml:"subscription_interval"`
	RetryMax             int      `toml:"retry_max"`
	RetryInitialBackoff  Duration `toml:"retry_initial_backoff"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	// ForceOffline makes every command behave as if the pod were unreachable.
	ForceOffline bool `toml:"force_offline"`

	path string // path to the .tripsync directory
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	c := &Config{RetryMax: 3}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ImportDays <= 0 {
		c.ImportDays = 15
	}
	if c.RequestTimeout.Duration <= 0 {
		c.RequestTimeout.Duration = 30 * time.Second
	}
	if c.CacheTTL.Duration <= 0 {
		c.CacheTTL.Duration = 5 * time.Minute
	}
	if c.SubscriptionInterval.Duration <= 0 {
		c.SubscriptionInterval.Duration = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryInitialBackoff.Duration <= 0 {
		c.RetryInitialBackoff.Duration = 500 * time.Millisecond
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// FindRoot finds the .tripsync directory by walking up from the current
// directory.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return findRootFrom(dir)
}

func findRootFrom(dir string) (string, error) {
	for {
		p := filepath.Join(dir, Dir)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Load loads the configuration of the enclosing workspace.
func Load() (*Config, error) {
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(root)
}

// LoadFrom loads the configuration stored in the given .tripsync directory.
func LoadFrom(root string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.path = root
	return &cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0600)
}

// Path returns the path to the .tripsync directory
func (c *Config) Path() string {
	return c.path
}

// DatabasePath returns the path to the local bbolt database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.path, DatabaseFile)
}

// Initialize creates a .tripsync directory in the current directory.
func Initialize(podURL string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return InitializeAt(cwd, podURL)
}

// InitializeAt creates a .tripsync directory in dir with a new device id.
func InitializeAt(dir, podURL string) (*Config, error) {
	root := filepath.Join(dir, Dir)
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("tripsync workspace already exists in %s", dir)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}

	cfg := Default()
	cfg.PodURL = strings.TrimRight(podURL, "/")
	cfg.DeviceID = NewDeviceID()
	cfg.path = root

	if err := cfg.Save(); err != nil {
		os.RemoveAll(root)
		return nil, err
	}
	return cfg, nil
}

// NewDeviceID returns a new lexicographically sortable device id.
func NewDeviceID() string {
	return ulid.Make().String()
}

// Level parses LogLevel, defaulting to warn.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Set assigns a field by its config file key, as used by `tripsync config`.
func (c *Config) Set(key, value string) error {
	switch key {
	case "pod_url":
		c.PodURL = strings.TrimRight(value, "/")
	case "token":
		c.Token = value
	case "program_label":
		c.ProgramLabel = value
	case "log_level":
		c.LogLevel = value
	case "log_format":
		c.LogFormat = value
	case "force_offline":
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			c.ForceOffline = true
		case "false", "0", "no":
			c.ForceOffline = false
		default:
			return fmt.Errorf("force_offline: invalid boolean %q", value)
		}
	case "import_days":
		var days int
		if _, err := fmt.Sscanf(value, "%d", &days); err != nil || days <= 0 {
			return fmt.Errorf("import_days: invalid number of days %q", value)
		}
		c.ImportDays = days
	case "request_timeout":
		return c.RequestTimeout.UnmarshalText([]byte(value))
	case "cache_ttl":
		return c.CacheTTL.UnmarshalText([]byte(value))
	case "subscription_interval":
		return c.SubscriptionInterval.UnmarshalText([]byte(value))
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}
