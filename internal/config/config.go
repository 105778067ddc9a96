// Package config loads offsync settings from a config file, OFFSYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. OFFSYNC_SYNC_MAX_ATTEMPTS.
const EnvPrefix = "OFFSYNC"

// FileName is the config file name searched for without extension.
const FileName = "offsync"

// Config is the full offsync configuration.
type Config struct {
	// Database is the store file path.
	Database string `mapstructure:"database"`
	// BaseURL resolves relative request URLs.
	BaseURL string `mapstructure:"base_url"`

	Log       LogConfig       `mapstructure:"log"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Network   NetworkConfig   `mapstructure:"network"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// SyncConfig controls flushing.
type SyncConfig struct {
	MaxAttempts           int           `mapstructure:"max_attempts"`
	BackoffInitial        time.Duration `mapstructure:"backoff_initial"`
	BackoffMax            time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier     float64       `mapstructure:"backoff_multiplier"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	LeaseTTL              time.Duration `mapstructure:"lease_ttl"`
	IdempotencyHeader     string        `mapstructure:"idempotency_header"`
	AllowPartialMultipart bool          `mapstructure:"allow_partial_multipart"`
}

// NetworkConfig controls connectivity detection.
type NetworkConfig struct {
	// ProbeURL is requested with HEAD to decide whether the API is reachable.
	// Empty means always online.
	ProbeURL     string        `mapstructure:"probe_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
}

// CacheConfig controls the read cache.
type CacheConfig struct {
	// TTL is how long an entry may go without refresh before GC removes it.
	// Zero keeps entries forever.
	TTL time.Duration `mapstructure:"ttl"`
}

// DaemonConfig controls the background daemon.
type DaemonConfig struct {
	InboxDir      string        `mapstructure:"inbox_dir"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	GCInterval    time.Duration `mapstructure:"gc_interval"`
}

// DashboardConfig controls the dashboard server. An empty Addr disables it.
type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Database: filepath.Join(".offsync", "offsync.db"),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sync: SyncConfig{
			MaxAttempts:       50,
			BackoffInitial:    2 * time.Second,
			BackoffMax:        5 * time.Minute,
			BackoffMultiplier: 2,
			RequestTimeout:    30 * time.Second,
			LeaseTTL:          2 * time.Minute,
			IdempotencyHeader: "Idempotency-Key",
		},
		Network: NetworkConfig{
			PollInterval: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		},
		Cache: CacheConfig{
			TTL: 30 * 24 * time.Hour,
		},
		Daemon: DaemonConfig{
			InboxDir:      filepath.Join(".offsync", "inbox"),
			FlushInterval: time.Minute,
			GCInterval:    time.Hour,
		},
		Dashboard: DashboardConfig{
			Addr: "127.0.0.1:7420",
		},
	}
}

// Load reads configuration into v and decodes it.
//
// If path is empty, offsync.{toml,yaml,json} is searched for in the working
// directory, .offsync/ and the user config directory; finding none is fine.
// An explicit path must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	for key, value := range Default().values() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath(".offsync")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "offsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base_url must be an absolute URL (got %q)", c.BaseURL)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative (got %d)", c.Sync.MaxAttempts)
	}
	durations := map[string]time.Duration{
		"sync.backoff_initial":  c.Sync.BackoffInitial,
		"sync.backoff_max":      c.Sync.BackoffMax,
		"sync.request_timeout":  c.Sync.RequestTimeout,
		"sync.lease_ttl":        c.Sync.LeaseTTL,
		"network.poll_interval": c.Network.PollInterval,
		"network.read_timeout":  c.Network.ReadTimeout,
		"cache.ttl":             c.Cache.TTL,
		"daemon.flush_interval": c.Daemon.FlushInterval,
		"daemon.gc_interval":    c.Daemon.GCInterval,
	}
	for key, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative (got %s)", key, d)
		}
	}
	if c.Sync.BackoffMax > 0 && c.Sync.BackoffInitial > c.Sync.BackoffMax {
		return fmt.Errorf("sync.backoff_initial (%s) exceeds sync.backoff_max (%s)", c.Sync.BackoffInitial, c.Sync.BackoffMax)
	}
	// A send must finish well inside the flush lease.
	if c.Sync.RequestTimeout == 0 {
		return fmt.Errorf("sync.request_timeout must be set")
	}
	if c.Sync.RequestTimeout >= c.Sync.LeaseTTL {
		return fmt.Errorf("sync.request_timeout (%s) must be shorter than sync.lease_ttl (%s)", c.Sync.RequestTimeout, c.Sync.LeaseTTL)
	}
	return nil
}

// ParsedBaseURL returns BaseURL parsed, or nil when unset.
func (c *Config) ParsedBaseURL() *url.URL {
	if c.BaseURL == "" {
		return nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil
	}
	return u
}

// values flattens the config into viper keys. Durations are written as
// strings so the same map serves as a readable config file.
func (c *Config) values() map[string]any {
	return map[string]any{
		"database":                     c.Database,
		"base_url":                     c.BaseURL,
		"log.level":                    c.Log.Level,
		"log.format":                   c.Log.Format,
		"log.file":                     c.Log.File,
		"sync.max_attempts":            c.Sync.MaxAttempts,
		"sync.backoff_initial":         c.Sync.BackoffInitial.String(),
		"sync.backoff_max":             c.Sync.BackoffMax.String(),
		"sync.backoff_multiplier":      c.Sync.BackoffMultiplier,
		"sync.request_timeout":         c.Sync.RequestTimeout.String(),
		"sync.lease_ttl":               c.Sync.LeaseTTL.String(),
		"sync.idempotency_header":      c.Sync.IdempotencyHeader,
		"sync.allow_partial_multipart": c.Sync.AllowPartialMultipart,
		"network.probe_url":            c.Network.ProbeURL,
		"network.poll_interval":        c.Network.PollInterval.String(),
		"network.read_timeout":         c.Network.ReadTimeout.String(),
		"cache.ttl":                    c.Cache.TTL.String(),
		"daemon.inbox_dir":             c.Daemon.InboxDir,
		"daemon.flush_interval":        c.Daemon.FlushInterval.String(),
		"daemon.gc_interval":           c.Daemon.GCInterval.String(),
		"dashboard.addr":               c.Dashboard.Addr,
	}
}

// WriteFile writes c as TOML to path. It refuses to overwrite an existing
// file unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := c.WriteTOML(f); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}

// WriteTOML encodes c in config file form, with durations as strings.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(nest(c.values()))
}

// nest turns dotted keys into nested tables.
func nest(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}
	return out
}
