package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache storage backends.
const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
)

// DefaultAppShellFiles is the fixed app-shell asset list fetched at install time.
var DefaultAppShellFiles = []string{
	"/", "/index.html", "/offline.html", "/index.css", "/App.css", "/App.jsx",
	"/main.jsx", "/components/Home.jsx", "/components/Login.jsx", "/components/Register.jsx",
	"/icons/sao_1.png", "/icons/sao_2.png", "/icons/sao_3.png", "/icons/carga.png",
	"/screenshots/cap.png", "/screenshots/cap1.png",
}

// Config represents the top-level offlinegate.yml configuration
type Config struct {
	Listen       string             `yaml:"listen"`
	Origin       string             `yaml:"origin"`
	DataDir      string             `yaml:"data_dir"`
	Log          LogConfig          `yaml:"log"`
	Cache        CacheConfig        `yaml:"cache"`
	Redis        RedisConfig        `yaml:"redis"`
	Store        StoreConfig        `yaml:"store"`
	Interceptor  InterceptorConfig  `yaml:"interceptor"`
	Replay       ReplayConfig       `yaml:"replay"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Push         PushConfig         `yaml:"push"`
}

// LogConfig controls the structured logger
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"` // Empty = stderr
}

// CacheConfig names the two cache namespaces and the shell contents
type CacheConfig struct {
	AppShellName  string   `yaml:"app_shell_name"`
	DynamicName   string   `yaml:"dynamic_name"`
	AppShellFiles []string `yaml:"app_shell_files"`
	OfflinePage   string   `yaml:"offline_page"`
	Backend       string   `yaml:"backend"`         // "sqlite" or "redis"
	MaxEntryBytes int64    `yaml:"max_entry_bytes"` // Responses larger than this are not cached
}

// RedisConfig is used by the redis cache backend and the push subscriber
type RedisConfig struct {
	Addr        string `yaml:"addr,omitempty"`
	Password    string `yaml:"password,omitempty"`
	DB          int    `yaml:"db,omitempty"`
	PushChannel string `yaml:"push_channel,omitempty"`
}

// StoreConfig describes the pending-write database
type StoreConfig struct {
	Database      string `yaml:"database"`
	Version       int    `yaml:"version"`
	EncryptionKey string `yaml:"encryption_key,omitempty"` // Empty = payloads stored as plain JSON
}

// InterceptorConfig tunes submission buffering
type InterceptorConfig struct {
	OfflineMessage string   `yaml:"offline_message"`
	QueuePaths     []string `yaml:"queue_paths,omitempty"` // Empty = every POST is buffered
}

// ReplayConfig drives the replay coordinator and its scheduler
type ReplayConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Tag           string        `yaml:"tag"`
	MarkerHeader  string        `yaml:"marker_header"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	QueueInterval time.Duration `yaml:"queue_interval"`
}

// ConnectivityConfig drives the origin health check
type ConnectivityConfig struct {
	CheckURL string        `yaml:"check_url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PushConfig is the fixed notification presentation
type PushConfig struct {
	Title string `yaml:"title"`
	Icon  string `yaml:"icon"`
}

// Default returns a configuration with every default applied except Origin.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Cache.AppShellName == "" {
		c.Cache.AppShellName = "AppShellv6"
	}
	if c.Cache.DynamicName == "" {
		c.Cache.DynamicName = "DinamicoV6"
	}
	if c.Cache.AppShellFiles == nil {
		c.Cache.AppShellFiles = append([]string(nil), DefaultAppShellFiles...)
	}
	if c.Cache.OfflinePage == "" {
		c.Cache.OfflinePage = "/offline.html"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendSQLite
	}
	if c.Cache.MaxEntryBytes == 0 {
		c.Cache.MaxEntryBytes = 10 << 20
	}

	if c.Store.Database == "" {
		c.Store.Database = "database"
	}
	if c.Store.Version == 0 {
		c.Store.Version = 2
	}

	if c.Interceptor.OfflineMessage == "" {
		c.Interceptor.OfflineMessage = "Datos guardados offline"
	}

	if c.Replay.Tag == "" {
		c.Replay.Tag = "syncUsuarios"
	}
	if c.Replay.MarkerHeader == "" {
		c.Replay.MarkerHeader = "x-from-service-worker"
	}
	if c.Replay.Timeout == 0 {
		c.Replay.Timeout = 30 * time.Second
	}
	if c.Replay.MaxRetries == 0 {
		c.Replay.MaxRetries = 3
	}
	if c.Replay.BackoffBase == 0 {
		c.Replay.BackoffBase = time.Minute
	}
	if c.Replay.QueueInterval == 0 {
		c.Replay.QueueInterval = time.Minute
	}

	if c.Connectivity.Interval == 0 {
		c.Connectivity.Interval = 15 * time.Second
	}
	if c.Connectivity.Timeout == 0 {
		c.Connectivity.Timeout = 5 * time.Second
	}

	if c.Push.Title == "" {
		c.Push.Title = "Notificación"
	}
	if c.Push.Icon == "" {
		c.Push.Icon = "./icons/fut1.png"
	}
}

// applyEnv overlays environment overrides on top of file values
func (c *Config) applyEnv() {
	if v := os.Getenv("OFFLINEGATE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("OFFLINEGATE_ORIGIN"); v != "" {
		c.Origin = v
	}
	if v := os.Getenv("OFFLINEGATE_LISTEN"); v != "" {
		c.Listen = v
	}
}

// Validate applies defaults and performs strict validation on the configuration
func (c *Config) Validate() error {
	c.applyDefaults()

	// Required: origin
	if c.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	origin, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", c.Origin, err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return fmt.Errorf("origin must be an http(s) URL, got scheme %q", origin.Scheme)
	}
	if origin.Host == "" {
		return fmt.Errorf("origin %q has no host", c.Origin)
	}
	c.Origin = strings.TrimSuffix(c.Origin, "/")

	// Derived defaults that depend on origin
	if c.Replay.Endpoint == "" {
		c.Replay.Endpoint = c.Origin + "/auth/register"
	}
	if c.Connectivity.CheckURL == "" {
		c.Connectivity.CheckURL = c.Origin + "/"
	}

	if c.Cache.AppShellName == c.Cache.DynamicName {
		return fmt.Errorf("cache.app_shell_name and cache.dynamic_name must differ (both %q)", c.Cache.AppShellName)
	}
	for _, p := range c.Cache.AppShellFiles {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.app_shell_files: %q must be an absolute path", p)
		}
	}
	if !strings.HasPrefix(c.Cache.OfflinePage, "/") {
		return fmt.Errorf("cache.offline_page: %q must be an absolute path", c.Cache.OfflinePage)
	}
	if c.Cache.MaxEntryBytes < 0 {
		return fmt.Errorf("cache.max_entry_bytes must be >= 0, got %d", c.Cache.MaxEntryBytes)
	}

	switch c.Cache.Backend {
	case CacheBackendSQLite:
	case CacheBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("cache.backend=redis requires redis.addr")
		}
	default:
		return fmt.Errorf("invalid cache.backend: %s (must be 'sqlite' or 'redis')", c.Cache.Backend)
	}
	if c.Redis.PushChannel != "" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.push_channel requires redis.addr")
	}

	if c.Store.Version < 1 {
		return fmt.Errorf("store.version must be >= 1, got %d", c.Store.Version)
	}

	endpoint, err := url.Parse(c.Replay.Endpoint)
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") {
		return fmt.Errorf("replay.endpoint must be an http(s) URL, got %q", c.Replay.Endpoint)
	}
	if c.Replay.Timeout < 0 || c.Replay.BackoffBase < 0 || c.Replay.QueueInterval < 0 {
		return fmt.Errorf("replay durations must be positive")
	}
	if c.Replay.MaxRetries < 1 {
		return fmt.Errorf("replay.max_retries must be >= 1, got %d", c.Replay.MaxRetries)
	}

	if c.Connectivity.Interval < 0 || c.Connectivity.Timeout < 0 {
		return fmt.Errorf("connectivity durations must be positive")
	}

	return nil
}

// OriginURL returns the parsed origin. Call after Validate.
func (c *Config) OriginURL() *url.URL {
	u, _ := url.Parse(c.Origin)
	return u
}

// Load reads and validates offlinegate.yml from the specified path.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
