package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Endpoint kinds.
const (
	KindWebDAV = "webdav"
	KindREST   = "rest"
	KindS3     = "s3"
	KindLocal  = "local"
)

// Config holds all application configuration.
type Config struct {
	// Remote storage endpoints in configuration order
	Endpoints []EndpointConfig `mapstructure:"endpoints" json:"endpoints"`

	// Request routing, health and caching
	Router RouterConfig `mapstructure:"router" json:"router"`

	// Key derivation
	Crypto CryptoConfig `mapstructure:"crypto" json:"crypto"`

	// Sync behavior
	Sync SyncConfig `mapstructure:"sync" json:"sync"`

	// This installation
	Device DeviceConfig `mapstructure:"device" json:"device"`

	// OAuth client for REST endpoints
	OAuth OAuthConfig `mapstructure:"oauth" json:"oauth"`

	// Local state paths
	Storage StorageConfig `mapstructure:"storage" json:"storage"`

	// Logging
	Log LogConfig `mapstructure:"log" json:"log"`

	// Prometheus exposition
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`

	// Development options
	Dev DevConfig `mapstructure:"dev" json:"dev,omitempty"`
}

// EndpointConfig is a tagged union: Kind selects which of WebDAV, REST, S3
// or Local must be set.
type EndpointConfig struct {
	Name     string `mapstructure:"name" json:"name"`
	Kind     string `mapstructure:"kind" json:"kind"`
	Priority int    `mapstructure:"priority" json:"priority"` // lower is preferred
	Disabled bool   `mapstructure:"disabled" json:"disabled,omitempty"`

	WebDAV *WebDAVConfig `mapstructure:"webdav" json:"webdav,omitempty"`
	REST   *RESTConfig   `mapstructure:"rest" json:"rest,omitempty"`
	S3     *S3Config     `mapstructure:"s3" json:"s3,omitempty"`
	Local  *LocalConfig  `mapstructure:"local" json:"local,omitempty"`
}

// WebDAVConfig for a hierarchical file server.
type WebDAVConfig struct {
	ServerURL  string        `mapstructure:"server_url" json:"server_url"`
	Username   string        `mapstructure:"username" json:"username"`
	Password   string        `mapstructure:"password" json:"password,omitempty"`
	FolderName string        `mapstructure:"folder_name" json:"folder_name"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
}

// RESTConfig for a token-authenticated object API.
type RESTConfig struct {
	APIURL     string        `mapstructure:"api_url" json:"api_url"`
	UploadURL  string        `mapstructure:"upload_url" json:"upload_url"`
	FolderName string        `mapstructure:"folder_name" json:"folder_name"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`

	// AccessToken is used as-is when no OAuth client is configured
	AccessToken string `mapstructure:"access_token" json:"access_token,omitempty"`
}

// S3Config for an S3-compatible bucket.
type S3Config struct {
	Bucket          string `mapstructure:"bucket" json:"bucket"`
	Prefix          string `mapstructure:"prefix" json:"prefix"`
	Region          string `mapstructure:"region" json:"region"`
	Endpoint        string `mapstructure:"endpoint" json:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" json:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" json:"secret_access_key,omitempty"`
	UsePathStyle    bool   `mapstructure:"use_path_style" json:"use_path_style,omitempty"`
}

// LocalConfig for a directory on a mounted share or second disk.
type LocalConfig struct {
	Root string `mapstructure:"root" json:"root"`
}

// RouterConfig for failover behaviour.
type RouterConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" json:"cooldown"`
	HealthInterval   time.Duration `mapstructure:"health_interval" json:"health_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	DegradedLatency  time.Duration `mapstructure:"degraded_latency" json:"degraded_latency"`
	MaxRetries       int           `mapstructure:"max_retries" json:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
	Cache            CacheConfig   `mapstructure:"cache" json:"cache"`
}

// CacheConfig for the response cache.
type CacheConfig struct {
	MaxEntries int                      `mapstructure:"max_entries" json:"max_entries"`
	DefaultTTL time.Duration            `mapstructure:"default_ttl" json:"default_ttl"`
	MaxStale   time.Duration            `mapstructure:"max_stale" json:"max_stale"`
	TTLs       map[string]time.Duration `mapstructure:"ttls" json:"ttls,omitempty"` // by blob context
}

// CryptoConfig for key derivation.
type CryptoConfig struct {
	Iterations int    `mapstructure:"iterations" json:"iterations"`
	SaltFile   string `mapstructure:"salt_file" json:"salt_file"`
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent" json:"max_concurrent"` // parallel transfers during re-encryption
}

// DeviceConfig describes the local device.
type DeviceConfig struct {
	Class string `mapstructure:"class" json:"class"` // mobile, tablet or desktop
	Name  string `mapstructure:"name" json:"name,omitempty"`
}

// OAuthConfig for the authorization-code flow.
type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id" json:"client_id,omitempty"`
	ClientSecret string   `mapstructure:"client_secret" json:"client_secret,omitempty"`
	AuthURL      string   `mapstructure:"auth_url" json:"auth_url,omitempty"`
	TokenURL     string   `mapstructure:"token_url" json:"token_url,omitempty"`
	RedirectURL  string   `mapstructure:"redirect_url" json:"redirect_url,omitempty"`
	Scopes       []string `mapstructure:"scopes" json:"scopes,omitempty"`
}

// Configured reports whether enough is set to run the flow.
func (o OAuthConfig) Configured() bool {
	return o.ClientID != "" && o.AuthURL != "" && o.TokenURL != ""
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir     string `mapstructure:"data_dir" json:"data_dir"`         // Base directory for all data
	DeviceStore string `mapstructure:"device_store" json:"device_store"` // json or sqlite
	DeviceFile  string `mapstructure:"device_file" json:"device_file"`
	DeviceDB    string `mapstructure:"device_db" json:"device_db"`
	TokenFile   string `mapstructure:"token_file" json:"token_file"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level     string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format    string `mapstructure:"format" json:"format"` // text, json
	File      string `mapstructure:"file" json:"file"`     // Log file path (empty = stderr)
	Color     bool   `mapstructure:"color" json:"color"`
	Timestamp bool   `mapstructure:"timestamp" json:"timestamp"`
}

// MetricsConfig for Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Listen  string `mapstructure:"listen" json:"listen"`
}

// DevConfig for development/debugging.
type DevConfig struct {
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".habitsync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".habitsync")
	}

	return &Config{
		Router: RouterConfig{
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
			HealthInterval:   time.Minute,
			RequestTimeout:   30 * time.Second,
			DegradedLatency:  2 * time.Second,
			MaxRetries:       3,
			RetryDelay:       time.Second,
			Cache: CacheConfig{
				MaxEntries: 256,
				DefaultTTL: 5 * time.Minute,
				MaxStale:   24 * time.Hour,
			},
		},
		Crypto: CryptoConfig{
			Iterations: 100000,
			SaltFile:   filepath.Join(dataDir, "salt"),
		},
		Sync: SyncConfig{
			MaxConcurrent: 4,
		},
		Device: DeviceConfig{
			Class: "desktop",
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			DeviceStore: "json",
			DeviceFile:  filepath.Join(dataDir, "devices.json"),
			DeviceDB:    filepath.Join(dataDir, "devices.db"),
			TokenFile:   filepath.Join(dataDir, "token.json"),
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			Color:     true,
			Timestamp: true,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Router.FailureThreshold <= 0 {
		return errors.New("router.failure_threshold must be positive")
	}

	if c.Router.Cooldown <= 0 {
		return errors.New("router.cooldown must be positive")
	}

	if c.Router.RequestTimeout <= 0 {
		return errors.New("router.request_timeout must be positive")
	}

	if c.Router.HealthInterval <= 0 {
		return errors.New("router.health_interval must be positive")
	}

	if c.Router.MaxRetries < 0 {
		return errors.New("router.max_retries must not be negative")
	}

	if c.Router.Cache.MaxEntries <= 0 {
		return errors.New("router.cache.max_entries must be positive")
	}

	if c.Router.Cache.DefaultTTL <= 0 {
		return errors.New("router.cache.default_ttl must be positive")
	}

	if c.Crypto.Iterations < 100000 {
		return fmt.Errorf("crypto.iterations must be at least 100000, got %d", c.Crypto.Iterations)
	}

	if c.Sync.MaxConcurrent <= 0 {
		return errors.New("sync.max_concurrent must be positive")
	}

	validClasses := map[string]bool{"mobile": true, "tablet": true, "desktop": true}
	if !validClasses[c.Device.Class] {
		return fmt.Errorf("invalid device.class: %s", c.Device.Class)
	}

	validStores := map[string]bool{"json": true, "sqlite": true}
	if !validStores[c.Storage.DeviceStore] {
		return fmt.Errorf("invalid storage.device_store: %s", c.Storage.DeviceStore)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d].name is required", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint name: %s", ep.Name)
		}
		seen[ep.Name] = true

		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}
	}

	return nil
}

// Validate checks that exactly the variant named by Kind is populated.
func (e *EndpointConfig) Validate() error {
	set := 0
	for _, present := range []bool{e.WebDAV != nil, e.REST != nil, e.S3 != nil, e.Local != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of webdav, rest, s3, local must be set, got %d", set)
	}

	switch e.Kind {
	case KindWebDAV:
		if e.WebDAV == nil {
			return errors.New("kind webdav requires a webdav section")
		}
		if e.WebDAV.ServerURL == "" {
			return errors.New("webdav.server_url is required")
		}
	case KindREST:
		if e.REST == nil {
			return errors.New("kind rest requires a rest section")
		}
		if e.REST.APIURL == "" || e.REST.UploadURL == "" {
			return errors.New("rest.api_url and rest.upload_url are required")
		}
	case KindS3:
		if e.S3 == nil {
			return errors.New("kind s3 requires an s3 section")
		}
		if e.S3.Bucket == "" {
			return errors.New("s3.bucket is required")
		}
	case KindLocal:
		if e.Local == nil {
			return errors.New("kind local requires a local section")
		}
		if e.Local.Root == "" {
			return errors.New("local.root is required")
		}
	default:
		return fmt.Errorf("unknown endpoint kind: %q", e.Kind)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DeviceFile),
		filepath.Dir(c.Storage.DeviceDB),
		filepath.Dir(c.Storage.TokenFile),
		filepath.Dir(c.Crypto.SaltFile),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
