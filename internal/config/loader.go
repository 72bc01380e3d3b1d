package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g.
// HABITSYNC_LOG_LEVEL=debug or HABITSYNC_ROUTER_COOLDOWN=10s.
const EnvPrefix = "HABITSYNC"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	searchDirs []string
}

// NewLoader creates a config loader. An empty path searches the default
// locations for habitsync.{yaml,yml,json,toml}.
func NewLoader(configPath string) *Loader {
	l := &Loader{configPath: configPath}
	l.searchDirs = []string{"."}
	if homeDir, err := os.UserHomeDir(); err == nil {
		l.searchDirs = append(l.searchDirs,
			filepath.Join(homeDir, ".config", "habitsync"),
			filepath.Join(homeDir, ".habitsync"),
		)
	}
	return l
}

// ConfigFile returns the file the last Load read, if any.
func (l *Loader) ConfigFile() string {
	return l.configPath
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	v := newViper()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
	} else {
		v.SetConfigName("habitsync")
		for _, dir := range l.searchDirs {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || l.configPath != "" {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		l.configPath = v.ConfigFileUsed()
	}

	if err := apply(cfg, v); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// apply overlays every key present in the file or environment onto cfg.
func apply(cfg *Config, v *viper.Viper) error {
	if v.IsSet("endpoints") {
		if err := v.UnmarshalKey("endpoints", &cfg.Endpoints); err != nil {
			return fmt.Errorf("parse endpoints: %w", err)
		}
	}

	r := &cfg.Router
	if v.IsSet("router.failure_threshold") {
		r.FailureThreshold = v.GetInt("router.failure_threshold")
	}
	if v.IsSet("router.cooldown") {
		r.Cooldown = v.GetDuration("router.cooldown")
	}
	if v.IsSet("router.health_interval") {
		r.HealthInterval = v.GetDuration("router.health_interval")
	}
	if v.IsSet("router.request_timeout") {
		r.RequestTimeout = v.GetDuration("router.request_timeout")
	}
	if v.IsSet("router.degraded_latency") {
		r.DegradedLatency = v.GetDuration("router.degraded_latency")
	}
	if v.IsSet("router.max_retries") {
		r.MaxRetries = v.GetInt("router.max_retries")
	}
	if v.IsSet("router.retry_delay") {
		r.RetryDelay = v.GetDuration("router.retry_delay")
	}
	if v.IsSet("router.cache.max_entries") {
		r.Cache.MaxEntries = v.GetInt("router.cache.max_entries")
	}
	if v.IsSet("router.cache.default_ttl") {
		r.Cache.DefaultTTL = v.GetDuration("router.cache.default_ttl")
	}
	if v.IsSet("router.cache.max_stale") {
		r.Cache.MaxStale = v.GetDuration("router.cache.max_stale")
	}
	if v.IsSet("router.cache.ttls") {
		if err := v.UnmarshalKey("router.cache.ttls", &r.Cache.TTLs); err != nil {
			return fmt.Errorf("parse router.cache.ttls: %w", err)
		}
	}

	if v.IsSet("crypto.iterations") {
		cfg.Crypto.Iterations = v.GetInt("crypto.iterations")
	}
	if v.IsSet("crypto.salt_file") {
		cfg.Crypto.SaltFile = v.GetString("crypto.salt_file")
	}

	if v.IsSet("sync.max_concurrent") {
		cfg.Sync.MaxConcurrent = v.GetInt("sync.max_concurrent")
	}
	if v.IsSet("device.class") {
		cfg.Device.Class = strings.ToLower(v.GetString("device.class"))
	}
	if v.IsSet("device.name") {
		cfg.Device.Name = v.GetString("device.name")
	}

	if v.IsSet("oauth") {
		if err := v.UnmarshalKey("oauth", &cfg.OAuth); err != nil {
			return fmt.Errorf("parse oauth: %w", err)
		}
	}
	if v.IsSet("oauth.client_id") {
		cfg.OAuth.ClientID = v.GetString("oauth.client_id")
	}
	if v.IsSet("oauth.client_secret") {
		cfg.OAuth.ClientSecret = v.GetString("oauth.client_secret")
	}

	// Dependent paths follow data_dir unless set explicitly
	if v.IsSet("storage.data_dir") {
		dir := v.GetString("storage.data_dir")
		cfg.Storage.DataDir = dir
		cfg.Storage.DeviceFile = filepath.Join(dir, "devices.json")
		cfg.Storage.DeviceDB = filepath.Join(dir, "devices.db")
		cfg.Storage.TokenFile = filepath.Join(dir, "token.json")
		cfg.Crypto.SaltFile = filepath.Join(dir, "salt")
	}
	if v.IsSet("storage.device_store") {
		cfg.Storage.DeviceStore = strings.ToLower(v.GetString("storage.device_store"))
	}
	if v.IsSet("storage.device_file") {
		cfg.Storage.DeviceFile = v.GetString("storage.device_file")
	}
	if v.IsSet("storage.device_db") {
		cfg.Storage.DeviceDB = v.GetString("storage.device_db")
	}
	if v.IsSet("storage.token_file") {
		cfg.Storage.TokenFile = v.GetString("storage.token_file")
	}

	if v.IsSet("log.level") {
		cfg.Log.Level = strings.ToLower(v.GetString("log.level"))
	}
	if v.IsSet("log.format") {
		cfg.Log.Format = strings.ToLower(v.GetString("log.format"))
	}
	if v.IsSet("log.file") {
		cfg.Log.File = v.GetString("log.file")
	}
	if v.IsSet("log.color") {
		cfg.Log.Color = v.GetBool("log.color")
	}
	if v.IsSet("log.timestamp") {
		cfg.Log.Timestamp = v.GetBool("log.timestamp")
	}

	if v.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = v.GetBool("metrics.enabled")
	}
	if v.IsSet("metrics.listen") {
		cfg.Metrics.Listen = v.GetString("metrics.listen")
	}

	if v.IsSet("dev.insecure_skip_verify") {
		cfg.Dev.InsecureSkipVerify = v.GetBool("dev.insecure_skip_verify")
	}

	return nil
}

// SaveExample writes an example config file. The format follows the file
// extension.
func SaveExample(path string) error {
	v := viper.New()

	example := DefaultConfig()
	v.Set("router", map[string]interface{}{
		"failure_threshold": example.Router.FailureThreshold,
		"cooldown":          example.Router.Cooldown.String(),
		"health_interval":   example.Router.HealthInterval.String(),
		"request_timeout":   example.Router.RequestTimeout.String(),
		"degraded_latency":  example.Router.DegradedLatency.String(),
		"max_retries":       example.Router.MaxRetries,
		"retry_delay":       example.Router.RetryDelay.String(),
		"cache": map[string]interface{}{
			"max_entries": example.Router.Cache.MaxEntries,
			"default_ttl": example.Router.Cache.DefaultTTL.String(),
			"max_stale":   example.Router.Cache.MaxStale.String(),
		},
	})
	v.Set("endpoints", []map[string]interface{}{
		{
			"name":     "webdav-primary",
			"kind":     KindWebDAV,
			"priority": 1,
			"webdav": map[string]interface{}{
				"server_url":  "https://dav.example.com/remote.php/webdav",
				"username":    "alice",
				"folder_name": "HabitSync",
			},
		},
		{
			"name":     "s3-backup",
			"kind":     KindS3,
			"priority": 2,
			"s3": map[string]interface{}{
				"bucket": "habitsync-backup",
				"region": "us-east-1",
			},
		},
	})
	v.Set("crypto.iterations", example.Crypto.Iterations)
	v.Set("sync.max_concurrent", example.Sync.MaxConcurrent)
	v.Set("device.class", example.Device.Class)
	v.Set("storage.device_store", example.Storage.DeviceStore)
	v.Set("log.level", example.Log.Level)
	v.Set("log.format", example.Log.Format)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return os.Chmod(path, 0600)
}
