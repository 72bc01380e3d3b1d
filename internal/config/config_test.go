package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, 3, cfg.Router.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Router.Cooldown)
	assert.Equal(t, 24*time.Hour, cfg.Router.Cache.MaxStale)
	assert.GreaterOrEqual(t, cfg.Crypto.Iterations, 100000)
	assert.NotEmpty(t, cfg.Storage.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func webdavEndpoint(name string) config.EndpointConfig {
	return config.EndpointConfig{
		Name: name,
		Kind: config.KindWebDAV,
		WebDAV: &config.WebDAVConfig{
			ServerURL: "https://dav.example.com",
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(c *config.Config) {},
		},
		{
			name: "valid endpoints",
			modify: func(c *config.Config) {
				c.Endpoints = []config.EndpointConfig{
					webdavEndpoint("a"),
					{Name: "b", Kind: config.KindS3, S3: &config.S3Config{Bucket: "bkt"}},
					{Name: "c", Kind: config.KindREST, REST: &config.RESTConfig{APIURL: "https://api", UploadURL: "https://up"}},
				}
			},
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "negative cooldown",
			modify: func(c *config.Config) {
				c.Router.Cooldown = -1
			},
			wantErr: "router.cooldown must be positive",
		},
		{
			name: "weak iterations",
			modify: func(c *config.Config) {
				c.Crypto.Iterations = 1000
			},
			wantErr: "crypto.iterations",
		},
		{
			name: "duplicate endpoint",
			modify: func(c *config.Config) {
				c.Endpoints = []config.EndpointConfig{webdavEndpoint("a"), webdavEndpoint("a")}
			},
			wantErr: "duplicate endpoint name",
		},
		{
			name: "kind without matching section",
			modify: func(c *config.Config) {
				ep := webdavEndpoint("a")
				ep.Kind = config.KindS3
				c.Endpoints = []config.EndpointConfig{ep}
			},
			wantErr: "kind s3 requires an s3 section",
		},
		{
			name: "two sections",
			modify: func(c *config.Config) {
				ep := webdavEndpoint("a")
				ep.S3 = &config.S3Config{Bucket: "x"}
				c.Endpoints = []config.EndpointConfig{ep}
			},
			wantErr: "exactly one of",
		},
		{
			name: "unknown kind",
			modify: func(c *config.Config) {
				ep := webdavEndpoint("a")
				ep.Kind = "ftp"
				c.Endpoints = []config.EndpointConfig{ep}
			},
			wantErr: "unknown endpoint kind",
		},
		{
			name: "local endpoint without root",
			modify: func(c *config.Config) {
				c.Endpoints = []config.EndpointConfig{{Name: "usb", Kind: config.KindLocal, Local: &config.LocalConfig{}}}
			},
			wantErr: "local.root is required",
		},
		{
			name: "bad device class",
			modify: func(c *config.Config) {
				c.Device.Class = "watch"
			},
			wantErr: "device.class",
		},
		{
			name: "zero concurrency",
			modify: func(c *config.Config) {
				c.Sync.MaxConcurrent = 0
			},
			wantErr: "sync.max_concurrent",
		},
		{
			name: "bad device store",
			modify: func(c *config.Config) {
				c.Storage.DeviceStore = "bolt"
			},
			wantErr: "device_store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	t.Setenv("HABITSYNC_ROUTER_COOLDOWN", "45s")
	t.Setenv("HABITSYNC_ROUTER_FAILURE_THRESHOLD", "5")
	t.Setenv("HABITSYNC_LOG_LEVEL", "DEBUG")
	t.Setenv("HABITSYNC_STORAGE_DATA_DIR", "/tmp/habitsync-test")

	loader := config.NewLoader("")
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Router.Cooldown)
	assert.Equal(t, 5, cfg.Router.FailureThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/habitsync-test", cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join("/tmp/habitsync-test", "token.json"), cfg.Storage.TokenFile)
}

func TestLoaderFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "habitsync.yaml")

	configYAML := `
endpoints:
  - name: nas
    kind: webdav
    priority: 1
    webdav:
      server_url: https://nas.local/dav
      username: alice
      folder_name: Habits
  - name: drive
    kind: rest
    priority: 2
    rest:
      api_url: https://www.googleapis.com/drive/v3
      upload_url: https://www.googleapis.com/upload/drive/v3
router:
  cooldown: 10s
  cache:
    default_ttl: 10m
    ttls:
      habit-data: 1m
log:
  level: warn
  format: json
`

	require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0600))

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, configPath, loader.ConfigFile())
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "nas", cfg.Endpoints[0].Name)
	require.NotNil(t, cfg.Endpoints[0].WebDAV)
	assert.Equal(t, "Habits", cfg.Endpoints[0].WebDAV.FolderName)
	assert.Equal(t, config.KindREST, cfg.Endpoints[1].Kind)
	assert.Nil(t, cfg.Endpoints[1].WebDAV)
	assert.Equal(t, 10*time.Second, cfg.Router.Cooldown)
	assert.Equal(t, 10*time.Minute, cfg.Router.Cache.DefaultTTL)
	assert.Equal(t, time.Minute, cfg.Router.Cache.TTLs["habit-data"])
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoaderMissingExplicitFile(t *testing.T) {
	loader := config.NewLoader(filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := loader.Load()
	assert.Error(t, err)
}

func TestLoaderRejectsInvalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"log":{"level":"loud"}}`), 0600))

	_, err := config.NewLoader(configPath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestSaveExampleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	require.NoError(t, config.SaveExample(path))

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, config.KindWebDAV, cfg.Endpoints[0].Kind)
	assert.Equal(t, config.KindS3, cfg.Endpoints[1].Kind)
}

func TestConfigEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Storage.DeviceFile = filepath.Join(tmpDir, "data", "devices", "devices.json")
	cfg.Storage.DeviceDB = filepath.Join(tmpDir, "data", "devices.db")
	cfg.Storage.TokenFile = filepath.Join(tmpDir, "data", "auth", "token.json")
	cfg.Crypto.SaltFile = filepath.Join(tmpDir, "data", "salt")
	cfg.Log.File = filepath.Join(tmpDir, "logs", "app.log")

	require.NoError(t, cfg.EnsureDirectories())

	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, filepath.Dir(cfg.Storage.DeviceFile))
	assert.DirExists(t, filepath.Dir(cfg.Storage.TokenFile))
	assert.DirExists(t, filepath.Dir(cfg.Log.File))
}
