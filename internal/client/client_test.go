package client_test

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/client"
	"github.com/TheMichaelB/habitsync/internal/config"
	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

type habit struct {
	Name   string `json:"name"`
	Streak int    `json:"streak"`
}

func testConfig(t *testing.T, store string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Storage.DeviceStore = store
	cfg.Storage.DeviceFile = filepath.Join(dir, "devices.json")
	cfg.Storage.DeviceDB = filepath.Join(dir, "devices.db")
	cfg.Storage.TokenFile = filepath.Join(dir, "token.json")
	cfg.Crypto.SaltFile = filepath.Join(dir, "salt")
	cfg.Endpoints = []config.EndpointConfig{
		{Name: "disk-a", Kind: config.KindLocal, Priority: 1, Local: &config.LocalConfig{Root: filepath.Join(dir, "a")}},
		{Name: "disk-b", Kind: config.KindLocal, Priority: 2, Local: &config.LocalConfig{Root: filepath.Join(dir, "b")}},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newClient(t *testing.T, cfg *config.Config) *client.Client {
	t.Helper()
	c, err := client.New(context.Background(), cfg, events.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	cfg := testConfig(t, "json")
	cfg.Endpoints = append(cfg.Endpoints, config.EndpointConfig{
		Name: "drive", Kind: config.KindREST,
		REST: &config.RESTConfig{APIURL: "https://api.example.com", UploadURL: "https://upload.example.com"},
	})

	_, err := client.New(context.Background(), cfg, events.Discard())
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestEndToEnd(t *testing.T) {
	for _, store := range []string{"json", "sqlite"} {
		t.Run(store, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, store)
			c := newClient(t, cfg)

			require.NoError(t, c.Unlock("correct-horse-battery"))
			d, err := c.Link(ctx, models.User{ID: "alice"}, "Kitchen laptop")
			require.NoError(t, err)
			assert.Equal(t, "Kitchen laptop", d.DisplayName)

			_, err = c.Sync.Push(ctx, "habits/daily", habit{Name: "meditate", Streak: 5}, models.ContextHabitData)
			require.NoError(t, err)

			var got habit
			res, err := c.Sync.Pull(ctx, "habits/daily", models.ContextHabitData, &got)
			require.NoError(t, err)
			assert.Equal(t, habit{Name: "meditate", Streak: 5}, got)
			assert.Equal(t, "disk-a", res.Endpoint)

			// The salt persists, so a restarted client derives the same key.
			require.NoError(t, c.Close(ctx))
			again := newClient(t, cfg)
			require.NoError(t, again.Unlock("correct-horse-battery"))
			session, err := again.ResumeSession(ctx)
			require.NoError(t, err)
			assert.Equal(t, d.DeviceID, session.DeviceID)

			got = habit{}
			_, err = again.Sync.Pull(ctx, "habits/daily", models.ContextHabitData, &got)
			require.NoError(t, err)
			assert.Equal(t, 5, got.Streak)
		})
	}
}

func TestSignOutDropsKeys(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, testConfig(t, "json"))

	require.NoError(t, c.Unlock("pw-1234567"))
	_, err := c.Link(ctx, models.User{ID: "alice"}, "")
	require.NoError(t, err)

	require.NoError(t, c.SignOut(ctx))
	assert.False(t, c.Crypto.Initialized())

	_, err = c.ResumeSession(ctx)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "json")
	c := newClient(t, cfg)

	require.NoError(t, c.Unlock("old-password"))
	_, err := c.Link(ctx, models.User{ID: "alice"}, "")
	require.NoError(t, err)
	_, err = c.Sync.Push(ctx, "habits/run", habit{Name: "run", Streak: 9}, models.ContextHabitData)
	require.NoError(t, err)
	oldSalt, err := c.LoadSalt()
	require.NoError(t, err)

	_, err = c.ChangePassword(ctx, "not-the-password", "new-password")
	assert.ErrorIs(t, err, models.ErrAuthentication)

	reports, err := c.ChangePassword(ctx, "old-password", "new-password", "habits")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Reencrypted)

	newSalt, err := c.LoadSalt()
	require.NoError(t, err)
	assert.NotEqual(t, oldSalt, newSalt)

	// A fresh client only reads the data with the new password.
	other := newClient(t, cfg)
	require.NoError(t, other.Unlock("old-password"))
	var got habit
	_, err = other.Sync.Pull(ctx, "habits/run", models.ContextHabitData, &got)
	assert.ErrorIs(t, err, models.ErrDecryption)

	require.NoError(t, other.Unlock("new-password"))
	_, err = other.Sync.Pull(ctx, "habits/run", models.ContextHabitData, &got)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Streak)
}

func TestBackupKeyRestore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "json")
	c := newClient(t, cfg)

	require.NoError(t, c.Unlock("hunter2-hunter2"))
	_, err := c.Sync.PushBytes(ctx, "settings/theme", []byte(`"dark"`), "settings")
	require.NoError(t, err)

	_, err = c.BackupKey("wrong")
	assert.ErrorIs(t, err, models.ErrAuthentication)
	backup, err := c.BackupKey("hunter2-hunter2")
	require.NoError(t, err)

	other := newClient(t, cfg)
	require.NoError(t, other.UnlockWithBackupKey(backup))
	plaintext, _, err := other.Sync.PullBytes(ctx, "settings/theme", "settings")
	require.NoError(t, err)
	assert.Equal(t, `"dark"`, string(plaintext))
}

func TestSaltFileValidation(t *testing.T) {
	cfg := testConfig(t, "json")
	c := newClient(t, cfg)

	_, err := c.LoadSalt()
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, os.WriteFile(cfg.Crypto.SaltFile, []byte("abcd\n"), 0o600))
	_, err = c.LoadSalt()
	assert.ErrorIs(t, err, models.ErrInvalidFormat)
	assert.ErrorIs(t, c.Unlock("pw"), models.ErrInvalidFormat)
}

func TestReloadSwapsEndpoints(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "json")
	c := newClient(t, cfg)
	require.NoError(t, c.Unlock("pw-reload"))

	res, err := c.Sync.Push(ctx, "habits/x", habit{}, models.ContextHabitData)
	require.NoError(t, err)
	assert.Equal(t, "disk-a", res.Endpoint)

	next := *cfg
	next.Endpoints = []config.EndpointConfig{cfg.Endpoints[1]}
	require.NoError(t, c.Reload(ctx, &next))

	res, err = c.Sync.Push(ctx, "habits/y", habit{}, models.ContextHabitData)
	require.NoError(t, err)
	assert.Equal(t, "disk-b", res.Endpoint)

	status := c.Sync.Status()
	require.Len(t, status.PerEndpoint, 1)
	assert.Equal(t, "disk-b", status.PerEndpoint[0].EndpointName)
}

func TestStartServesMetrics(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "json")
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	c := newClient(t, cfg)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Unlock("pw-metrics"))
	_, err := c.Sync.Push(ctx, "habits/m", habit{}, models.ContextHabitData)
	require.NoError(t, err)

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get("http://" + c.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `habitsync_router_requests_total{endpoint="disk-a",op="upload",outcome="success"} 1`)
}
