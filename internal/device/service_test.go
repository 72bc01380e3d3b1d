package device_test

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/device"
	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

func newService(t *testing.T) (*device.Service, device.Store) {
	t.Helper()
	store, _ := newJSONStore(t)
	return device.NewService(store, models.DeviceDesktop, events.Discard()), store
}

func TestCurrentDeviceIDIsDurable(t *testing.T) {
	ctx := context.Background()
	store, _ := newJSONStore(t)

	first, err := device.NewService(store, models.DeviceDesktop, events.Discard()).CurrentDeviceID(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 36)

	// A fresh service over the same store models an application restart.
	again, err := device.NewService(store, models.DeviceDesktop, events.Discard()).CurrentDeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestRegisterCurrentDevice(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	alice := models.User{ID: "alice", Email: "alice@example.com"}

	d, err := svc.RegisterCurrentDevice(ctx, alice, "")
	require.NoError(t, err)
	assert.True(t, d.IsCurrentDevice)
	assert.Equal(t, runtime.GOOS, d.PlatformTag)
	assert.True(t, strings.HasSuffix(d.DisplayName, " Desktop"), d.DisplayName)
	if runtime.GOOS == "linux" {
		assert.Equal(t, "Linux Desktop", d.DisplayName)
	}

	session, err := store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", session.UserID)
	assert.Equal(t, d.DeviceID, session.DeviceID)
	assert.Equal(t, "alice/"+d.DeviceID, session.CacheScope())

	// Re-registering replaces the entry instead of duplicating it.
	d2, err := svc.RegisterCurrentDevice(ctx, alice, "  Kitchen   laptop ")
	require.NoError(t, err)
	assert.Equal(t, d.DeviceID, d2.DeviceID)
	assert.Equal(t, "Kitchen laptop", d2.DisplayName)

	devices, err := svc.ListDevices(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].IsCurrentDevice)

	_, err = svc.RegisterCurrentDevice(ctx, models.User{}, "")
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	_, err = svc.RegisterCurrentDevice(ctx, alice, strings.Repeat("x", device.MaxNameLength+1))
	assert.ErrorIs(t, err, models.ErrInvalidFormat)
}

func TestRenameDevice(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	require.NoError(t, store.PutDevice(ctx, "alice", models.Device{DeviceID: "tablet-1", DisplayName: "Android Tablet", DeviceClass: models.DeviceTablet}))

	d, err := svc.RenameDevice(ctx, "alice", "tablet-1", "Living room")
	require.NoError(t, err)
	assert.Equal(t, "Living room", d.DisplayName)
	assert.False(t, d.IsCurrentDevice)

	_, err = svc.RenameDevice(ctx, "alice", "tablet-1", "   ")
	assert.ErrorIs(t, err, models.ErrInvalidFormat)

	_, err = svc.RenameDevice(ctx, "alice", "missing", "x")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRemoveDevice(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	alice := models.User{ID: "alice"}

	var cleared int
	svc.OnSessionCleared(func(context.Context) error {
		cleared++
		return nil
	})

	current, err := svc.RegisterCurrentDevice(ctx, alice, "")
	require.NoError(t, err)
	require.NoError(t, store.PutDevice(ctx, "alice", models.Device{DeviceID: "phone-1", DisplayName: "iOS Mobile"}))

	t.Run("other device keeps session", func(t *testing.T) {
		require.NoError(t, svc.RemoveDevice(ctx, "alice", "phone-1"))
		assert.Zero(t, cleared)
		_, err := store.LoadSession(ctx)
		assert.NoError(t, err)
	})

	t.Run("unknown device", func(t *testing.T) {
		assert.ErrorIs(t, svc.RemoveDevice(ctx, "alice", "phone-1"), models.ErrNotFound)
	})

	t.Run("current device clears session", func(t *testing.T) {
		require.NoError(t, svc.RemoveDevice(ctx, "alice", current.DeviceID))
		assert.Equal(t, 1, cleared)
		_, err := store.LoadSession(ctx)
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = svc.ResumeSession(ctx)
		assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	})
}

func TestResumeSession(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	_, err := svc.ResumeSession(ctx)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	d, err := svc.RegisterCurrentDevice(ctx, models.User{ID: "alice"}, "Laptop")
	require.NoError(t, err)

	session, err := svc.ResumeSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.DeviceID, session.DeviceID)

	// Unlinked elsewhere: the stale session is dropped.
	require.NoError(t, store.DeleteDevice(ctx, "alice", d.DeviceID))
	_, err = svc.ResumeSession(ctx)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	_, err = store.LoadSession(ctx)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	boom := errors.New("keys still in use")
	svc.OnSessionCleared(func(context.Context) error { return boom })

	d, err := svc.RegisterCurrentDevice(ctx, models.User{ID: "alice"}, "")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.SignOut(ctx), boom)

	devices, err := svc.ListDevices(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, devices)
	_, err = svc.ResumeSession(ctx)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	// Linking again reuses the durable local ID.
	again, err := svc.RegisterCurrentDevice(ctx, models.User{ID: "alice"}, "")
	require.NoError(t, err)
	assert.Equal(t, d.DeviceID, again.DeviceID)
}
