// Package device assigns this installation a durable identity, keeps the
// account's device inventory and remembers the linked session.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/habitsync/internal/models"
)

// Store persists device identity, inventory and session.
type Store interface {
	// LocalDeviceID returns models.ErrNotFound before the first save.
	LocalDeviceID(ctx context.Context) (string, error)
	SaveLocalDeviceID(ctx context.Context, id string) error

	// ListDevices returns the user's devices ordered by device ID.
	ListDevices(ctx context.Context, userID string) ([]models.Device, error)

	// PutDevice inserts or replaces a device by ID.
	PutDevice(ctx context.Context, userID string, d models.Device) error

	// DeleteDevice returns models.ErrNotFound for unknown IDs.
	DeleteDevice(ctx context.Context, userID, deviceID string) error

	// Users returns every user with at least one device.
	Users(ctx context.Context) ([]string, error)

	// LoadSession returns models.ErrNotFound when no session is stored.
	LoadSession(ctx context.Context) (*models.Session, error)
	SaveSession(ctx context.Context, s models.Session) error
	ClearSession(ctx context.Context) error

	Close() error
}

// Errors
var (
	ErrStoreCorrupt = errors.New("device store is corrupt")
)

// CurrentSchemaVersion of the JSON document.
const CurrentSchemaVersion = 1

// Migrate copies everything in src into dst.
func Migrate(ctx context.Context, src, dst Store) error {
	if id, err := src.LocalDeviceID(ctx); err == nil {
		if err := dst.SaveLocalDeviceID(ctx, id); err != nil {
			return fmt.Errorf("save device id: %w", err)
		}
	} else if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("load device id: %w", err)
	}

	users, err := src.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, user := range users {
		devices, err := src.ListDevices(ctx, user)
		if err != nil {
			return fmt.Errorf("list devices of %s: %w", user, err)
		}
		for _, d := range devices {
			if err := dst.PutDevice(ctx, user, d); err != nil {
				return fmt.Errorf("save device %s: %w", d.DeviceID, err)
			}
		}
	}

	session, err := src.LoadSession(ctx)
	switch {
	case err == nil:
		return dst.SaveSession(ctx, *session)
	case errors.Is(err, models.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("load session: %w", err)
	}
}
