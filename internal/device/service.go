package device

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

// MaxNameLength bounds device display names, in runes.
const MaxNameLength = 64

// SessionCleaner drops state tied to the local session, such as cached
// keys or responses. It runs when the current device is unlinked.
type SessionCleaner func(ctx context.Context) error

// Service manages this installation's identity and the account's device
// inventory.
type Service struct {
	store    Store
	logger   *events.Logger
	platform string
	class    models.DeviceClass
	now      func() time.Time

	mu       sync.Mutex
	cleaners []SessionCleaner
}

// NewService creates a device service for the given form factor.
func NewService(store Store, class models.DeviceClass, logger *events.Logger) *Service {
	return &Service{
		store:    store,
		logger:   logger.WithField("component", "device"),
		platform: runtime.GOOS,
		class:    class,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnSessionCleared registers c to run whenever the local session is
// dropped.
func (s *Service) OnSessionCleared(c SessionCleaner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaners = append(s.cleaners, c)
}

// CurrentDeviceID returns the durable local identifier, generating it on
// first use.
func (s *Service) CurrentDeviceID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.LocalDeviceID(ctx)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return "", err
	}

	id = uuid.NewString()
	if err := s.store.SaveLocalDeviceID(ctx, id); err != nil {
		return "", err
	}
	s.logger.WithField("device_id", id).Info("Generated device identifier")
	return id, nil
}

// DefaultName derives a display name such as "Linux Desktop".
func (s *Service) DefaultName() string {
	return platformLabel(s.platform) + " " + cases.Title(language.English).String(string(s.class))
}

func platformLabel(goos string) string {
	switch goos {
	case "darwin":
		return "macOS"
	case "ios":
		return "iOS"
	case "":
		return "Unknown"
	default:
		return cases.Title(language.English).String(goos)
	}
}

func cleanName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", fmt.Errorf("%w: device name longer than %d characters", models.ErrInvalidFormat, MaxNameLength)
	}
	return name, nil
}

// RegisterCurrentDevice links this device to user's account, replacing
// any earlier entry for it, and records the session.
func (s *Service) RegisterCurrentDevice(ctx context.Context, user models.User, displayName string) (*models.Device, error) {
	if user.ID == "" {
		return nil, models.ErrNotAuthenticated
	}
	name, err := cleanName(displayName)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = s.DefaultName()
	}

	id, err := s.CurrentDeviceID(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	d := models.Device{
		DeviceID:    id,
		DisplayName: name,
		PlatformTag: s.platform,
		DeviceClass: s.class,
		LastSeenAt:  now,
	}
	if err := s.store.PutDevice(ctx, user.ID, d); err != nil {
		return nil, err
	}
	if err := s.store.SaveSession(ctx, models.Session{
		UserID:        user.ID,
		DeviceID:      id,
		LinkedAt:      now,
		LastResumedAt: now,
	}); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id":   user.ID,
		"device_id": id,
		"name":      name,
	}).Info("Device registered")

	d.IsCurrentDevice = true
	return &d, nil
}

// ListDevices returns the account's devices with the local one marked.
func (s *Service) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	devices, err := s.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	current, err := s.store.LocalDeviceID(ctx)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	for i := range devices {
		devices[i].IsCurrentDevice = devices[i].DeviceID == current
	}
	return devices, nil
}

func (s *Service) find(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	devices, err := s.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: device %s", models.ErrNotFound, deviceID)
}

// RenameDevice changes a device's display name.
func (s *Service) RenameDevice(ctx context.Context, userID, deviceID, name string) (*models.Device, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty device name", models.ErrInvalidFormat)
	}

	d, err := s.find(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	d.DisplayName = name
	if err := s.store.PutDevice(ctx, userID, *d); err != nil {
		return nil, err
	}
	return d, nil
}

// RemoveDevice unlinks a device from the account. Removing the current
// device also clears the local session.
func (s *Service) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.store.DeleteDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
	}).Info("Device removed")

	current, err := s.store.LocalDeviceID(ctx)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if deviceID != current {
		return nil
	}
	return s.clearSession(ctx)
}

// SignOut unlinks the current device and clears the local session.
func (s *Service) SignOut(ctx context.Context) error {
	session, err := s.store.LoadSession(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return s.clearSession(ctx)
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteDevice(ctx, session.UserID, session.DeviceID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return s.clearSession(ctx)
}

func (s *Service) clearSession(ctx context.Context) error {
	if err := s.store.ClearSession(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	cleaners := append([]SessionCleaner(nil), s.cleaners...)
	s.mu.Unlock()

	var errs []error
	for _, c := range cleaners {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResumeSession returns the stored session if its device is still linked
// to the account.
func (s *Service) ResumeSession(ctx context.Context) (*models.Session, error) {
	session, err := s.store.LoadSession(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}

	d, err := s.find(ctx, session.UserID, session.DeviceID)
	if errors.Is(err, models.ErrNotFound) {
		s.logger.WithField("device_id", session.DeviceID).Warn("Stored session refers to an unlinked device")
		if cerr := s.clearSession(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, models.ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	session.LastResumedAt = now
	if err := s.store.SaveSession(ctx, *session); err != nil {
		return nil, err
	}
	d.LastSeenAt = now
	if err := s.store.PutDevice(ctx, session.UserID, *d); err != nil {
		return nil, err
	}
	return session, nil
}
