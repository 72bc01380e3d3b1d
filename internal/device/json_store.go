package device

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

// document is the on-disk layout of a JSONStore.
type document struct {
	SchemaVersion int                        `json:"schema_version"`
	LocalDeviceID string                     `json:"local_device_id,omitempty"`
	Accounts      map[string][]models.Device `json:"accounts"`
	Session       *models.Session            `json:"session,omitempty"`
	Checksum      string                     `json:"checksum,omitempty"`
}

func (d *document) checksum() (string, error) {
	c := *d
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// JSONStore keeps everything in one checksummed JSON file, replaced
// atomically on every change. The previous version is kept as a backup.
type JSONStore struct {
	path   string
	logger *events.Logger
	mu     sync.Mutex
}

// NewJSONStore opens or creates the store at path.
func NewJSONStore(path string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create device directory: %w", err)
	}
	return &JSONStore{
		path:   path,
		logger: logger.WithField("component", "json_device_store"),
	}, nil
}

func (s *JSONStore) backupPath() string {
	return s.path + ".backup"
}

// read loads the document; a missing file is an empty store.
func (s *JSONStore) read() (*document, error) {
	doc, err := s.readFile(s.path)
	if err == nil {
		return doc, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return &document{SchemaVersion: CurrentSchemaVersion, Accounts: map[string][]models.Device{}}, nil
	}

	s.logger.WithError(err).Warn("Device store unreadable, trying backup")
	if backup, berr := s.readFile(s.backupPath()); berr == nil {
		return backup, nil
	}
	return nil, ErrStoreCorrupt
}

func (s *JSONStore) readFile(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if doc.Checksum != "" {
		sum, err := doc.checksum()
		if err != nil {
			return nil, err
		}
		if sum != doc.Checksum {
			s.logger.WithFields(map[string]interface{}{
				"expected": doc.Checksum,
				"actual":   sum,
			}).Error("Device store checksum mismatch")
			return nil, ErrStoreCorrupt
		}
	}
	if doc.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", doc.SchemaVersion).Warn("Device store schema version mismatch")
	}
	if doc.Accounts == nil {
		doc.Accounts = map[string][]models.Device{}
	}
	return &doc, nil
}

func (s *JSONStore) write(doc *document) error {
	doc.SchemaVersion = CurrentSchemaVersion
	sum, err := doc.checksum()
	if err != nil {
		return fmt.Errorf("checksum device store: %w", err)
	}
	doc.Checksum = sum

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device store: %w", err)
	}

	if current, err := os.ReadFile(s.path); err == nil {
		if err := atomic.WriteFile(s.backupPath(), bytes.NewReader(current)); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write device store: %w", err)
	}
	return os.Chmod(s.path, 0600)
}

// update applies fn to the document and persists it.
func (s *JSONStore) update(fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.write(doc)
}

func (s *JSONStore) view() (*document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// LocalDeviceID implements Store.
func (s *JSONStore) LocalDeviceID(ctx context.Context) (string, error) {
	doc, err := s.view()
	if err != nil {
		return "", err
	}
	if doc.LocalDeviceID == "" {
		return "", models.ErrNotFound
	}
	return doc.LocalDeviceID, nil
}

// SaveLocalDeviceID implements Store.
func (s *JSONStore) SaveLocalDeviceID(ctx context.Context, id string) error {
	return s.update(func(doc *document) error {
		doc.LocalDeviceID = id
		return nil
	})
}

// ListDevices implements Store.
func (s *JSONStore) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	doc, err := s.view()
	if err != nil {
		return nil, err
	}
	devices := append([]models.Device{}, doc.Accounts[userID]...)
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices, nil
}

// PutDevice implements Store.
func (s *JSONStore) PutDevice(ctx context.Context, userID string, d models.Device) error {
	d.IsCurrentDevice = false
	return s.update(func(doc *document) error {
		devices := doc.Accounts[userID]
		for i := range devices {
			if devices[i].DeviceID == d.DeviceID {
				devices[i] = d
				return nil
			}
		}
		doc.Accounts[userID] = append(devices, d)
		return nil
	})
}

// DeleteDevice implements Store.
func (s *JSONStore) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	return s.update(func(doc *document) error {
		devices := doc.Accounts[userID]
		for i := range devices {
			if devices[i].DeviceID == deviceID {
				devices = append(devices[:i], devices[i+1:]...)
				if len(devices) == 0 {
					delete(doc.Accounts, userID)
				} else {
					doc.Accounts[userID] = devices
				}
				return nil
			}
		}
		return fmt.Errorf("%w: device %s", models.ErrNotFound, deviceID)
	})
}

// Users implements Store.
func (s *JSONStore) Users(ctx context.Context) ([]string, error) {
	doc, err := s.view()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(doc.Accounts))
	for u := range doc.Accounts {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// LoadSession implements Store.
func (s *JSONStore) LoadSession(ctx context.Context) (*models.Session, error) {
	doc, err := s.view()
	if err != nil {
		return nil, err
	}
	if doc.Session == nil {
		return nil, models.ErrNotFound
	}
	session := *doc.Session
	return &session, nil
}

// SaveSession implements Store.
func (s *JSONStore) SaveSession(ctx context.Context, session models.Session) error {
	return s.update(func(doc *document) error {
		doc.Session = &session
		return nil
	})
}

// ClearSession implements Store.
func (s *JSONStore) ClearSession(ctx context.Context) error {
	return s.update(func(doc *document) error {
		doc.Session = nil
		return nil
	})
}

// Close implements Store.
func (s *JSONStore) Close() error {
	return nil
}
