package device

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens dbPath and applies pending migrations.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_device_store"),
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// LocalDeviceID implements Store.
func (s *SQLiteStore) LocalDeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT device_id FROM local_identity WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query device id: %w", err)
	}
	return id, nil
}

// SaveLocalDeviceID implements Store.
func (s *SQLiteStore) SaveLocalDeviceID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO local_identity (id, device_id) VALUES (1, ?)
        ON CONFLICT(id) DO UPDATE SET device_id = excluded.device_id
    `, id)
	if err != nil {
		return fmt.Errorf("save device id: %w", err)
	}
	return nil
}

// ListDevices implements Store.
func (s *SQLiteStore) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT device_id, display_name, platform_tag, device_class, last_seen_at
        FROM devices
        WHERE user_id = ?
        ORDER BY device_id
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		var d models.Device
		var class string
		if err := rows.Scan(&d.DeviceID, &d.DisplayName, &d.PlatformTag, &class, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		d.DeviceClass = models.DeviceClass(class)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// PutDevice implements Store.
func (s *SQLiteStore) PutDevice(ctx context.Context, userID string, d models.Device) error {
	s.logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"device_id": d.DeviceID,
	}).Debug("Saving device to SQLite")

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO devices (user_id, device_id, display_name, platform_tag, device_class, last_seen_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id, device_id) DO UPDATE SET
            display_name = excluded.display_name,
            platform_tag = excluded.platform_tag,
            device_class = excluded.device_class,
            last_seen_at = excluded.last_seen_at
    `, userID, d.DeviceID, d.DisplayName, d.PlatformTag, string(d.DeviceClass), d.LastSeenAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// DeleteDevice implements Store.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: device %s", models.ErrNotFound, deviceID)
	}
	return nil
}

// Users implements Store.
func (s *SQLiteStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM devices ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LoadSession implements Store.
func (s *SQLiteStore) LoadSession(ctx context.Context) (*models.Session, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx, `
        SELECT user_id, device_id, linked_at, last_resumed_at
        FROM session
        WHERE id = 1
    `).Scan(&session.UserID, &session.DeviceID, &session.LinkedAt, &session.LastResumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &session, nil
}

// SaveSession implements Store.
func (s *SQLiteStore) SaveSession(ctx context.Context, session models.Session) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO session (id, user_id, device_id, linked_at, last_resumed_at)
        VALUES (1, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            user_id = excluded.user_id,
            device_id = excluded.device_id,
            linked_at = excluded.linked_at,
            last_resumed_at = excluded.last_resumed_at
    `, session.UserID, session.DeviceID, session.LinkedAt.UTC(), session.LastResumedAt.UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ClearSession implements Store.
func (s *SQLiteStore) ClearSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
