package storage

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

// LocalProvider keeps blobs in a directory tree. It serves a mounted
// network share or a second disk as a last-resort endpoint.
type LocalProvider struct {
	name        string
	baseDir     string
	maxFileSize int64
	logger      *events.Logger
}

// NewLocalProvider creates a provider rooted at baseDir/folder.
func NewLocalProvider(name, baseDir string, logger *events.Logger) (*LocalProvider, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("%w: local provider needs a root directory", models.ErrInvalidConfig)
	}
	absPath, err := filepath.Abs(filepath.Join(baseDir, DefaultFolderName))
	if err != nil {
		return nil, fmt.Errorf("%w: resolve base directory: %v", models.ErrInvalidConfig, err)
	}
	if name == "" {
		name = "local"
	}

	return &LocalProvider{
		name:        name,
		baseDir:     absPath,
		maxFileSize: 16 << 20,
		logger: logger.WithFields(map[string]interface{}{
			"component": "storage",
			"provider":  "local",
			"endpoint":  name,
		}),
	}, nil
}

// SetMaxFileSize sets the maximum object size.
func (s *LocalProvider) SetMaxFileSize(size int64) {
	s.maxFileSize = size
}

// Name implements Provider.
func (s *LocalProvider) Name() string {
	return s.name
}

func (s *LocalProvider) fail(op, path string, err error) error {
	return wrapError(s.name, op, path, err)
}

// resolve maps a logical path onto the file system under baseDir.
func (s *LocalProvider) resolve(logical string) (string, error) {
	if err := validatePlatformPath(logical); err != nil {
		return "", err
	}

	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(logical))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) && fullPath != s.baseDir {
		return "", fmt.Errorf("%w: path escapes base directory", models.ErrInvalidPath)
	}
	return fullPath, nil
}

func (s *LocalProvider) objectPath(op, filePath string) (string, string, error) {
	logical, err := SanitizePath(filePath, runtime.GOOS != "linux")
	if err != nil {
		return "", "", s.fail(op, filePath, err)
	}
	full, err := s.resolve(objectName(logical))
	if err != nil {
		return "", "", s.fail(op, logical, err)
	}
	return logical, full, nil
}

// ioError maps file system errors onto the taxonomy.
func ioError(err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %v", models.ErrNotFound, err)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %v", models.ErrAuthentication, err)
	default:
		return fmt.Errorf("%w: %v", models.ErrNetworkUnavailable, err)
	}
}

// Authenticate creates the root directory.
func (s *LocalProvider) Authenticate(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		if os.IsPermission(err) {
			return false, nil
		}
		return false, s.fail("authenticate", "", ioError(err))
	}
	return true, nil
}

// UploadFile replaces the object atomically.
func (s *LocalProvider) UploadFile(ctx context.Context, filePath string, blob *models.EncryptedBlob) (*models.FileMetadata, error) {
	logical, full, err := s.objectPath("upload", filePath)
	if err != nil {
		return nil, err
	}
	data, err := encodeBlob(blob)
	if err != nil {
		return nil, s.fail("upload", logical, err)
	}
	if int64(len(data)) > s.maxFileSize {
		return nil, s.fail("upload", logical, fmt.Errorf("%w: %d bytes (max: %d)", models.ErrPayloadTooLarge, len(data), s.maxFileSize))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return nil, s.fail("upload", logical, ioError(err))
	}
	if err := atomic.WriteFile(full, bytes.NewReader(data)); err != nil {
		return nil, s.fail("upload", logical, ioError(err))
	}

	s.logger.WithFields(map[string]interface{}{
		"path": logical,
		"size": len(data),
	}).Debug("Wrote object")

	return s.stat(logical, full)
}

func (s *LocalProvider) stat(logical, full string) (*models.FileMetadata, error) {
	info, err := os.Lstat(full)
	if err != nil {
		return nil, s.fail("stat", logical, ioError(err))
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, s.fail("stat", logical, fmt.Errorf("%w: symlinks not allowed", models.ErrInvalidPath))
	}
	return &models.FileMetadata{
		Name:       logical,
		SizeBytes:  info.Size(),
		ModifiedAt: info.ModTime().UTC(),
	}, nil
}

// DownloadFile reads the object. Symlinks are refused.
func (s *LocalProvider) DownloadFile(ctx context.Context, filePath string) (*models.EncryptedBlob, error) {
	logical, full, err := s.objectPath("download", filePath)
	if err != nil {
		return nil, err
	}
	if _, err := s.stat(logical, full); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, s.fail("download", logical, ioError(err))
	}
	blob, err := models.DecodeBlob(data)
	if err != nil {
		return nil, s.fail("download", logical, err)
	}
	return blob, nil
}

// ListFiles lists the objects directly under dir. A missing directory is
// empty.
func (s *LocalProvider) ListFiles(ctx context.Context, dir string) ([]models.FileMetadata, error) {
	logicalDir, err := SanitizeDir(dir, runtime.GOOS != "linux")
	if err != nil {
		return nil, s.fail("list", dir, err)
	}
	full, err := s.resolve(logicalDir)
	if err != nil {
		return nil, s.fail("list", logicalDir, err)
	}

	files := []models.FileMetadata{}
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return files, nil
	}
	if err != nil {
		return nil, s.fail("list", logicalDir, ioError(err))
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name, ok := logicalName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, models.FileMetadata{
			Name:       joinLogical(logicalDir, name),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return files, nil
}

// DeleteFile removes the object and any directories it leaves empty.
func (s *LocalProvider) DeleteFile(ctx context.Context, filePath string) error {
	logical, full, err := s.objectPath("delete", filePath)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s.fail("delete", logical, ioError(err))
	}

	s.cleanEmptyDirs(filepath.Dir(full))
	return nil
}

// GetServerTimestamp returns the file modification time.
func (s *LocalProvider) GetServerTimestamp(ctx context.Context, filePath string) (time.Time, error) {
	logical, full, err := s.objectPath("timestamp", filePath)
	if err != nil {
		return time.Time{}, err
	}
	meta, err := s.stat(logical, full)
	if err != nil {
		return time.Time{}, err
	}
	return meta.ModifiedAt, nil
}

// CheckConnection reports whether the root directory is reachable.
func (s *LocalProvider) CheckConnection(ctx context.Context) bool {
	info, err := os.Stat(s.baseDir)
	return err == nil && info.IsDir()
}

// GetStorageQuota sums object sizes. Free space is not reported.
func (s *LocalProvider) GetStorageQuota(ctx context.Context) (*models.Quota, error) {
	var used int64
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), ObjectExt) {
			info, err := d.Info()
			if err != nil {
				return err
			}
			used += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, s.fail("quota", "", ioError(err))
	}
	return models.NewQuota(used, -1), nil
}

// cleanEmptyDirs removes empty parent directories up to baseDir.
func (s *LocalProvider) cleanEmptyDirs(dirPath string) {
	for dirPath != s.baseDir && strings.HasPrefix(dirPath, s.baseDir) {
		entries, err := os.ReadDir(dirPath)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dirPath); err != nil {
			break
		}
		dirPath = filepath.Dir(dirPath)
	}
}

var windowsReserved = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// validatePlatformPath rejects names Windows cannot store.
func validatePlatformPath(logical string) error {
	if runtime.GOOS != "windows" {
		return nil
	}
	for _, part := range strings.Split(logical, "/") {
		base := strings.TrimSuffix(part, filepath.Ext(part))
		if windowsReserved[strings.ToUpper(base)] {
			return fmt.Errorf("%w: contains reserved name '%s'", models.ErrInvalidPath, part)
		}
		if strings.ContainsAny(part, `<>:"|?*`) {
			return fmt.Errorf("%w: contains reserved character in '%s'", models.ErrInvalidPath, part)
		}
	}
	return nil
}
