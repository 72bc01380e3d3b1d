package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/TheMichaelB/habitsync/internal/models"
)

// ObjectExt marks remote objects written by this application. Anything
// without it is foreign and ignored by ListFiles.
const ObjectExt = ".enc"

// Provider is a remote store for encrypted blobs. Paths are logical
// ("habits/daily"); providers add ObjectExt and their own root.
type Provider interface {
	// Name identifies the provider instance in logs and errors.
	Name() string

	// Authenticate verifies credentials and prepares the application
	// folder. It returns false when the backend rejected the credentials.
	Authenticate(ctx context.Context) (bool, error)

	// UploadFile creates or replaces the object at path.
	UploadFile(ctx context.Context, path string, blob *models.EncryptedBlob) (*models.FileMetadata, error)

	// DownloadFile fails with models.ErrNotFound when the object is absent.
	DownloadFile(ctx context.Context, path string) (*models.EncryptedBlob, error)

	// ListFiles returns this application's objects directly under dir.
	ListFiles(ctx context.Context, dir string) ([]models.FileMetadata, error)

	// DeleteFile is idempotent.
	DeleteFile(ctx context.Context, path string) error

	GetServerTimestamp(ctx context.Context, path string) (time.Time, error)

	// CheckConnection is a cheap reachability probe without side effects.
	CheckConnection(ctx context.Context) bool

	GetStorageQuota(ctx context.Context) (*models.Quota, error)
}

// objectName appends ObjectExt to a sanitized logical path.
func objectName(logical string) string {
	return logical + ObjectExt
}

// logicalName strips ObjectExt. ok is false for foreign objects.
func logicalName(remote string) (string, bool) {
	if !strings.HasSuffix(remote, ObjectExt) || len(remote) == len(ObjectExt) {
		return "", false
	}
	return strings.TrimSuffix(remote, ObjectExt), true
}

// joinLogical joins a sanitized directory and a base name.
func joinLogical(dir, base string) string {
	if dir == "" {
		return base
	}
	return path.Join(dir, base)
}

// encodeBlob validates blob before it leaves the process.
func encodeBlob(blob *models.EncryptedBlob) ([]byte, error) {
	if blob == nil {
		return nil, models.ErrInvalidFormat
	}
	return models.EncodeBlob(blob)
}
