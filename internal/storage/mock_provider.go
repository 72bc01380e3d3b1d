package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/habitsync/internal/models"
)

// MockProvider is an in-memory Provider for tests. Failures and latency
// can be injected per instance.
type MockProvider struct {
	name string

	mu        sync.RWMutex
	files     map[string]*models.EncryptedBlob
	modified  map[string]time.Time
	failure   error
	delay     time.Duration
	connected bool
	authOK    bool
	quota     *models.Quota
	calls     map[string]int
}

// NewMockProvider creates an empty, healthy mock provider.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:      name,
		files:     make(map[string]*models.EncryptedBlob),
		modified:  make(map[string]time.Time),
		connected: true,
		authOK:    true,
		calls:     make(map[string]int),
	}
}

// SetFailure makes every data operation fail with err. nil restores normal
// behaviour.
func (m *MockProvider) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// SetDelay makes every data operation wait d or until ctx is done.
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetConnected controls CheckConnection.
func (m *MockProvider) SetConnected(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = ok
}

// SetAuthenticated controls Authenticate.
func (m *MockProvider) SetAuthenticated(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authOK = ok
}

// SetQuota fixes the quota reported by GetStorageQuota.
func (m *MockProvider) SetQuota(q *models.Quota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota = q
}

// Calls returns how often op was invoked.
func (m *MockProvider) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Files returns the stored logical paths in order.
func (m *MockProvider) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Name implements Provider.
func (m *MockProvider) Name() string {
	return m.name
}

// begin records the call and applies injected latency and failure.
func (m *MockProvider) begin(ctx context.Context, op, path string) error {
	m.mu.Lock()
	m.calls[op]++
	delay, failure := m.delay, m.failure
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return wrapError(m.name, op, path, ctx.Err())
		case <-timer.C:
		}
	}
	return wrapError(m.name, op, path, failure)
}

// Authenticate implements Provider.
func (m *MockProvider) Authenticate(ctx context.Context) (bool, error) {
	if err := m.begin(ctx, "authenticate", ""); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authOK, nil
}

// UploadFile implements Provider.
func (m *MockProvider) UploadFile(ctx context.Context, path string, blob *models.EncryptedBlob) (*models.FileMetadata, error) {
	logical, err := SanitizePath(path, false)
	if err != nil {
		return nil, wrapError(m.name, "upload", path, err)
	}
	if err := m.begin(ctx, "upload", logical); err != nil {
		return nil, err
	}
	data, err := encodeBlob(blob)
	if err != nil {
		return nil, wrapError(m.name, "upload", logical, err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.files[logical] = blob.Clone()
	m.modified[logical] = now
	m.mu.Unlock()

	return &models.FileMetadata{Name: logical, SizeBytes: int64(len(data)), ModifiedAt: now}, nil
}

// DownloadFile implements Provider.
func (m *MockProvider) DownloadFile(ctx context.Context, path string) (*models.EncryptedBlob, error) {
	logical, err := SanitizePath(path, false)
	if err != nil {
		return nil, wrapError(m.name, "download", path, err)
	}
	if err := m.begin(ctx, "download", logical); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.files[logical]
	if !ok {
		return nil, wrapError(m.name, "download", logical, fmt.Errorf("%w: %s", models.ErrNotFound, logical))
	}
	return blob.Clone(), nil
}

// ListFiles implements Provider.
func (m *MockProvider) ListFiles(ctx context.Context, dir string) ([]models.FileMetadata, error) {
	logicalDir, err := SanitizeDir(dir, false)
	if err != nil {
		return nil, wrapError(m.name, "list", dir, err)
	}
	if err := m.begin(ctx, "list", logicalDir); err != nil {
		return nil, err
	}

	prefix := ""
	if logicalDir != "" {
		prefix = logicalDir + "/"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	files := []models.FileMetadata{}
	for p, blob := range m.files {
		rest := strings.TrimPrefix(p, prefix)
		if !strings.HasPrefix(p, prefix) || strings.Contains(rest, "/") {
			continue
		}
		data, _ := models.EncodeBlob(blob)
		files = append(files, models.FileMetadata{Name: p, SizeBytes: int64(len(data)), ModifiedAt: m.modified[p]})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// DeleteFile implements Provider.
func (m *MockProvider) DeleteFile(ctx context.Context, path string) error {
	logical, err := SanitizePath(path, false)
	if err != nil {
		return wrapError(m.name, "delete", path, err)
	}
	if err := m.begin(ctx, "delete", logical); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, logical)
	delete(m.modified, logical)
	return nil
}

// GetServerTimestamp implements Provider.
func (m *MockProvider) GetServerTimestamp(ctx context.Context, path string) (time.Time, error) {
	logical, err := SanitizePath(path, false)
	if err != nil {
		return time.Time{}, wrapError(m.name, "timestamp", path, err)
	}
	if err := m.begin(ctx, "timestamp", logical); err != nil {
		return time.Time{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.modified[logical]
	if !ok {
		return time.Time{}, wrapError(m.name, "timestamp", logical, models.ErrNotFound)
	}
	return ts, nil
}

// CheckConnection implements Provider.
func (m *MockProvider) CheckConnection(ctx context.Context) bool {
	m.mu.Lock()
	m.calls["check"]++
	ok := m.connected
	m.mu.Unlock()
	return ok
}

// GetStorageQuota implements Provider.
func (m *MockProvider) GetStorageQuota(ctx context.Context) (*models.Quota, error) {
	if err := m.begin(ctx, "quota", ""); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.quota != nil {
		q := *m.quota
		return &q, nil
	}
	var used int64
	for _, blob := range m.files {
		used += int64(len(blob.Ciphertext))
	}
	return models.NewQuota(used, -1), nil
}
