// Package sync moves encrypted habit records between this device and the
// routed storage endpoints.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/router"
)

// Errors
var (
	ErrReencryptInProgress = errors.New("re-encryption already in progress")
)

// Cipher seals and opens blobs. *crypto.Engine implements it.
type Cipher interface {
	Encrypt(payload interface{}, contextTag string) (*models.EncryptedBlob, error)
	EncryptBytes(plaintext []byte, contextTag string) (*models.EncryptedBlob, error)
	Decrypt(blob *models.EncryptedBlob, out interface{}) error
	DecryptBytes(blob *models.EncryptedBlob) ([]byte, error)
}

// Router dispatches storage requests. *router.Router implements it.
type Router interface {
	Do(ctx context.Context, req router.Request) (*router.Result, error)
	Status() models.RouterStatus
}

// Config contains sync configuration.
type Config struct {
	// MaxConcurrent bounds parallel transfers during re-encryption.
	MaxConcurrent int
}

// PushResult describes a completed upload.
type PushResult struct {
	Endpoint string
	Metadata *models.FileMetadata
}

// PullResult describes where a download was served from.
type PullResult struct {
	Endpoint  string
	FromCache bool
	Stale     bool
	CreatedAt time.Time
	Context   string
}

// Progress tracks a re-encryption run.
type Progress struct {
	Phase          string
	TotalFiles     int
	ProcessedFiles int
	StartTime      time.Time
	Errors         []error
}

// ReencryptReport summarizes a re-encryption run.
type ReencryptReport struct {
	Total       int
	Reencrypted int
	Failed      map[string]error
}

// Service provides high-level sync operations.
type Service struct {
	router        Router
	cipher        Cipher
	logger        *events.Logger
	maxConcurrent int

	mu    sync.RWMutex
	scope string

	busy     atomic.Bool
	progress atomic.Value // *Progress
}

// NewService creates a sync service.
func NewService(r Router, cipher Cipher, config *Config, logger *events.Logger) *Service {
	maxConcurrent := 4
	if config != nil && config.MaxConcurrent > 0 {
		maxConcurrent = config.MaxConcurrent
	}
	return &Service{
		router:        r,
		cipher:        cipher,
		logger:        logger.WithField("service", "sync"),
		maxConcurrent: maxConcurrent,
	}
}

// SetScope sets the cache partition, normally the session's CacheScope.
func (s *Service) SetScope(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope = scope
}

func (s *Service) currentScope() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scope
}

// Push encrypts payload under contextTag and uploads it to path.
func (s *Service) Push(ctx context.Context, path string, payload interface{}, contextTag string) (*PushResult, error) {
	blob, err := s.cipher.Encrypt(payload, contextTag)
	if err != nil {
		return nil, err
	}
	return s.upload(ctx, path, blob)
}

// PushBytes is Push for an already serialized payload.
func (s *Service) PushBytes(ctx context.Context, path string, plaintext []byte, contextTag string) (*PushResult, error) {
	blob, err := s.cipher.EncryptBytes(plaintext, contextTag)
	if err != nil {
		return nil, err
	}
	return s.upload(ctx, path, blob)
}

func (s *Service) upload(ctx context.Context, path string, blob *models.EncryptedBlob) (*PushResult, error) {
	res, err := s.router.Do(ctx, router.Request{
		Op:          router.OpUpload,
		Path:        path,
		Blob:        blob,
		ContentType: blob.Context,
		Scope:       s.currentScope(),
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"path":     path,
		"endpoint": res.Endpoint,
	}).Debug("Pushed record")
	return &PushResult{Endpoint: res.Endpoint, Metadata: res.Metadata}, nil
}

// Pull downloads path, checks it carries contextTag and decrypts it into
// out. Endpoints are tried before the cache.
func (s *Service) Pull(ctx context.Context, path, contextTag string, out interface{}) (*PullResult, error) {
	return s.pull(ctx, path, contextTag, router.NetworkFirst, func(blob *models.EncryptedBlob) error {
		return s.cipher.Decrypt(blob, out)
	})
}

// PullCached is Pull but answers from a fresh cache entry when possible.
func (s *Service) PullCached(ctx context.Context, path, contextTag string, out interface{}) (*PullResult, error) {
	return s.pull(ctx, path, contextTag, router.CacheFirst, func(blob *models.EncryptedBlob) error {
		return s.cipher.Decrypt(blob, out)
	})
}

// PullBytes returns the raw plaintext.
func (s *Service) PullBytes(ctx context.Context, path, contextTag string) ([]byte, *PullResult, error) {
	var plaintext []byte
	res, err := s.pull(ctx, path, contextTag, router.NetworkFirst, func(blob *models.EncryptedBlob) error {
		var err error
		plaintext, err = s.cipher.DecryptBytes(blob)
		return err
	})
	return plaintext, res, err
}

func (s *Service) pull(ctx context.Context, path, contextTag string, policy router.Policy, open func(*models.EncryptedBlob) error) (*PullResult, error) {
	res, err := s.router.Do(ctx, router.Request{
		Op:          router.OpDownload,
		Path:        path,
		ContentType: contextTag,
		Policy:      policy,
		Scope:       s.currentScope(),
	})
	if err != nil {
		return nil, err
	}

	blob := res.Blob
	if contextTag != "" && blob.Context != contextTag {
		return nil, fmt.Errorf("%w: %s holds %q, expected %q", models.ErrInvalidFormat, path, blob.Context, contextTag)
	}
	if err := open(blob); err != nil {
		return nil, err
	}

	if res.Stale {
		s.logger.WithField("path", path).Warn("Serving stale copy; all endpoints unavailable")
	}
	return &PullResult{
		Endpoint:  res.Endpoint,
		FromCache: res.FromCache,
		Stale:     res.Stale,
		CreatedAt: blob.CreatedAt,
		Context:   blob.Context,
	}, nil
}

// List returns the records directly under dir.
func (s *Service) List(ctx context.Context, dir string) ([]models.FileMetadata, error) {
	res, err := s.router.Do(ctx, router.Request{Op: router.OpList, Path: dir, Scope: s.currentScope()})
	if err != nil {
		return nil, err
	}
	return res.Files, nil
}

// Delete removes path. Deleting a missing record succeeds.
func (s *Service) Delete(ctx context.Context, path string) error {
	_, err := s.router.Do(ctx, router.Request{Op: router.OpDelete, Path: path, Scope: s.currentScope()})
	return err
}

// Quota reports storage usage of the serving endpoint.
func (s *Service) Quota(ctx context.Context) (*models.Quota, error) {
	res, err := s.router.Do(ctx, router.Request{Op: router.OpQuota, Scope: s.currentScope()})
	if err != nil {
		return nil, err
	}
	return res.Quota, nil
}

// Status returns aggregate router health for the sync-status UI.
func (s *Service) Status() models.RouterStatus {
	return s.router.Status()
}

// GetProgress returns the progress of the current or last re-encryption.
func (s *Service) GetProgress() *Progress {
	if p := s.progress.Load(); p != nil {
		return p.(*Progress)
	}
	return nil
}

// Reencrypt rewrites every record directly under dir so that next can open
// it. Records are opened with the current cipher. Call it before switching
// keys; stale cached copies are never re-uploaded.
func (s *Service) Reencrypt(ctx context.Context, dir string, next Cipher) (*ReencryptReport, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrReencryptInProgress
	}
	defer s.busy.Store(false)

	progress := &Progress{Phase: "listing", StartTime: time.Now()}
	s.progress.Store(progress)

	files, err := s.List(ctx, dir)
	if err != nil {
		s.progress.Store(&Progress{Phase: "failed", StartTime: progress.StartTime, Errors: []error{err}})
		return nil, fmt.Errorf("list %q: %w", dir, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"dir":   dir,
		"files": len(files),
	}).Info("Starting re-encryption")

	report := &ReencryptReport{Total: len(files), Failed: map[string]error{}}
	var mu sync.Mutex
	processed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for _, f := range files {
		name := f.Name
		g.Go(func() error {
			err := s.reencryptOne(gctx, name, next)

			mu.Lock()
			defer mu.Unlock()
			processed++
			snapshot := &Progress{
				Phase:          "reencrypting",
				TotalFiles:     len(files),
				ProcessedFiles: processed,
				StartTime:      progress.StartTime,
			}
			if err != nil {
				report.Failed[name] = err
				s.logger.WithError(err).WithField("path", name).Error("Failed to re-encrypt record")
			} else {
				report.Reencrypted++
			}
			for _, e := range report.Failed {
				snapshot.Errors = append(snapshot.Errors, e)
			}
			s.progress.Store(snapshot)

			// Cancellation stops the run; per-record failures do not.
			if errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	final := *s.GetProgress()
	final.Phase = "completed"
	s.progress.Store(&final)

	s.logger.WithFields(map[string]interface{}{
		"reencrypted": report.Reencrypted,
		"failed":      len(report.Failed),
	}).Info("Re-encryption finished")
	return report, nil
}

func (s *Service) reencryptOne(ctx context.Context, path string, next Cipher) error {
	scope := s.currentScope()
	res, err := s.router.Do(ctx, router.Request{Op: router.OpDownload, Path: path, Scope: scope})
	if err != nil {
		return err
	}
	if res.Stale {
		return fmt.Errorf("%w: only a stale copy of %s is reachable", models.ErrNetworkUnavailable, path)
	}

	plaintext, err := s.cipher.DecryptBytes(res.Blob)
	if err != nil {
		return err
	}
	blob, err := next.EncryptBytes(plaintext, res.Blob.Context)
	if err != nil {
		return err
	}

	_, err = s.router.Do(ctx, router.Request{
		Op:          router.OpUpload,
		Path:        path,
		Blob:        blob,
		ContentType: blob.Context,
		Scope:       scope,
	})
	return err
}
