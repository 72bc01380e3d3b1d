package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	// flatSeparator replaces "/" in object names; the backend has no
	// directories inside the application folder.
	flatSeparator = "__"
	fileFields    = "id,name,size,modifiedTime,md5Checksum"
)

// TokenSource supplies bearer tokens. Refresh is called after a 401 and
// must coalesce concurrent callers.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// RESTOptions configures a RESTProvider.
type RESTOptions struct {
	Name       string
	APIURL     string // e.g. https://www.googleapis.com/drive/v3
	UploadURL  string // e.g. https://www.googleapis.com/upload/drive/v3
	FolderName string
	Retry      transport.RetryPolicy
}

// RESTProvider stores blobs as flat objects inside one application folder
// of a token-authenticated object API.
type RESTProvider struct {
	base
	client transport.Doer
	tokens TokenSource
	opts   RESTOptions

	folderGroup singleflight.Group
	mu          sync.RWMutex
	folderID    string
}

// NewRESTProvider creates a REST provider.
func NewRESTProvider(opts RESTOptions, client transport.Doer, tokens TokenSource, logger *events.Logger) (*RESTProvider, error) {
	if opts.APIURL == "" || opts.UploadURL == "" {
		return nil, fmt.Errorf("%w: rest provider needs api and upload urls", models.ErrInvalidConfig)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: rest provider needs a token source", models.ErrInvalidConfig)
	}
	if opts.FolderName == "" {
		opts.FolderName = DefaultFolderName
	}
	if opts.Name == "" {
		opts.Name = "rest"
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	opts.UploadURL = strings.TrimRight(opts.UploadURL, "/")

	return &RESTProvider{
		base:   newBase(opts.Name, "rest", opts.Retry, logger),
		client: client,
		tokens: tokens,
		opts:   opts,
	}, nil
}

type driveFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         string    `json:"size"`
	ModifiedTime time.Time `json:"modifiedTime"`
	MD5Checksum  string    `json:"md5Checksum"`
}

type driveFileList struct {
	Files         []driveFile `json:"files"`
	NextPageToken string      `json:"nextPageToken"`
}

func (f driveFile) metadata(logical string) models.FileMetadata {
	size, _ := strconv.ParseInt(f.Size, 10, 64)
	return models.FileMetadata{
		Name:       logical,
		SizeBytes:  size,
		ModifiedAt: f.ModifiedTime.UTC(),
		ETag:       f.MD5Checksum,
	}
}

// flatName maps a logical path to the object name used on the backend.
func flatName(logical string) (string, error) {
	for _, seg := range strings.Split(logical, "/") {
		if strings.Contains(seg, flatSeparator) {
			return "", fmt.Errorf("%w: segment %q contains %q", models.ErrInvalidPath, seg, flatSeparator)
		}
	}
	return objectName(strings.ReplaceAll(logical, "/", flatSeparator)), nil
}

func (p *RESTProvider) sanitize(op, filePath string) (logical, name string, err error) {
	logical, err = SanitizePath(filePath, true)
	if err == nil {
		name, err = flatName(logical)
	}
	if err != nil {
		return "", "", wrapError(p.name, op, filePath, err)
	}
	return logical, name, nil
}

// send issues req with a bearer token, refreshing once on 401 when
// refresh is set.
func (p *RESTProvider) send(ctx context.Context, req *transport.Request, refresh bool) (*transport.Response, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, tokenError(err)
	}
	req.Header.Set("Authorization", transport.Bearer(token))

	resp, err := p.client.Do(ctx, req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !refresh {
		return resp, err
	}

	p.logger.Debug("Token rejected, refreshing")
	token, err = p.tokens.Refresh(ctx)
	if err != nil {
		return nil, tokenError(fmt.Errorf("refresh token: %w", err))
	}
	req.Header.Set("Authorization", transport.Bearer(token))
	return p.client.Do(ctx, req)
}

// tokenError classifies a token source failure. An unreachable token
// endpoint stays retryable; anything else means the credentials are
// unusable.
func tokenError(err error) error {
	if models.IsRetryable(err) || errors.Is(err, models.ErrAuthentication) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrAuthentication, err)
}

// call runs one request under the retry policy and decodes a JSON body
// into out when it is non-nil.
func (p *RESTProvider) call(ctx context.Context, op, path string, build func() *transport.Request, out interface{}, accept ...int) (*transport.Response, error) {
	var resp *transport.Response
	err := p.withRetry(ctx, op, path, func(ctx context.Context) error {
		var err error
		resp, err = p.send(ctx, build(), true)
		if err != nil {
			return err
		}
		if err := resp.Err(accept...); err != nil {
			return err
		}
		if out != nil && resp.OK() {
			return resp.DecodeJSON(out)
		}
		return nil
	})
	return resp, err
}

func (p *RESTProvider) searchURL(query string) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("fields", "nextPageToken,files("+fileFields+")")
	v.Set("spaces", "drive")
	return p.opts.APIURL + "/files?" + v.Encode()
}

func quoteQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

// folder returns the application folder ID, finding or creating it once
// per provider lifetime.
func (p *RESTProvider) folder(ctx context.Context) (string, error) {
	p.mu.RLock()
	id := p.folderID
	p.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	v, err, _ := p.folderGroup.Do("folder", func() (interface{}, error) {
		query := fmt.Sprintf("name = %s and mimeType = '%s' and trashed = false",
			quoteQuery(p.opts.FolderName), folderMimeType)

		var list driveFileList
		if _, err := p.call(ctx, "find-folder", "", func() *transport.Request {
			return transport.NewRequest(http.MethodGet, p.searchURL(query), nil)
		}, &list); err != nil {
			return "", err
		}

		if len(list.Files) > 0 {
			return list.Files[0].ID, nil
		}

		body, _ := json.Marshal(map[string]interface{}{
			"name":     p.opts.FolderName,
			"mimeType": folderMimeType,
		})
		var created driveFile
		if _, err := p.call(ctx, "create-folder", "", func() *transport.Request {
			req := transport.NewRequest(http.MethodPost, p.opts.APIURL+"/files?fields=id", body)
			req.Header.Set("Content-Type", "application/json")
			return req
		}, &created); err != nil {
			return "", err
		}
		p.logger.WithField("folder", p.opts.FolderName).Info("Created application folder")
		return created.ID, nil
	})
	if err != nil {
		return "", err
	}

	id = v.(string)
	p.mu.Lock()
	p.folderID = id
	p.mu.Unlock()
	return id, nil
}

// lookup finds an object by name. It returns nil when absent.
func (p *RESTProvider) lookup(ctx context.Context, op, logical, name string) (*driveFile, error) {
	folderID, err := p.folder(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("name = %s and %s in parents and trashed = false", quoteQuery(name), quoteQuery(folderID))
	var list driveFileList
	if _, err := p.call(ctx, op, logical, func() *transport.Request {
		return transport.NewRequest(http.MethodGet, p.searchURL(query), nil)
	}, &list); err != nil {
		return nil, err
	}
	if len(list.Files) == 0 {
		return nil, nil
	}
	return &list.Files[0], nil
}

// Authenticate validates the token and prepares the application folder.
func (p *RESTProvider) Authenticate(ctx context.Context) (bool, error) {
	_, err := p.call(ctx, "authenticate", "", func() *transport.Request {
		return transport.NewRequest(http.MethodGet, p.opts.APIURL+"/about?fields=user", nil)
	}, nil)
	if errors.Is(err, models.ErrAuthentication) {
		p.logger.Warn("Access token rejected")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := p.folder(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// UploadFile creates the object with a multipart request, or replaces its
// media when it already exists.
func (p *RESTProvider) UploadFile(ctx context.Context, filePath string, blob *models.EncryptedBlob) (*models.FileMetadata, error) {
	logical, name, err := p.sanitize("upload", filePath)
	if err != nil {
		return nil, err
	}
	data, err := encodeBlob(blob)
	if err != nil {
		return nil, wrapError(p.name, "upload", logical, err)
	}

	existing, err := p.lookup(ctx, "upload", logical, name)
	if err != nil {
		return nil, err
	}

	var result driveFile
	if existing != nil {
		target := fmt.Sprintf("%s/files/%s?uploadType=media&fields=%s", p.opts.UploadURL, url.PathEscape(existing.ID), fileFields)
		_, err = p.call(ctx, "upload", logical, func() *transport.Request {
			req := transport.NewRequest(http.MethodPatch, target, data)
			req.Header.Set("Content-Type", "application/json")
			return req
		}, &result)
	} else {
		folderID, ferr := p.folder(ctx)
		if ferr != nil {
			return nil, ferr
		}
		body, contentType, merr := multipartBody(name, folderID, data)
		if merr != nil {
			return nil, wrapError(p.name, "upload", logical, merr)
		}
		target := fmt.Sprintf("%s/files?uploadType=multipart&fields=%s", p.opts.UploadURL, fileFields)
		_, err = p.call(ctx, "upload", logical, func() *transport.Request {
			req := transport.NewRequest(http.MethodPost, target, body)
			req.Header.Set("Content-Type", contentType)
			return req
		}, &result)
	}
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(map[string]interface{}{
		"path":    logical,
		"size":    len(data),
		"replace": existing != nil,
	}).Debug("Uploaded object")

	meta := result.metadata(logical)
	if meta.SizeBytes == 0 {
		meta.SizeBytes = int64(len(data))
	}
	return &meta, nil
}

// multipartBody builds a multipart/related payload of metadata then media.
func multipartBody(name, folderID string, data []byte) ([]byte, string, error) {
	meta, err := json.Marshal(map[string]interface{}{
		"name":     name,
		"parents":  []string{folderID},
		"mimeType": "application/json",
	})
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := w.CreatePart(metaHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(meta); err != nil {
		return nil, "", err
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", "application/json")
	part, err = w.CreatePart(mediaHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/related; boundary=" + w.Boundary(), nil
}

// DownloadFile fetches the object media.
func (p *RESTProvider) DownloadFile(ctx context.Context, filePath string) (*models.EncryptedBlob, error) {
	logical, name, err := p.sanitize("download", filePath)
	if err != nil {
		return nil, err
	}

	file, err := p.lookup(ctx, "download", logical, name)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, wrapError(p.name, "download", logical, models.ErrNotFound)
	}

	resp, err := p.call(ctx, "download", logical, func() *transport.Request {
		return transport.NewRequest(http.MethodGet, fmt.Sprintf("%s/files/%s?alt=media", p.opts.APIURL, url.PathEscape(file.ID)), nil)
	}, nil)
	if err != nil {
		return nil, err
	}

	blob, err := models.DecodeBlob(resp.Body)
	if err != nil {
		return nil, wrapError(p.name, "download", logical, err)
	}
	return blob, nil
}

// ListFiles lists the objects whose flattened name sits directly under dir.
func (p *RESTProvider) ListFiles(ctx context.Context, dir string) ([]models.FileMetadata, error) {
	logicalDir, err := SanitizeDir(dir, true)
	if err != nil {
		return nil, wrapError(p.name, "list", dir, err)
	}
	folderID, err := p.folder(ctx)
	if err != nil {
		return nil, err
	}

	prefix := ""
	if logicalDir != "" {
		prefix = strings.ReplaceAll(logicalDir, "/", flatSeparator) + flatSeparator
	}

	query := fmt.Sprintf("%s in parents and trashed = false", quoteQuery(folderID))
	files := []models.FileMetadata{}
	pageToken := ""
	for {
		target := p.searchURL(query)
		if pageToken != "" {
			target += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var list driveFileList
		if _, err := p.call(ctx, "list", logicalDir, func() *transport.Request {
			return transport.NewRequest(http.MethodGet, target, nil)
		}, &list); err != nil {
			return nil, err
		}

		for _, f := range list.Files {
			base, ok := logicalName(f.Name)
			if !ok || !strings.HasPrefix(base, prefix) {
				continue
			}
			rest := strings.TrimPrefix(base, prefix)
			if rest == "" || strings.Contains(rest, flatSeparator) {
				continue
			}
			files = append(files, f.metadata(joinLogical(logicalDir, rest)))
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}
	return files, nil
}

// DeleteFile removes the object. A missing object is not an error.
func (p *RESTProvider) DeleteFile(ctx context.Context, filePath string) error {
	logical, name, err := p.sanitize("delete", filePath)
	if err != nil {
		return err
	}

	file, err := p.lookup(ctx, "delete", logical, name)
	if err != nil || file == nil {
		return err
	}

	_, err = p.call(ctx, "delete", logical, func() *transport.Request {
		return transport.NewRequest(http.MethodDelete, fmt.Sprintf("%s/files/%s", p.opts.APIURL, url.PathEscape(file.ID)), nil)
	}, nil, http.StatusNotFound)
	return err
}

// GetServerTimestamp returns the object's modification time.
func (p *RESTProvider) GetServerTimestamp(ctx context.Context, filePath string) (time.Time, error) {
	logical, name, err := p.sanitize("timestamp", filePath)
	if err != nil {
		return time.Time{}, err
	}

	file, err := p.lookup(ctx, "timestamp", logical, name)
	if err != nil {
		return time.Time{}, err
	}
	if file == nil {
		return time.Time{}, wrapError(p.name, "timestamp", logical, models.ErrNotFound)
	}
	return file.ModifiedTime.UTC(), nil
}

// CheckConnection probes the account endpoint.
func (p *RESTProvider) CheckConnection(ctx context.Context) bool {
	resp, err := p.send(ctx, transport.NewRequest(http.MethodGet, p.opts.APIURL+"/about?fields=user", nil), false)
	return err == nil && resp.OK()
}

// GetStorageQuota reads account-level usage. A missing limit means the
// account is unlimited.
func (p *RESTProvider) GetStorageQuota(ctx context.Context) (*models.Quota, error) {
	var about struct {
		StorageQuota struct {
			Limit string `json:"limit"`
			Usage string `json:"usage"`
		} `json:"storageQuota"`
	}

	if _, err := p.call(ctx, "quota", "", func() *transport.Request {
		return transport.NewRequest(http.MethodGet, p.opts.APIURL+"/about?fields=storageQuota", nil)
	}, &about); err != nil {
		return nil, err
	}

	used, _ := strconv.ParseInt(about.StorageQuota.Usage, 10, 64)
	limit, err := strconv.ParseInt(about.StorageQuota.Limit, 10, 64)
	if err != nil || about.StorageQuota.Limit == "" {
		return models.NewQuota(used, -1), nil
	}
	available := limit - used
	if available < 0 {
		available = 0
	}
	return models.NewQuota(used, available), nil
}
