package storage

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

// DefaultFolderName is the application folder created on each backend.
const DefaultFolderName = "HabitSync"

const (
	methodPropfind = "PROPFIND"
	methodMkcol    = "MKCOL"
)

const propfindEntries = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop>
<d:displayname/><d:getcontentlength/><d:getlastmodified/><d:getetag/><d:resourcetype/>
</d:prop></d:propfind>`

const propfindQuota = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop>
<d:quota-used-bytes/><d:quota-available-bytes/>
</d:prop></d:propfind>`

// WebDAVOptions configures a WebDAVProvider.
type WebDAVOptions struct {
	Name       string
	ServerURL  string
	Username   string
	Password   string
	FolderName string
	Retry      transport.RetryPolicy
}

// WebDAVProvider stores blobs as files under ServerURL/FolderName.
type WebDAVProvider struct {
	base
	client  transport.Doer
	opts    WebDAVOptions
	rootURL *url.URL
	authHdr string

	mu          sync.Mutex
	collections map[string]bool // logical dirs known to exist; "" is the app folder
}

// NewWebDAVProvider creates a WebDAV provider.
func NewWebDAVProvider(opts WebDAVOptions, client transport.Doer, logger *events.Logger) (*WebDAVProvider, error) {
	if opts.FolderName == "" {
		opts.FolderName = DefaultFolderName
	}
	if opts.Name == "" {
		opts.Name = "webdav"
	}

	server, err := url.Parse(strings.TrimRight(opts.ServerURL, "/") + "/")
	if err != nil || server.Scheme == "" || server.Host == "" {
		return nil, fmt.Errorf("%w: invalid webdav server url %q", models.ErrInvalidConfig, opts.ServerURL)
	}

	return &WebDAVProvider{
		base:        newBase(opts.Name, "webdav", opts.Retry, logger),
		client:      client,
		opts:        opts,
		rootURL:     server.JoinPath(opts.FolderName),
		authHdr:     transport.BasicAuth(opts.Username, opts.Password),
		collections: make(map[string]bool),
	}, nil
}

// collectionURL returns the URL of a logical directory, with a trailing slash.
func (p *WebDAVProvider) collectionURL(dir string) string {
	u := p.rootURL
	if dir != "" {
		u = u.JoinPath(strings.Split(dir, "/")...)
	}
	return strings.TrimRight(u.String(), "/") + "/"
}

func (p *WebDAVProvider) objectURL(logical string) string {
	return p.rootURL.JoinPath(strings.Split(objectName(logical), "/")...).String()
}

func (p *WebDAVProvider) newRequest(method, target string, body []byte) *transport.Request {
	req := transport.NewRequest(method, target, body)
	req.Header.Set("Authorization", p.authHdr)
	return req
}

func (p *WebDAVProvider) propfind(ctx context.Context, target, depth, body string) (*transport.Response, error) {
	req := p.newRequest(methodPropfind, target, []byte(body))
	req.Header.Set("Depth", depth)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	return p.client.Do(ctx, req)
}

// Authenticate checks the credentials against the server root and creates
// the application folder.
func (p *WebDAVProvider) Authenticate(ctx context.Context) (bool, error) {
	var resp *transport.Response
	err := p.withRetry(ctx, "authenticate", "", func(ctx context.Context) error {
		var err error
		resp, err = p.propfind(ctx, strings.TrimRight(p.opts.ServerURL, "/")+"/", "0", propfindQuota)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil
		}
		return resp.Err(http.StatusMultiStatus)
	})
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		p.logger.Warn("WebDAV credentials rejected")
		return false, nil
	}

	if err := p.ensureCollection(ctx, ""); err != nil {
		return false, err
	}
	p.logger.Debug("WebDAV authenticated")
	return true, nil
}

// ensureCollection creates dir and every missing parent, remembering what
// already exists.
func (p *WebDAVProvider) ensureCollection(ctx context.Context, dir string) error {
	chain := []string{""}
	if dir != "" {
		parts := strings.Split(dir, "/")
		for i := range parts {
			chain = append(chain, strings.Join(parts[:i+1], "/"))
		}
	}

	for _, d := range chain {
		p.mu.Lock()
		known := p.collections[d]
		p.mu.Unlock()
		if known {
			continue
		}

		err := p.withRetry(ctx, "mkcol", d, func(ctx context.Context) error {
			resp, err := p.client.Do(ctx, p.newRequest(methodMkcol, p.collectionURL(d), nil))
			if err != nil {
				return err
			}
			// 405: already exists
			return resp.Err(http.StatusMethodNotAllowed)
		})
		if err != nil {
			return err
		}

		p.mu.Lock()
		p.collections[d] = true
		p.mu.Unlock()
	}
	return nil
}

// UploadFile PUTs the whole blob, creating parent collections first.
func (p *WebDAVProvider) UploadFile(ctx context.Context, filePath string, blob *models.EncryptedBlob) (*models.FileMetadata, error) {
	logical, err := SanitizePath(filePath, false)
	if err != nil {
		return nil, wrapError(p.name, "upload", filePath, err)
	}
	data, err := encodeBlob(blob)
	if err != nil {
		return nil, wrapError(p.name, "upload", logical, err)
	}

	if err := p.ensureCollection(ctx, dirOf(logical)); err != nil {
		return nil, err
	}

	err = p.withRetry(ctx, "upload", logical, func(ctx context.Context) error {
		req := p.newRequest(http.MethodPut, p.objectURL(logical), data)
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(ctx, req)
		if err != nil {
			return err
		}
		return resp.Err()
	})
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(map[string]interface{}{
		"path": logical,
		"size": len(data),
	}).Debug("Uploaded object")

	meta, err := p.stat(ctx, logical)
	if err != nil {
		p.logger.WithError(err).Debug("Metadata lookup after upload failed")
		return &models.FileMetadata{
			Name:       logical,
			SizeBytes:  int64(len(data)),
			ModifiedAt: time.Now().UTC(),
		}, nil
	}
	return meta, nil
}

// DownloadFile GETs and decodes a blob.
func (p *WebDAVProvider) DownloadFile(ctx context.Context, filePath string) (*models.EncryptedBlob, error) {
	logical, err := SanitizePath(filePath, false)
	if err != nil {
		return nil, wrapError(p.name, "download", filePath, err)
	}

	var data []byte
	err = p.withRetry(ctx, "download", logical, func(ctx context.Context) error {
		resp, err := p.client.Do(ctx, p.newRequest(http.MethodGet, p.objectURL(logical), nil))
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		data = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}

	blob, err := models.DecodeBlob(data)
	if err != nil {
		return nil, wrapError(p.name, "download", logical, err)
	}
	return blob, nil
}

// ListFiles issues a depth-1 PROPFIND and keeps only this application's
// objects. A missing directory lists as empty.
func (p *WebDAVProvider) ListFiles(ctx context.Context, dir string) ([]models.FileMetadata, error) {
	logicalDir, err := SanitizeDir(dir, false)
	if err != nil {
		return nil, wrapError(p.name, "list", dir, err)
	}

	target := p.collectionURL(logicalDir)
	var body []byte
	err = p.withRetry(ctx, "list", logicalDir, func(ctx context.Context) error {
		resp, err := p.propfind(ctx, target, "1", propfindEntries)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			body = nil
			return nil
		}
		if err := resp.Err(); err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return []models.FileMetadata{}, nil
	}

	entries, err := parseMultistatus(body)
	if err != nil {
		return nil, wrapError(p.name, "list", logicalDir, err)
	}

	selfPath := hrefPath(target)
	files := make([]models.FileMetadata, 0, len(entries))
	for _, e := range entries {
		if e.collection || e.path == selfPath {
			continue
		}
		name, ok := logicalName(path.Base(e.path))
		if !ok {
			continue
		}
		files = append(files, models.FileMetadata{
			Name:       joinLogical(logicalDir, name),
			SizeBytes:  e.size,
			ModifiedAt: e.modified,
			ETag:       e.etag,
		})
	}
	return files, nil
}

// DeleteFile removes an object. A missing object is not an error.
func (p *WebDAVProvider) DeleteFile(ctx context.Context, filePath string) error {
	logical, err := SanitizePath(filePath, false)
	if err != nil {
		return wrapError(p.name, "delete", filePath, err)
	}

	return p.withRetry(ctx, "delete", logical, func(ctx context.Context) error {
		resp, err := p.client.Do(ctx, p.newRequest(http.MethodDelete, p.objectURL(logical), nil))
		if err != nil {
			return err
		}
		return resp.Err(http.StatusNotFound)
	})
}

// GetServerTimestamp returns the object's last-modified time.
func (p *WebDAVProvider) GetServerTimestamp(ctx context.Context, filePath string) (time.Time, error) {
	logical, err := SanitizePath(filePath, false)
	if err != nil {
		return time.Time{}, wrapError(p.name, "timestamp", filePath, err)
	}

	meta, err := p.stat(ctx, logical)
	if err != nil {
		return time.Time{}, err
	}
	return meta.ModifiedAt, nil
}

func (p *WebDAVProvider) stat(ctx context.Context, logical string) (*models.FileMetadata, error) {
	var body []byte
	err := p.withRetry(ctx, "stat", logical, func(ctx context.Context) error {
		resp, err := p.propfind(ctx, p.objectURL(logical), "0", propfindEntries)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries, err := parseMultistatus(body)
	if err != nil {
		return nil, wrapError(p.name, "stat", logical, err)
	}
	if len(entries) == 0 {
		return nil, wrapError(p.name, "stat", logical, models.ErrNotFound)
	}

	e := entries[0]
	return &models.FileMetadata{
		Name:       logical,
		SizeBytes:  e.size,
		ModifiedAt: e.modified,
		ETag:       e.etag,
	}, nil
}

// CheckConnection probes the application folder.
func (p *WebDAVProvider) CheckConnection(ctx context.Context) bool {
	resp, err := p.propfind(ctx, p.collectionURL(""), "0", propfindEntries)
	if err != nil {
		return false
	}
	return resp.StatusCode == http.StatusMultiStatus
}

// GetStorageQuota reads RFC 4331 quota properties. Servers that do not
// report them yield an unknown quota.
func (p *WebDAVProvider) GetStorageQuota(ctx context.Context) (*models.Quota, error) {
	var body []byte
	err := p.withRetry(ctx, "quota", "", func(ctx context.Context) error {
		resp, err := p.propfind(ctx, p.collectionURL(""), "0", propfindQuota)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries, err := parseMultistatus(body)
	if err != nil {
		return nil, wrapError(p.name, "quota", "", err)
	}
	if len(entries) == 0 || entries[0].quotaUsed < 0 {
		return &models.Quota{}, nil
	}
	return models.NewQuota(entries[0].quotaUsed, entries[0].quotaAvailable), nil
}

func dirOf(logical string) string {
	dir := path.Dir(logical)
	if dir == "." {
		return ""
	}
	return dir
}

// multistatus is the subset of RFC 4918 the provider reads.
type multistatus struct {
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href      string        `xml:"DAV: href"`
	Propstats []davPropstat `xml:"DAV: propstat"`
}

type davPropstat struct {
	Status string  `xml:"DAV: status"`
	Prop   davProp `xml:"DAV: prop"`
}

type davProp struct {
	DisplayName    string          `xml:"DAV: displayname"`
	ContentLength  string          `xml:"DAV: getcontentlength"`
	LastModified   string          `xml:"DAV: getlastmodified"`
	ETag           string          `xml:"DAV: getetag"`
	ResourceType   davResourceType `xml:"DAV: resourcetype"`
	QuotaUsed      string          `xml:"DAV: quota-used-bytes"`
	QuotaAvailable string          `xml:"DAV: quota-available-bytes"`
}

type davResourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

type davEntry struct {
	path           string
	collection     bool
	size           int64
	modified       time.Time
	etag           string
	quotaUsed      int64
	quotaAvailable int64
}

// parseMultistatus reads only propstats with a 200 status.
func parseMultistatus(body []byte) ([]davEntry, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: parse multistatus: %v", models.ErrInvalidFormat, err)
	}

	entries := make([]davEntry, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		e := davEntry{path: hrefPath(r.Href), quotaUsed: -1, quotaAvailable: -1}
		for _, ps := range r.Propstats {
			if !statusOK(ps.Status) {
				continue
			}
			prop := ps.Prop
			if prop.ResourceType.Collection != nil {
				e.collection = true
			}
			if n, err := strconv.ParseInt(strings.TrimSpace(prop.ContentLength), 10, 64); err == nil {
				e.size = n
			}
			if t, err := http.ParseTime(strings.TrimSpace(prop.LastModified)); err == nil {
				e.modified = t.UTC()
			}
			if prop.ETag != "" {
				e.etag = strings.Trim(strings.TrimSpace(prop.ETag), `"`)
			}
			if n, err := strconv.ParseInt(strings.TrimSpace(prop.QuotaUsed), 10, 64); err == nil {
				e.quotaUsed = n
			}
			if n, err := strconv.ParseInt(strings.TrimSpace(prop.QuotaAvailable), 10, 64); err == nil {
				e.quotaAvailable = n
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func statusOK(status string) bool {
	fields := strings.Fields(status)
	return len(fields) >= 2 && fields[1] == "200"
}

// hrefPath reduces an href or URL to its decoded path without a trailing
// slash.
func hrefPath(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return strings.TrimRight(href, "/")
	}
	return strings.TrimRight(u.Path, "/")
}
