package models

import (
	"path"
	"strings"
	"time"
)

// FileMetadata describes one remote object as reported by a provider.
type FileMetadata struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
	ETag       string    `json:"etag,omitempty"`
}

// Dir returns the directory part of the object name.
func (f *FileMetadata) Dir() string {
	dir := path.Dir(strings.ReplaceAll(f.Name, "\\", "/"))
	if dir == "." {
		return ""
	}
	return dir
}

// Quota describes remote storage usage. AvailableBytes and Percentage are
// nil when the backend does not report them.
type Quota struct {
	UsedBytes      int64    `json:"used_bytes"`
	AvailableBytes *int64   `json:"available_bytes,omitempty"`
	Percentage     *float64 `json:"percentage,omitempty"`
}

// NewQuota builds a quota from used and available byte counts. A negative
// available count means unknown.
func NewQuota(used, available int64) *Quota {
	q := &Quota{UsedBytes: used}
	if available < 0 {
		return q
	}
	q.AvailableBytes = &available
	if total := used + available; total > 0 {
		pct := float64(used) / float64(total) * 100
		q.Percentage = &pct
	}
	return q
}

// Known reports whether the backend reported any capacity information.
func (q *Quota) Known() bool {
	return q != nil && q.AvailableBytes != nil
}
