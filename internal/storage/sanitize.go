package storage

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/habitsync/internal/models"
)

const maxPathLength = 1024

// SanitizePath normalizes a logical object path: backslashes become
// slashes, repeated separators and "." segments are dropped, leading and
// trailing separators are stripped and the result is NFC-normalized.
// Case-insensitive backends get a lowercased path. ".." segments, NUL bytes
// and empty results are rejected with models.ErrInvalidPath.
func SanitizePath(p string, caseInsensitive bool) (string, error) {
	cleaned, err := sanitize(p, caseInsensitive)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty path", models.ErrInvalidPath)
	}
	return cleaned, nil
}

// SanitizeDir is SanitizePath for directories, where "" names the
// application root.
func SanitizeDir(dir string, caseInsensitive bool) (string, error) {
	return sanitize(dir, caseInsensitive)
}

func sanitize(p string, caseInsensitive bool) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: contains null bytes", models.ErrInvalidPath)
	}

	p = strings.ReplaceAll(p, "\\", "/")

	var segments []string
	for _, seg := range strings.Split(p, "/") {
		switch strings.TrimSpace(seg) {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: contains '..'", models.ErrInvalidPath)
		}
		segments = append(segments, seg)
	}

	cleaned := norm.NFC.String(strings.Join(segments, "/"))
	if caseInsensitive {
		cleaned = strings.ToLower(cleaned)
	}

	if len(cleaned) > maxPathLength {
		return "", fmt.Errorf("%w: path too long: %d characters (max: %d)", models.ErrInvalidPath, len(cleaned), maxPathLength)
	}
	return cleaned, nil
}
