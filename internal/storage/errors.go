package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

// kindForStatus maps an HTTP status onto the error taxonomy.
func kindForStatus(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return models.ErrAuthentication
	case status == http.StatusForbidden:
		if quotaReason(body) {
			return models.ErrQuotaExceeded
		}
		return models.ErrAuthentication
	case status == http.StatusNotFound, status == http.StatusGone:
		return models.ErrNotFound
	case status == http.StatusRequestEntityTooLarge:
		return models.ErrPayloadTooLarge
	case status == http.StatusInsufficientStorage:
		return models.ErrQuotaExceeded
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return models.ErrTimeout
	case status == http.StatusTooManyRequests, status >= 500:
		return models.ErrNetworkUnavailable
	default:
		// Remaining 4xx: the request itself was rejected
		return models.ErrInvalidFormat
	}
}

// quotaReason spots the reasons object-store APIs give for a 403 caused by
// a full account.
func quotaReason(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "storagequotaexceeded") ||
		strings.Contains(s, "quotaexceeded") ||
		strings.Contains(s, "quota exceeded")
}

// wrapError converts err into a *models.ProviderError. Errors already in
// that form, and caller cancellation, pass through unchanged.
func wrapError(provider, op, path string, err error) error {
	if err == nil {
		return nil
	}

	var pe *models.ProviderError
	if errors.As(err, &pe) || errors.Is(err, context.Canceled) {
		return err
	}

	out := &models.ProviderError{Provider: provider, Op: op, Path: path, Err: err}

	var statusErr *transport.StatusError
	switch {
	case errors.As(err, &statusErr):
		out.StatusCode = statusErr.StatusCode
		out.Kind = kindForStatus(statusErr.StatusCode, statusErr.Body)
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = models.ErrTimeout
	default:
		out.Kind = taxonomyKind(err)
	}
	return out
}

var taxonomy = []error{
	models.ErrNotInitialized,
	models.ErrDecryption,
	models.ErrInvalidFormat,
	models.ErrInvalidPath,
	models.ErrAuthentication,
	models.ErrNotFound,
	models.ErrQuotaExceeded,
	models.ErrPayloadTooLarge,
	models.ErrTimeout,
	models.ErrNetworkUnavailable,
}

func taxonomyKind(err error) error {
	for _, kind := range taxonomy {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return models.ErrNetworkUnavailable
}
