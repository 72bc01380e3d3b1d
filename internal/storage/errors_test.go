package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, "", models.ErrAuthentication},
		{http.StatusForbidden, "", models.ErrAuthentication},
		{http.StatusForbidden, `{"error":{"errors":[{"reason":"storageQuotaExceeded"}]}}`, models.ErrQuotaExceeded},
		{http.StatusNotFound, "", models.ErrNotFound},
		{http.StatusGone, "", models.ErrNotFound},
		{http.StatusRequestEntityTooLarge, "", models.ErrPayloadTooLarge},
		{http.StatusInsufficientStorage, "", models.ErrQuotaExceeded},
		{http.StatusRequestTimeout, "", models.ErrTimeout},
		{http.StatusGatewayTimeout, "", models.ErrTimeout},
		{http.StatusTooManyRequests, "", models.ErrNetworkUnavailable},
		{http.StatusBadGateway, "", models.ErrNetworkUnavailable},
		{http.StatusBadRequest, "", models.ErrInvalidFormat},
		{http.StatusConflict, "", models.ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, kindForStatus(tt.status, []byte(tt.body)))
		})
	}
}

func TestWrapError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, wrapError("dav", "upload", "a", nil))
	})

	t.Run("status error", func(t *testing.T) {
		err := wrapError("dav", "download", "habits/daily", &transport.StatusError{StatusCode: http.StatusNotFound})

		var pe *models.ProviderError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "dav", pe.Provider)
		assert.Equal(t, http.StatusNotFound, pe.StatusCode)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.False(t, models.IsRetryable(err))
	})

	t.Run("deadline", func(t *testing.T) {
		err := wrapError("dav", "list", "", context.DeadlineExceeded)
		assert.ErrorIs(t, err, models.ErrTimeout)
		assert.True(t, models.IsRetryable(err))
	})

	t.Run("cancel passes through", func(t *testing.T) {
		err := wrapError("dav", "list", "", context.Canceled)
		assert.Equal(t, context.Canceled, err)
	})

	t.Run("already wrapped", func(t *testing.T) {
		inner := wrapError("dav", "list", "", models.ErrInvalidPath)
		assert.Same(t, inner, wrapError("rest", "upload", "x", inner))
	})

	t.Run("unknown error is retryable network failure", func(t *testing.T) {
		err := wrapError("dav", "list", "", errors.New("boom"))
		assert.ErrorIs(t, err, models.ErrNetworkUnavailable)
	})
}
