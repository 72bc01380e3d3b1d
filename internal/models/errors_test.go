package models_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/habitsync/internal/models"
)

func TestProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  *models.ProviderError
		want string
	}{
		{
			name: "with path and status",
			err: &models.ProviderError{
				Provider:   "webdav",
				Op:         "download",
				Path:       "habits/daily",
				Kind:       models.ErrNotFound,
				StatusCode: 404,
			},
			want: "webdav download habits/daily (HTTP 404): not found",
		},
		{
			name: "with cause",
			err: &models.ProviderError{
				Provider: "rest",
				Op:       "quota",
				Kind:     models.ErrNetworkUnavailable,
				Err:      errors.New("connection refused"),
			},
			want: "rest quota: network unavailable: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", &models.ProviderError{
		Provider: "webdav",
		Op:       "upload",
		Kind:     models.ErrTimeout,
		Err:      cause,
	})

	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.ErrorIs(t, err, cause)

	var pe *models.ProviderError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, "upload", pe.Op)
}

func TestAggregateError(t *testing.T) {
	err := &models.AggregateError{
		Attempts: []string{"primary", "backup"},
		Last:     models.ErrTimeout,
	}

	assert.ErrorIs(t, err, models.ErrAggregateFailure)
	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.Contains(t, err.Error(), "[primary backup]")
	assert.Equal(t, models.ErrCodeAggregate, models.Code(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{models.ErrTimeout, true},
		{models.ErrNetworkUnavailable, true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{models.ErrAuthentication, false},
		{models.ErrNotFound, false},
		{fmt.Errorf("put: %w", models.ErrNetworkUnavailable), true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, models.IsRetryable(tt.err))
		})
	}
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, models.ActionNone, models.ActionFor(nil, false))
	assert.Equal(t, models.ActionShowingCached, models.ActionFor(nil, true))
	assert.Equal(t, models.ActionReauthenticate, models.ActionFor(models.ErrAuthentication, false))
	assert.Equal(t, models.ActionRetryLater, models.ActionFor(models.ErrTimeout, false))
	assert.Equal(t, models.ActionRetryLater, models.ActionFor(&models.AggregateError{}, false))
	assert.Equal(t, models.ActionFix, models.ActionFor(models.ErrQuotaExceeded, false))
}
