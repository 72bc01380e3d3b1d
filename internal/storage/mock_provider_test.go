package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/storage"
)

func TestMockProviderFaults(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMockProvider("mock")
	blob := sealHabit(t, newEngine(t), habitRecord{Habit: "read"})

	_, err := m.UploadFile(ctx, "habits/daily", blob)
	require.NoError(t, err)
	assert.Equal(t, []string{"habits/daily"}, m.Files())

	m.SetFailure(models.ErrNetworkUnavailable)
	_, err = m.DownloadFile(ctx, "habits/daily")
	assert.ErrorIs(t, err, models.ErrNetworkUnavailable)
	assert.True(t, models.IsRetryable(err))

	m.SetFailure(nil)
	m.SetDelay(time.Second)
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = m.DownloadFile(tctx, "habits/daily")
	assert.ErrorIs(t, err, models.ErrTimeout)

	assert.Equal(t, 2, m.Calls("download"))
	assert.Equal(t, 1, m.Calls("upload"))
}

func TestMockProviderIsolatesStoredBlobs(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMockProvider("mock")
	blob := sealHabit(t, newEngine(t), habitRecord{Habit: "read"})

	_, err := m.UploadFile(ctx, "x", blob)
	require.NoError(t, err)
	blob.Ciphertext[0] ^= 0xff

	got, err := m.DownloadFile(ctx, "x")
	require.NoError(t, err)
	assert.NotEqual(t, blob.Ciphertext[0], got.Ciphertext[0])
}
