package storage_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/crypto"
	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

type habitRecord struct {
	Habit  string `json:"habit"`
	Streak int    `json:"streak"`
}

func newEngine(t *testing.T) *crypto.Engine {
	t.Helper()
	engine := crypto.NewEngine(crypto.NewProvider(crypto.DefaultIterations), events.Discard())
	require.NoError(t, engine.InitializeFromPassword("correct-horse-battery", bytes.Repeat([]byte{0x5a}, 32)))
	return engine
}

func sealHabit(t *testing.T, engine *crypto.Engine, rec habitRecord) *models.EncryptedBlob {
	t.Helper()
	blob, err := engine.Encrypt(rec, models.ContextHabitData)
	require.NoError(t, err)
	return blob
}

func fastRetry() transport.RetryPolicy {
	return transport.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, AttemptTimeout: 5 * time.Second}
}
