package crypto_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/crypto"
	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

type habitRecord struct {
	Habit  string `json:"habit"`
	Streak int    `json:"streak"`
}

func newEngine(t *testing.T, password string) *crypto.Engine {
	t.Helper()
	engine := crypto.NewEngine(crypto.NewProvider(crypto.DefaultIterations), events.Discard())
	if password != "" {
		require.NoError(t, engine.InitializeFromPassword(password, testSalt(t)))
	}
	return engine
}

func TestEngine_RoundTrip(t *testing.T) {
	engine := newEngine(t, "correct-horse-battery")

	payloads := []interface{}{
		habitRecord{Habit: "meditate", Streak: 5},
		map[string]interface{}{"list": []interface{}{float64(1), "two"}, "nested": map[string]interface{}{"ok": true}},
		"plain string",
		float64(42),
	}

	for _, payload := range payloads {
		blob, err := engine.Encrypt(payload, models.ContextHabitData)
		require.NoError(t, err)
		assert.Len(t, blob.IV, models.IVSize)
		assert.Equal(t, models.ContextHabitData, blob.Context)
		assert.Equal(t, models.BlobFormatVersion, blob.Version)
		assert.False(t, blob.CreatedAt.IsZero())

		var out interface{}
		require.NoError(t, engine.Decrypt(blob, &out))

		switch p := payload.(type) {
		case habitRecord:
			var got habitRecord
			require.NoError(t, engine.Decrypt(blob, &got))
			assert.Equal(t, p, got)
		default:
			assert.Equal(t, payload, out)
		}
	}
}

func TestEngine_NotInitialized(t *testing.T) {
	engine := newEngine(t, "")

	assert.False(t, engine.Initialized())

	_, err := engine.Encrypt(habitRecord{Habit: "run"}, models.ContextHabitData)
	assert.ErrorIs(t, err, models.ErrNotInitialized)

	blob := &models.EncryptedBlob{
		Ciphertext: make([]byte, 32),
		IV:         make([]byte, 12),
		Context:    models.ContextHabitData,
		Version:    models.BlobFormatVersion,
	}
	_, err = engine.DecryptBytes(blob)
	assert.ErrorIs(t, err, models.ErrNotInitialized)
}

func TestEngine_EmptyContextRejected(t *testing.T) {
	engine := newEngine(t, "pw")

	_, err := engine.Encrypt("x", "")
	assert.ErrorIs(t, err, models.ErrInvalidFormat)
}

func TestEngine_TamperDetection(t *testing.T) {
	engine := newEngine(t, "correct-horse-battery")

	blob, err := engine.Encrypt(habitRecord{Habit: "read", Streak: 12}, models.ContextHabitData)
	require.NoError(t, err)

	t.Run("ciphertext bit flip", func(t *testing.T) {
		for i := range blob.Ciphertext {
			tampered := blob.Clone()
			tampered.Ciphertext[i] ^= 0x80
			_, err := engine.DecryptBytes(tampered)
			assert.ErrorIs(t, err, models.ErrDecryption, "byte %d", i)
		}
	})

	t.Run("iv bit flip", func(t *testing.T) {
		for i := range blob.IV {
			tampered := blob.Clone()
			tampered.IV[i] ^= 0x01
			_, err := engine.DecryptBytes(tampered)
			assert.ErrorIs(t, err, models.ErrDecryption, "byte %d", i)
		}
	})

	t.Run("relabelled context", func(t *testing.T) {
		tampered := blob.Clone()
		tampered.Context = "settings"
		_, err := engine.DecryptBytes(tampered)
		assert.ErrorIs(t, err, models.ErrDecryption)
	})

	t.Run("structurally invalid", func(t *testing.T) {
		tampered := blob.Clone()
		tampered.IV = tampered.IV[:8]
		_, err := engine.DecryptBytes(tampered)
		assert.ErrorIs(t, err, models.ErrInvalidFormat)
	})

	t.Run("original still opens", func(t *testing.T) {
		var got habitRecord
		require.NoError(t, engine.Decrypt(blob, &got))
		assert.Equal(t, "read", got.Habit)
	})
}

func TestEngine_NonceUniqueness(t *testing.T) {
	engine := newEngine(t, "pw")

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		blob, err := engine.Encrypt(habitRecord{Habit: "same", Streak: 1}, models.ContextHabitData)
		require.NoError(t, err)
		key := string(blob.IV)
		_, dup := seen[key]
		require.False(t, dup)
		seen[key] = struct{}{}
	}
}

func TestEngine_WrongPassword(t *testing.T) {
	a := newEngine(t, "A")
	b := newEngine(t, "B")

	blob, err := a.Encrypt(habitRecord{Habit: "stretch"}, models.ContextHabitData)
	require.NoError(t, err)

	var out habitRecord
	err = b.Decrypt(blob, &out)
	assert.ErrorIs(t, err, models.ErrDecryption)
	assert.Equal(t, models.ErrCodeDecryption, models.Code(err))
}

func TestEngine_NonJSONPlaintext(t *testing.T) {
	engine := newEngine(t, "pw")

	blob, err := engine.EncryptBytes([]byte("not json"), models.ContextHabitData)
	require.NoError(t, err)

	var out habitRecord
	assert.ErrorIs(t, engine.Decrypt(blob, &out), models.ErrInvalidFormat)

	raw, err := engine.DecryptBytes(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("not json"), raw)
}

func TestEngine_WireRoundTrip(t *testing.T) {
	engine := newEngine(t, "pw")

	blob, err := engine.Encrypt(habitRecord{Habit: "walk", Streak: 3}, models.ContextHabitData)
	require.NoError(t, err)

	data, err := models.EncodeBlob(blob)
	require.NoError(t, err)

	decoded, err := models.DecodeBlob(data)
	require.NoError(t, err)
	assert.True(t, blob.CreatedAt.Equal(decoded.CreatedAt))

	var got habitRecord
	require.NoError(t, engine.Decrypt(decoded, &got))
	assert.Equal(t, habitRecord{Habit: "walk", Streak: 3}, got)
}

func TestEngine_ClearKeys(t *testing.T) {
	engine := newEngine(t, "pw")
	require.True(t, engine.Initialized())

	engine.ClearKeys()
	engine.ClearKeys()

	assert.False(t, engine.Initialized())
	assert.Empty(t, engine.Salt())
	_, err := engine.Encrypt("x", models.ContextHabitData)
	assert.ErrorIs(t, err, models.ErrNotInitialized)
}

func TestEngine_BackupKey(t *testing.T) {
	engine := newEngine(t, "correct-horse-battery")
	salt := testSalt(t)

	backup, err := engine.GenerateBackupKey("correct-horse-battery", salt)
	require.NoError(t, err)

	groups := strings.Split(backup, "-")
	assert.Len(t, groups, 8)
	for _, g := range groups {
		assert.Len(t, g, 8)
	}

	blob, err := engine.Encrypt(habitRecord{Habit: "journal", Streak: 9}, models.ContextHabitData)
	require.NoError(t, err)

	restored := newEngine(t, "")
	// Separators and case are ignored on input
	require.NoError(t, restored.RestoreFromBackupKey(strings.ToUpper(strings.ReplaceAll(backup, "-", " ")), salt))
	assert.True(t, restored.Initialized())
	assert.Equal(t, salt, restored.Salt())

	var got habitRecord
	require.NoError(t, restored.Decrypt(blob, &got))
	assert.Equal(t, "journal", got.Habit)
}

func TestEngine_RestoreFromBackupKeyRejectsGarbage(t *testing.T) {
	engine := newEngine(t, "")
	salt := testSalt(t)

	assert.ErrorIs(t, engine.RestoreFromBackupKey("zzzz", salt), models.ErrInvalidFormat)
	assert.ErrorIs(t, engine.RestoreFromBackupKey("abcd1234", salt), models.ErrInvalidFormat)
	assert.False(t, engine.Initialized())
}

func TestEngine_ChangePassword(t *testing.T) {
	oldSalt := testSalt(t)
	newSalt := bytes.Repeat([]byte{0x11}, crypto.SaltSize)
	engine := newEngine(t, "old-password")

	oldBlob, err := engine.Encrypt(habitRecord{Habit: "old"}, models.ContextHabitData)
	require.NoError(t, err)

	t.Run("wrong old password", func(t *testing.T) {
		err := engine.ChangePassword("not-it", "new-password", oldSalt, newSalt)
		assert.ErrorIs(t, err, models.ErrAuthentication)

		// Session key unchanged
		var got habitRecord
		require.NoError(t, engine.Decrypt(oldBlob, &got))
	})

	t.Run("correct old password", func(t *testing.T) {
		require.NoError(t, engine.ChangePassword("old-password", "new-password", oldSalt, newSalt))
		assert.Equal(t, newSalt, engine.Salt())

		// Previously uploaded blobs no longer open
		var got habitRecord
		assert.ErrorIs(t, engine.Decrypt(oldBlob, &got), models.ErrDecryption)

		fresh := newEngine(t, "")
		require.NoError(t, fresh.InitializeFromPassword("new-password", newSalt))
		blob, err := engine.Encrypt(habitRecord{Habit: "new"}, models.ContextHabitData)
		require.NoError(t, err)
		require.NoError(t, fresh.Decrypt(blob, &got))
		assert.Equal(t, "new", got.Habit)
	})

	t.Run("uninitialized", func(t *testing.T) {
		blank := newEngine(t, "")
		err := blank.ChangePassword("a", "b", oldSalt, newSalt)
		assert.ErrorIs(t, err, models.ErrNotInitialized)
	})
}

func TestEngine_ConcurrentUse(t *testing.T) {
	engine := newEngine(t, "pw")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blob, err := engine.Encrypt(habitRecord{Habit: "h", Streak: i}, models.ContextHabitData)
			if !assert.NoError(t, err) {
				return
			}
			var got habitRecord
			if assert.NoError(t, engine.Decrypt(blob, &got)) {
				assert.Equal(t, i, got.Streak)
			}
		}(i)
	}
	wg.Wait()
}
