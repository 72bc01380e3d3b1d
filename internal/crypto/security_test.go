package crypto_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/crypto"
)

func TestSecurityRequirements(t *testing.T) {
	provider := crypto.NewProvider(crypto.DefaultIterations)

	t.Run("key derivation uses sufficient iterations", func(t *testing.T) {
		assert.GreaterOrEqual(t, crypto.DefaultIterations, 100000)
		assert.GreaterOrEqual(t, crypto.MinIterations, 100000)
	})

	t.Run("key size is 256 bits", func(t *testing.T) {
		assert.Equal(t, 32, crypto.KeySize)
	})

	t.Run("nonce is random for each encryption", func(t *testing.T) {
		key := make([]byte, crypto.KeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)

		plaintext := []byte("test message")

		n1, c1, err := provider.EncryptData(plaintext, key, nil)
		require.NoError(t, err)
		n2, c2, err := provider.EncryptData(plaintext, key, nil)
		require.NoError(t, err)

		assert.NotEqual(t, n1, n2)
		assert.NotEqual(t, c1, c2)

		p1, err := provider.DecryptData(n1, c1, key, nil)
		require.NoError(t, err)
		p2, err := provider.DecryptData(n2, c2, key, nil)
		require.NoError(t, err)

		assert.Equal(t, plaintext, p1)
		assert.Equal(t, plaintext, p2)
	})

	t.Run("authentication tag prevents tampering", func(t *testing.T) {
		key := make([]byte, crypto.KeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)

		nonce, ciphertext, err := provider.EncryptData([]byte("sensitive data"), key, nil)
		require.NoError(t, err)

		for i := range ciphertext {
			tampered := append([]byte(nil), ciphertext...)
			tampered[i] ^= 0x01

			_, err := provider.DecryptData(nonce, tampered, key, nil)
			assert.ErrorIs(t, err, crypto.ErrOpenFailed, "byte %d", i)
		}
	})

	t.Run("nonces do not repeat across many encryptions", func(t *testing.T) {
		key := make([]byte, crypto.KeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)

		seen := make(map[string]struct{}, 1000)
		for i := 0; i < 1000; i++ {
			nonce, _, err := provider.EncryptData([]byte("x"), key, nil)
			require.NoError(t, err)
			_, dup := seen[string(nonce)]
			require.False(t, dup, "nonce reused at iteration %d", i)
			seen[string(nonce)] = struct{}{}
		}
	})
}
