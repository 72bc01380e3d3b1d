package crypto_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/habitsync/internal/crypto"
)

func testSalt(t *testing.T) []byte {
	t.Helper()
	return bytes.Repeat([]byte{0x5a}, crypto.SaltSize)
}

func TestProvider_DeriveKey(t *testing.T) {
	provider := crypto.NewProvider(crypto.DefaultIterations)

	tests := []struct {
		name     string
		password string
		salt     []byte
		wantErr  error
	}{
		{
			name:     "valid credentials",
			password: "password123",
			salt:     bytes.Repeat([]byte{1}, 32),
		},
		{
			name:     "unicode password",
			password: "пароль123",
			salt:     bytes.Repeat([]byte{2}, 16),
		},
		{
			name:     "empty password",
			password: "",
			salt:     bytes.Repeat([]byte{1}, 32),
			wantErr:  crypto.ErrEmptySecret,
		},
		{
			name:     "short salt",
			password: "password123",
			salt:     []byte("short"),
			wantErr:  crypto.ErrInvalidSalt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := provider.DeriveKey(tt.password, tt.salt)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, key)
				return
			}

			require.NoError(t, err)
			assert.Len(t, key, crypto.KeySize)

			// Deterministic for the same inputs
			again, err := provider.DeriveKey(tt.password, tt.salt)
			require.NoError(t, err)
			assert.Equal(t, key, again)
		})
	}
}

func TestProvider_DeriveKeyNormalizesPassword(t *testing.T) {
	provider := crypto.NewProvider(crypto.DefaultIterations)
	salt := testSalt(t)

	// "é" precomposed vs "e" + combining acute accent
	composed, err := provider.DeriveKey("caf\u00e9", salt)
	require.NoError(t, err)
	decomposed, err := provider.DeriveKey("cafe\u0301", salt)
	require.NoError(t, err)

	assert.Equal(t, composed, decomposed)
}

func TestProvider_DifferentSaltsDifferentKeys(t *testing.T) {
	provider := crypto.NewProvider(crypto.DefaultIterations)

	k1, err := provider.DeriveKey("password", bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	k2, err := provider.DeriveKey("password", bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestProvider_MinimumIterations(t *testing.T) {
	provider := crypto.NewProvider(10)
	assert.Equal(t, crypto.MinIterations, provider.Iterations())

	provider = crypto.NewProvider(250000)
	assert.Equal(t, 250000, provider.Iterations())
}

func TestProvider_EncryptDecrypt(t *testing.T) {
	provider := crypto.NewProvider(crypto.DefaultIterations)

	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hello")},
		{"json", []byte(`{"habit":"run","days":[1,2,3]}`)},
		{"binary", []byte{0x00, 0xff, 0x10, 0x80}},
		{"large", bytes.Repeat([]byte("x"), 1<<16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonce, ciphertext, err := provider.EncryptData(tt.plaintext, key, []byte("habit-data"))
			require.NoError(t, err)
			assert.Len(t, nonce, crypto.NonceSize)
			assert.Len(t, ciphertext, len(tt.plaintext)+crypto.TagSize)

			plaintext, err := provider.DecryptData(nonce, ciphertext, key, []byte("habit-data"))
			require.NoError(t, err)
			assert.Equal(t, len(tt.plaintext), len(plaintext))
			if len(tt.plaintext) > 0 {
				assert.Equal(t, tt.plaintext, plaintext)
			}
		})
	}
}

func TestProvider_DecryptErrors(t *testing.T) {
	provider := crypto.NewProvider(crypto.DefaultIterations)
	key := bytes.Repeat([]byte{7}, crypto.KeySize)

	nonce, ciphertext, err := provider.EncryptData([]byte("secret"), key, nil)
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		other := bytes.Repeat([]byte{8}, crypto.KeySize)
		_, err := provider.DecryptData(nonce, ciphertext, other, nil)
		assert.ErrorIs(t, err, crypto.ErrOpenFailed)
	})

	t.Run("invalid key size", func(t *testing.T) {
		_, err := provider.DecryptData(nonce, ciphertext, []byte("short"), nil)
		assert.ErrorIs(t, err, crypto.ErrInvalidKey)
	})

	t.Run("invalid nonce size", func(t *testing.T) {
		_, err := provider.DecryptData(nonce[:8], ciphertext, key, nil)
		assert.ErrorIs(t, err, crypto.ErrInvalidNonce)
	})

	t.Run("mismatched associated data", func(t *testing.T) {
		_, err := provider.DecryptData(nonce, ciphertext, key, []byte("other"))
		assert.ErrorIs(t, err, crypto.ErrOpenFailed)
	})
}

func TestValidateKeySize(t *testing.T) {
	assert.NoError(t, crypto.ValidateKeySize(make([]byte, 32)))
	assert.ErrorIs(t, crypto.ValidateKeySize(make([]byte, 16)), crypto.ErrInvalidKey)
	assert.ErrorIs(t, crypto.ValidateKeySize(nil), crypto.ErrInvalidKey)
}

func TestNewSalt(t *testing.T) {
	s1, err := crypto.NewSalt()
	require.NoError(t, err)
	s2, err := crypto.NewSalt()
	require.NoError(t, err)

	assert.Len(t, s1, crypto.SaltSize)
	assert.NotEqual(t, s1, s2)
}
