package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// Key sizes
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard
	TagSize   = 16 // GCM tag

	// PBKDF2 parameters
	DefaultIterations = 100000
	MinIterations     = 100000
	MinSaltSize       = 16
	SaltSize          = 32
)

// Errors
var (
	ErrInvalidKey   = errors.New("invalid key size")
	ErrInvalidSalt  = errors.New("invalid salt")
	ErrEmptySecret  = errors.New("password must not be empty")
	ErrOpenFailed   = errors.New("message authentication failed")
	ErrInvalidNonce = errors.New("invalid nonce size")
)

// CryptoProvider implements Provider with PBKDF2-SHA256 and AES-256-GCM.
type CryptoProvider struct {
	iterations int
	random     io.Reader
}

// NewProvider creates a crypto provider. Iteration counts below
// MinIterations are raised to it.
func NewProvider(iterations int) *CryptoProvider {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return &CryptoProvider{
		iterations: iterations,
		random:     rand.Reader,
	}
}

// Iterations returns the PBKDF2 iteration count.
func (p *CryptoProvider) Iterations() int {
	return p.iterations
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// normalizePassword applies NFKC so visually identical passwords typed on
// different platforms derive the same key.
func normalizePassword(s string) string {
	return norm.NFKC.String(s)
}

// DeriveKey derives a 256-bit key using PBKDF2-SHA256.
func (p *CryptoProvider) DeriveKey(password string, salt []byte) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptySecret
	}
	if len(salt) < MinSaltSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidSalt, MinSaltSize, len(salt))
	}

	key := pbkdf2.Key(
		[]byte(normalizePassword(password)),
		salt,
		p.iterations,
		KeySize,
		sha256.New,
	)
	return key, nil
}

// EncryptData encrypts plaintext using AES-GCM with a random nonce.
// The returned ciphertext carries the tag at its end.
func (p *CryptoProvider) EncryptData(plaintext, key, aad []byte) ([]byte, []byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(p.random, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// DecryptData decrypts ciphertext using AES-GCM.
func (p *CryptoProvider) DecryptData(nonce, ciphertext, key, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if err := ValidateKeySize(key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// ValidateKeySize checks if the key is the correct size.
func ValidateKeySize(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return nil
}

// zero overwrites key material in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
