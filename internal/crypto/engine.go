package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

// Engine holds the session key and turns payloads into encrypted blobs.
//
// The key lives only in memory. Changing the password replaces the key but
// leaves blobs already stored remotely under the old key; callers must
// re-upload them (see sync.Service.Reencrypt) or they become unreadable.
type Engine struct {
	provider Provider
	logger   *events.Logger
	now      func() time.Time

	mu   sync.RWMutex
	key  []byte
	salt []byte
}

// NewEngine creates an uninitialized engine.
func NewEngine(provider Provider, logger *events.Logger) *Engine {
	return &Engine{
		provider: provider,
		logger:   logger.WithField("component", "encryption_engine"),
		now:      time.Now,
	}
}

// InitializeFromPassword derives the session key. It must be called before
// Encrypt or Decrypt.
func (e *Engine) InitializeFromPassword(password string, salt []byte) error {
	key, err := e.provider.DeriveKey(password, salt)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}

	e.install(key, salt)
	e.logger.Debug("Encryption key derived")
	return nil
}

// Initialized reports whether a session key is present.
func (e *Engine) Initialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.key != nil
}

// Salt returns a copy of the salt the current key was derived with.
func (e *Engine) Salt() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]byte(nil), e.salt...)
}

// Encrypt serializes payload to JSON and seals it. The context tag is
// authenticated along with the ciphertext.
func (e *Engine) Encrypt(payload interface{}, contextTag string) (*models.EncryptedBlob, error) {
	if contextTag == "" {
		return nil, fmt.Errorf("%w: empty context tag", models.ErrInvalidFormat)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	return e.EncryptBytes(plaintext, contextTag)
}

// EncryptBytes seals an already serialized payload.
func (e *Engine) EncryptBytes(plaintext []byte, contextTag string) (*models.EncryptedBlob, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.key == nil {
		return nil, models.ErrNotInitialized
	}

	nonce, ciphertext, err := e.provider.EncryptData(plaintext, e.key, []byte(contextTag))
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	return &models.EncryptedBlob{
		Ciphertext: ciphertext,
		IV:         nonce,
		CreatedAt:  e.now().UTC().Truncate(time.Millisecond),
		Context:    contextTag,
		Version:    models.BlobFormatVersion,
	}, nil
}

// Decrypt opens blob and decodes the JSON payload into out.
func (e *Engine) Decrypt(blob *models.EncryptedBlob, out interface{}) error {
	plaintext, err := e.DecryptBytes(blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: decode payload: %v", models.ErrInvalidFormat, err)
	}
	return nil
}

// DecryptBytes opens blob and returns the raw plaintext. A wrong key and a
// tampered blob both yield models.ErrDecryption.
func (e *Engine) DecryptBytes(blob *models.EncryptedBlob) ([]byte, error) {
	if err := blob.Validate(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.key == nil {
		return nil, models.ErrNotInitialized
	}

	plaintext, err := e.provider.DecryptData(blob.IV, blob.Ciphertext, e.key, []byte(blob.Context))
	if err != nil {
		if errors.Is(err, ErrOpenFailed) {
			return nil, models.ErrDecryption
		}
		return nil, fmt.Errorf("%w: %v", models.ErrDecryption, err)
	}
	return plaintext, nil
}

// ChangePassword verifies oldPassword against the session key and installs
// a key derived from newPassword. Remote blobs are not re-encrypted.
func (e *Engine) ChangePassword(oldPassword, newPassword string, oldSalt, newSalt []byte) error {
	oldKey, err := e.provider.DeriveKey(oldPassword, oldSalt)
	if err != nil {
		return fmt.Errorf("derive old key: %w", err)
	}
	defer zero(oldKey)

	if err := e.selfTest(oldKey); err != nil {
		e.logger.Warn("Password change rejected: old password does not match")
		return err
	}

	newKey, err := e.provider.DeriveKey(newPassword, newSalt)
	if err != nil {
		return fmt.Errorf("derive new key: %w", err)
	}

	e.install(newKey, newSalt)
	e.logger.Info("Encryption password changed; existing remote data must be re-uploaded")
	return nil
}

// VerifyPassword checks that password and salt derive the session key.
func (e *Engine) VerifyPassword(password string, salt []byte) error {
	key, err := e.provider.DeriveKey(password, salt)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	defer zero(key)
	return e.selfTest(key)
}

// selfTest seals a random probe under the session key and opens it with
// candidate. It fails with ErrAuthentication when the keys differ.
func (e *Engine) selfTest(candidate []byte) error {
	probe := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, probe); err != nil {
		return fmt.Errorf("generate probe: %w", err)
	}

	e.mu.RLock()
	if e.key == nil {
		e.mu.RUnlock()
		return models.ErrNotInitialized
	}
	nonce, sealed, err := e.provider.EncryptData(probe, e.key, []byte("self-test"))
	e.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("seal probe: %w", err)
	}

	opened, err := e.provider.DecryptData(nonce, sealed, candidate, []byte("self-test"))
	if err != nil || subtle.ConstantTimeCompare(opened, probe) != 1 {
		return fmt.Errorf("%w: old password is incorrect", models.ErrAuthentication)
	}
	return nil
}

// ClearKeys discards key material. It is safe to call repeatedly.
func (e *Engine) ClearKeys() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.key != nil {
		zero(e.key)
		e.logger.Debug("Encryption keys cleared")
	}
	e.key = nil
	e.salt = nil
}

func (e *Engine) install(key, salt []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.key != nil {
		zero(e.key)
	}
	e.key = key
	e.salt = append([]byte(nil), salt...)
}
