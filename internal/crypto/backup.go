package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/TheMichaelB/habitsync/internal/models"
)

const backupGroupSize = 8

// GenerateBackupKey derives the key for password and salt and renders it as
// grouped hex for out-of-band recovery. The session key is not changed.
func (e *Engine) GenerateBackupKey(password string, salt []byte) (string, error) {
	key, err := e.provider.DeriveKey(password, salt)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	defer zero(key)

	return formatBackupKey(key), nil
}

// RestoreFromBackupKey installs a key exported by GenerateBackupKey,
// re-enabling encryption without the password.
func (e *Engine) RestoreFromBackupKey(backup string, salt []byte) error {
	key, err := parseBackupKey(backup)
	if err != nil {
		return err
	}

	e.install(key, salt)
	e.logger.Info("Encryption key restored from backup")
	return nil
}

func formatBackupKey(key []byte) string {
	encoded := hex.EncodeToString(key)

	var sb strings.Builder
	for i := 0; i < len(encoded); i += backupGroupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + backupGroupSize
		if end > len(encoded) {
			end = len(encoded)
		}
		sb.WriteString(encoded[i:end])
	}
	return sb.String()
}

func parseBackupKey(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToLower(s))

	key, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: backup key is not hex: %v", models.ErrInvalidFormat, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: backup key must encode %d bytes, got %d", models.ErrInvalidFormat, KeySize, len(key))
	}
	return key, nil
}
