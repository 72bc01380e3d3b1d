package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/TheMichaelB/habitsync/internal/crypto"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/services/sync"
)

// LoadSalt reads the account salt. A missing file is ErrNotFound.
func (c *Client) LoadSalt() ([]byte, error) {
	data, err := os.ReadFile(c.Config().Crypto.SaltFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no salt file", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(salt) < crypto.MinSaltSize {
		return nil, fmt.Errorf("%w: salt file is not %d+ hex bytes", models.ErrInvalidFormat, crypto.MinSaltSize)
	}
	return salt, nil
}

// SaveSalt replaces the account salt. Other devices of the account must
// use the same salt to read its data.
func (c *Client) SaveSalt(salt []byte) error {
	if len(salt) < crypto.MinSaltSize {
		return fmt.Errorf("%w: salt shorter than %d bytes", models.ErrInvalidFormat, crypto.MinSaltSize)
	}
	path := c.Config().Crypto.SaltFile
	if err := atomic.WriteFile(path, bytes.NewReader([]byte(hex.EncodeToString(salt)+"\n"))); err != nil {
		return fmt.Errorf("write salt: %w", err)
	}
	return os.Chmod(path, 0o600)
}

func (c *Client) loadOrCreateSalt() ([]byte, error) {
	salt, err := c.LoadSalt()
	if !errors.Is(err, models.ErrNotFound) {
		return salt, err
	}

	salt, err = crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	if err := c.SaveSalt(salt); err != nil {
		return nil, err
	}
	c.logger.Info("Generated new account salt")
	return salt, nil
}

// Unlock derives the session key from password and the account salt,
// creating the salt on first use.
func (c *Client) Unlock(password string) error {
	salt, err := c.loadOrCreateSalt()
	if err != nil {
		return err
	}
	return c.Crypto.InitializeFromPassword(password, salt)
}

// UnlockWithBackupKey installs a key exported by BackupKey.
func (c *Client) UnlockWithBackupKey(backup string) error {
	salt, err := c.LoadSalt()
	if err != nil {
		return err
	}
	return c.Crypto.RestoreFromBackupKey(backup, salt)
}

// BackupKey exports the key for password after checking it matches the
// unlocked one.
func (c *Client) BackupKey(password string) (string, error) {
	salt := c.Crypto.Salt()
	if err := c.Crypto.VerifyPassword(password, salt); err != nil {
		return "", err
	}
	return c.Crypto.GenerateBackupKey(password, salt)
}

// ChangePassword re-encrypts every record under dirs with a key derived
// from newPassword and a fresh salt, then switches to that key.
//
// Records already rewritten can only be opened with the new key, so the
// switch happens as soon as one record was moved, even when others failed
// or ctx was cancelled. The returned reports list what was left behind.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string, dirs ...string) ([]*sync.ReencryptReport, error) {
	oldSalt := c.Crypto.Salt()
	if err := c.Crypto.VerifyPassword(oldPassword, oldSalt); err != nil {
		return nil, err
	}

	newSalt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	next := crypto.NewEngine(crypto.NewProvider(c.Config().Crypto.Iterations), c.logger)
	if err := next.InitializeFromPassword(newPassword, newSalt); err != nil {
		return nil, err
	}
	defer next.ClearKeys()

	var (
		reports []*sync.ReencryptReport
		moved   int
		runErr  error
	)
	for _, dir := range dirs {
		report, err := c.Sync.Reencrypt(ctx, dir, next)
		if report != nil {
			reports = append(reports, report)
			moved += report.Reencrypted
		}
		if err != nil {
			runErr = fmt.Errorf("re-encrypt %q: %w", dir, err)
			break
		}
	}
	if runErr != nil && moved == 0 {
		return reports, runErr
	}

	if err := c.Crypto.ChangePassword(oldPassword, newPassword, oldSalt, newSalt); err != nil {
		return reports, err
	}
	if err := c.SaveSalt(newSalt); err != nil {
		return reports, err
	}
	// Entries cached under the old key would no longer decrypt.
	c.Router.PurgeCache()

	c.logger.WithField("records", moved).Info("Password changed")
	return reports, runErr
}
