package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/habitsync/internal/crypto"
	"github.com/TheMichaelB/habitsync/internal/models"
)

var (
	keysPassword string
	rotateDirs   []string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the encryption key",
}

var keysBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Print a recovery key for the current password",
	Long: `Backup prints the derived encryption key as a recovery code. Anyone
holding it together with the salt can read your data; store it offline.`,
	Args: cobra.NoArgs,
	RunE: runKeysBackup,
}

var keysVerifyCmd = &cobra.Command{
	Use:   "verify-backup <path>",
	Short: "Check that a recovery key opens a stored record",
	Example: `  habitsync keys verify-backup habits/daily`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysVerify,
}

var keysChangeCmd = &cobra.Command{
	Use:   "change-password",
	Short: "Re-encrypt records under a new password",
	Long: `Change-password re-uploads every record in the given directories under
a key derived from the new password and a fresh salt. Records outside those
directories stay readable only with the old password or its recovery key.`,
	Example: `  habitsync keys change-password --dir habits --dir settings`,
	Args: cobra.NoArgs,
	RunE: runKeysChange,
}

var keysSaltCmd = &cobra.Command{
	Use:   "salt [hex]",
	Short: "Show or set the account salt",
	Long: `Salt prints the account salt. Every device of an account needs the same
salt; pass the value printed on another device to adopt it here.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKeysSalt,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysBackupCmd, keysVerifyCmd, keysChangeCmd, keysSaltCmd)

	for _, cmd := range []*cobra.Command{keysBackupCmd, keysChangeCmd} {
		cmd.Flags().StringVarP(&keysPassword, "password", "p", "",
			"Current encryption password (will prompt if not provided)")
	}
	keysChangeCmd.Flags().StringSliceVar(&rotateDirs, "dir", []string{"habits"},
		"Directory to re-encrypt (repeatable)")
}

func runKeysBackup(cmd *cobra.Command, args []string) error {
	password, err := encryptionPassword(keysPassword)
	if err != nil {
		return err
	}
	if err := apiClient.Unlock(password); err != nil {
		return err
	}
	backup, err := apiClient.BackupKey(password)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"backup_key": backup,
			"salt":       hex.EncodeToString(apiClient.Crypto.Salt()),
		})
		return nil
	}
	printWarning("Keep this recovery key offline. It unlocks all of your data.")
	fmt.Println(backup)
	return nil
}

func runKeysVerify(cmd *cobra.Command, args []string) error {
	ctx, _ := resumeSession(cmd.Context())
	backup, err := promptPassword("Recovery key: ")
	if err != nil {
		return err
	}
	if err := apiClient.UnlockWithBackupKey(strings.TrimSpace(backup)); err != nil {
		return err
	}

	_, res, err := apiClient.Sync.PullBytes(ctx, args[0], "")
	if err != nil {
		return err
	}
	printSuccess("Recovery key opens %s (%s record from %s)", args[0], res.Context, res.Endpoint)
	return nil
}

func runKeysChange(cmd *cobra.Command, args []string) error {
	ctx, _ := resumeSession(cmd.Context())

	oldPassword, err := encryptionPassword(keysPassword)
	if err != nil {
		return err
	}
	if err := apiClient.Unlock(oldPassword); err != nil {
		return err
	}
	newPassword, err := confirmNewPassword()
	if err != nil {
		return err
	}

	progress := NewProgressDisplay()
	progress.SetPhase("Re-encrypting")
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				progress.Update(apiClient.Sync.GetProgress())
			}
		}
	}()

	reports, err := apiClient.ChangePassword(ctx, oldPassword, newPassword, rotateDirs...)
	close(done)
	progress.Update(apiClient.Sync.GetProgress())

	moved, failed := 0, 0
	for _, r := range reports {
		moved += r.Reencrypted
		failed += len(r.Failed)
		for path, ferr := range r.Failed {
			progress.AddError(fmt.Sprintf("%s: %v", path, ferr))
		}
	}
	progress.Close()

	if jsonOutput {
		out := map[string]interface{}{
			"success":     err == nil && failed == 0,
			"reencrypted": moved,
			"failed":      failed,
		}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return err
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		printWarning("%d record(s) could not be re-encrypted and still need the old password", failed)
	}
	printSuccess("Password changed; %d record(s) re-encrypted", moved)
	printInfo("Copy the new salt to your other devices: habitsync keys salt")
	return nil
}

func runKeysSalt(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		salt, err := apiClient.LoadSalt()
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(salt))
		return nil
	}

	salt, err := hex.DecodeString(strings.TrimSpace(args[0]))
	if err != nil || len(salt) < crypto.MinSaltSize {
		return fmt.Errorf("%w: salt must be at least %d hex-encoded bytes", models.ErrInvalidFormat, crypto.MinSaltSize)
	}
	if _, err := os.Stat(cfg.Crypto.SaltFile); err == nil {
		printWarning("Replacing existing salt at %s", cfg.Crypto.SaltFile)
	}
	if err := apiClient.SaveSalt(salt); err != nil {
		return err
	}
	printSuccess("Salt saved")
	return nil
}
