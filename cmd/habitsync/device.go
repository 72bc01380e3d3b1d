package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/habitsync/internal/device"
	"github.com/TheMichaelB/habitsync/internal/models"
)

var (
	linkUser  string
	linkEmail string
	linkName  string

	migrateTo string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage this device and the account's device list",
}

var deviceLinkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link this device to an account",
	Example: `  habitsync device link --user alice --name "Kitchen laptop"`,
	Args: cobra.NoArgs,
	RunE: runDeviceLink,
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices linked to the account",
	Args:  cobra.NoArgs,
	RunE:  runDeviceList,
}

var deviceRenameCmd = &cobra.Command{
	Use:   "rename <device-id> <name>",
	Short: "Rename a device",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeviceRename,
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Unlink a device; unlinking this one signs out",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceRemove,
}

var signOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Unlink this device and forget the session",
	Args:  cobra.NoArgs,
	RunE:  runSignOut,
}

var deviceMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy device records into the other store backend",
	Long: `Migrate copies the local identity, device lists and session from the
configured device store into the other backend (json or sqlite). Point
storage.device_store at the new backend afterwards.`,
	Args: cobra.NoArgs,
	RunE: runDeviceMigrate,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceLinkCmd, deviceListCmd, deviceRenameCmd, deviceRemoveCmd, signOutCmd, deviceMigrateCmd)

	deviceLinkCmd.Flags().StringVarP(&linkUser, "user", "u", "",
		"Account ID (defaults to the account of the stored OAuth token)")
	deviceLinkCmd.Flags().StringVar(&linkEmail, "email", "", "Account email")
	deviceLinkCmd.Flags().StringVarP(&linkName, "name", "n", "",
		"Display name (default: platform and device class)")

	deviceMigrateCmd.Flags().StringVar(&migrateTo, "to", "",
		"Target backend: json or sqlite (default: the one not configured)")
}

// currentUser returns the linked account, or ErrNotAuthenticated.
func currentUser(ctx context.Context) (string, error) {
	_, session := resumeSession(ctx)
	if session == nil {
		return "", models.ErrNotAuthenticated
	}
	return session.UserID, nil
}

func runDeviceLink(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	user := models.User{ID: linkUser, Email: linkEmail}
	if user.ID == "" {
		if token, err := apiClient.Auth.GetToken(); err == nil {
			user.ID = token.Account
		}
	}

	d, err := apiClient.Link(ctx, user, linkName)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(d)
		return nil
	}
	printSuccess("Linked %q (%s) to %s", d.DisplayName, d.DeviceID, user.ID)
	return nil
}

func runDeviceList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userID, err := currentUser(ctx)
	if err != nil {
		return err
	}
	devices, err := apiClient.Devices.ListDevices(ctx, userID)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(devices)
		return nil
	}
	for _, d := range devices {
		marker := " "
		if d.IsCurrentDevice {
			marker = successColor.Sprint("*")
		}
		fmt.Printf("%s %-36s %-24s %-8s %-8s %s\n", marker, d.DeviceID, d.DisplayName,
			d.DeviceClass, d.PlatformTag, dimColor.Sprint("seen "+formatAgo(d.LastSeenAt)))
	}
	return nil
}

func runDeviceRename(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userID, err := currentUser(ctx)
	if err != nil {
		return err
	}
	d, err := apiClient.Devices.RenameDevice(ctx, userID, args[0], args[1])
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(d)
		return nil
	}
	printSuccess("Renamed %s to %q", d.DeviceID, d.DisplayName)
	return nil
}

func runDeviceRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userID, err := currentUser(ctx)
	if err != nil {
		return err
	}
	if err := apiClient.Devices.RemoveDevice(ctx, userID, args[0]); err != nil {
		return err
	}
	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "device_id": args[0]})
		return nil
	}
	printSuccess("Removed device %s", args[0])
	return nil
}

func runSignOut(cmd *cobra.Command, args []string) error {
	if err := apiClient.SignOut(cmd.Context()); err != nil {
		return err
	}
	if !jsonOutput {
		printSuccess("Signed out")
	}
	return nil
}

func runDeviceMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	target := migrateTo
	if target == "" {
		target = "sqlite"
		if cfg.Storage.DeviceStore == "sqlite" {
			target = "json"
		}
	}
	if target == cfg.Storage.DeviceStore {
		return fmt.Errorf("%w: device store is already %s", models.ErrInvalidConfig, target)
	}

	var (
		dst  device.Store
		path string
		err  error
	)
	switch target {
	case "sqlite":
		path = cfg.Storage.DeviceDB
		dst, err = device.NewSQLiteStore(ctx, path, logger)
	case "json":
		path = cfg.Storage.DeviceFile
		dst, err = device.NewJSONStore(path, logger)
	default:
		return fmt.Errorf("%w: unknown device store %q", models.ErrInvalidConfig, target)
	}
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := apiClient.MigrateDevices(ctx, dst); err != nil {
		return err
	}
	printSuccess("Copied device records to %s; set storage.device_store to %q", path, target)
	return nil
}
