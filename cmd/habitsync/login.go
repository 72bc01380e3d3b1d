package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/habitsync/internal/services/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize habitsync with the REST storage provider",
	Long: `Login runs the OAuth authorization-code flow for REST endpoints. Open the
printed URL, approve access, then paste the address your browser was
redirected to.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored OAuth token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Auth.Logout(); err != nil {
			return err
		}
		printSuccess("Logged out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	challenge, err := apiClient.Auth.BeginAuthentication()
	if err != nil {
		return err
	}

	printInfo("Open this URL in a browser and approve access:")
	fmt.Println(challenge.URL)

	redirect, err := promptLine("Redirected URL: ")
	if err != nil {
		return fmt.Errorf("read redirect: %w", err)
	}
	result, err := parseRedirect(redirect)
	if err != nil {
		return err
	}

	token, err := apiClient.Auth.CompleteAuthentication(cmd.Context(), challenge, result)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{"success": false, "error": err.Error()})
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":    true,
			"expires_at": token.ExpiresAt,
		})
		return nil
	}
	printSuccess("Login successful")
	if !token.ExpiresAt.IsZero() {
		printInfo("Access token valid until %s; it refreshes automatically", token.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

// parseRedirect accepts the full redirect URL or just its query string.
func parseRedirect(raw string) (auth.ExternalResult, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return auth.ExternalResult{}, fmt.Errorf("parse redirect: %w", err)
	}
	q := u.Query()
	if len(q) == 0 {
		if q, err = url.ParseQuery(raw); err != nil {
			return auth.ExternalResult{}, fmt.Errorf("parse redirect: %w", err)
		}
	}
	return auth.ExternalResult{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	}, nil
}
