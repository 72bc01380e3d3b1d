package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/habitsync/internal/client"
	"github.com/TheMichaelB/habitsync/internal/config"
	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

// skipClient marks commands that run without building a client.
const skipClient = "skip-client"

var (
	configFile string
	logLevel   string
	jsonOutput bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "habitsync",
	Short: "Encrypted habit data sync across storage providers",
	Long: `habitsync encrypts habit records on this device and stores them on
one of several configured storage endpoints, failing over between them.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiClient.Close(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Config file (default: ./habitsync.yaml, ~/.config/habitsync/habitsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine-readable JSON")
}

func setup(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[skipClient] == "true" {
		return nil
	}

	var err error
	cfg, err = config.NewLoader(configFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}
	cmd.SetContext(events.WithLogger(cmd.Context(), logger))

	apiClient, err = client.New(cmd.Context(), cfg, logger)
	return err
}

// resumeSession scopes the sync cache to the linked account, if any.
func resumeSession(ctx context.Context) (context.Context, *models.Session) {
	session, err := apiClient.ResumeSession(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrNotAuthenticated) {
			events.FromContext(ctx).WithError(err).Warn("Could not resume session")
		}
		return ctx, nil
	}
	return events.WithDeviceID(ctx, session.DeviceID), session
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"code":    models.Code(err),
				"error":   err.Error(),
			})
		} else {
			printError("%v", err)
			if hint := actionHint(err); hint != "" {
				printInfo("%s", hint)
			}
		}
		stop()
		os.Exit(1)
	}
}

func actionHint(err error) string {
	switch models.ActionFor(err, false) {
	case models.ActionReauthenticate:
		return "Run 'habitsync login' or 'habitsync device link' and try again."
	case models.ActionRetryLater:
		return "No storage endpoint is reachable right now; try again later."
	}
	return ""
}
