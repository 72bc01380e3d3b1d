package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/habitsync/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write an example config file",
	Example:     `  habitsync config init ~/.config/habitsync/habitsync.yaml`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipClient: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "habitsync.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists; use --force to overwrite", path)
		}
		if err := config.SaveExample(path); err != nil {
			return err
		}
		printSuccess("Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printJSON(redacted(apiClient.Config()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)

	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite an existing file")
}

// redacted returns a copy of c without secrets.
func redacted(c *config.Config) *config.Config {
	out := *c
	out.OAuth.ClientSecret = mask(out.OAuth.ClientSecret)
	out.Endpoints = make([]config.EndpointConfig, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.WebDAV != nil {
			w := *ep.WebDAV
			w.Password = mask(w.Password)
			ep.WebDAV = &w
		}
		if ep.REST != nil {
			r := *ep.REST
			r.AccessToken = mask(r.AccessToken)
			ep.REST = &r
		}
		if ep.S3 != nil {
			s := *ep.S3
			s.SecretAccessKey = mask(s.SecretAccessKey)
			ep.S3 = &s
		}
		out.Endpoints[i] = ep
	}
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
