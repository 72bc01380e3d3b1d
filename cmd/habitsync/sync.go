package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/habitsync/internal/models"
)

var (
	recordContext  string
	recordPassword string
	pullOut        string
	pullCached     bool
)

var pushCmd = &cobra.Command{
	Use:   "push <path> [file]",
	Short: "Encrypt and upload a record",
	Long: `Push encrypts a JSON document and stores it at <path> on the first
available endpoint. The document is read from [file] or standard input.`,
	Example: `  habitsync push habits/daily daily.json
  echo '{"habit":"meditate","streak":5}' | habitsync push habits/daily`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull <path>",
	Short: "Download and decrypt a record",
	Example: `  habitsync pull habits/daily
  habitsync pull habits/daily --out daily.json --cached`,
	Args: cobra.ExactArgs(1),
	RunE: runPull,
}

var listCmd = &cobra.Command{
	Use:   "list [dir]",
	Short: "List records in a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(pushCmd, pullCmd, listCmd, deleteCmd)

	for _, cmd := range []*cobra.Command{pushCmd, pullCmd} {
		cmd.Flags().StringVar(&recordContext, "context", models.ContextHabitData,
			"Context tag bound to the ciphertext")
		cmd.Flags().StringVarP(&recordPassword, "password", "p", "",
			"Encryption password (will prompt if not provided)")
	}
	pullCmd.Flags().StringVarP(&pullOut, "out", "o", "",
		"Write plaintext to file instead of stdout")
	pullCmd.Flags().BoolVar(&pullCached, "cached", false,
		"Answer from a fresh cache entry when possible")
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx, _ := resumeSession(cmd.Context())

	var in io.Reader = os.Stdin
	if len(args) == 2 {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	plaintext, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if !json.Valid(plaintext) {
		return fmt.Errorf("%w: input is not a JSON document", models.ErrInvalidFormat)
	}

	if err := unlock(recordPassword); err != nil {
		return err
	}

	res, err := apiClient.Sync.PushBytes(ctx, args[0], plaintext, recordContext)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"path":     args[0],
			"endpoint": res.Endpoint,
			"metadata": res.Metadata,
		})
		return nil
	}
	printSuccess("Stored %s on %s", args[0], res.Endpoint)
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, _ := resumeSession(cmd.Context())
	if err := unlock(recordPassword); err != nil {
		return err
	}

	pull := apiClient.Sync.Pull
	if pullCached {
		pull = apiClient.Sync.PullCached
	}
	var doc json.RawMessage
	res, err := pull(ctx, args[0], recordContext, &doc)
	if err != nil {
		return err
	}
	if res.Stale {
		printWarning("All endpoints unavailable; showing a cached copy from %s", formatAgo(res.CreatedAt))
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":    true,
			"path":       args[0],
			"endpoint":   res.Endpoint,
			"from_cache": res.FromCache,
			"stale":      res.Stale,
			"created_at": res.CreatedAt,
			"document":   doc,
		})
		return nil
	}

	if pullOut != "" {
		if err := os.WriteFile(pullOut, append(doc, '\n'), 0o600); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		printSuccess("Wrote %s (%s)", pullOut, formatBytes(int64(len(doc))))
		return nil
	}
	_, err = fmt.Fprintln(os.Stdout, string(doc))
	return err
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, _ := resumeSession(cmd.Context())
	dir := ""
	if len(args) == 1 {
		dir = args[0]
	}

	files, err := apiClient.Sync.List(ctx, dir)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(files)
		return nil
	}
	if len(files) == 0 {
		printInfo("No records in %q", dir)
		return nil
	}
	for _, f := range files {
		fmt.Printf("%-40s %10s  %s\n", f.Name, formatBytes(f.SizeBytes), dimColor.Sprint(formatAgo(f.ModifiedAt)))
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, _ := resumeSession(cmd.Context())
	if err := apiClient.Sync.Delete(ctx, args[0]); err != nil {
		return err
	}
	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "path": args[0]})
		return nil
	}
	printSuccess("Deleted %s", args[0])
	return nil
}
