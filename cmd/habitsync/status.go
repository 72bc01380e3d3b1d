package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/habitsync/internal/models"
)

var (
	statusProbe bool
	statusQuota bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show endpoint health, circuit breakers and cache activity",
	Example: `  habitsync status
  habitsync status --quota --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusProbe, "probe", true,
		"Probe every endpoint before reporting")
	statusCmd.Flags().BoolVar(&statusQuota, "quota", false,
		"Also report storage usage of the serving endpoint")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, session := resumeSession(cmd.Context())
	if statusProbe {
		apiClient.Router.CheckHealth(ctx)
	}
	status := apiClient.Sync.Status()

	var (
		quota    *models.Quota
		quotaErr error
	)
	if statusQuota {
		quota, quotaErr = apiClient.Sync.Quota(ctx)
	}

	if jsonOutput {
		out := map[string]interface{}{
			"status":  status,
			"session": session,
		}
		if quota != nil {
			out["quota"] = quota
		}
		if quotaErr != nil {
			out["quota_error"] = quotaErr.Error()
		}
		printJSON(out)
		return nil
	}

	if session != nil {
		fmt.Printf("Account: %s  Device: %s\n", session.UserID, session.DeviceID)
	}
	fmt.Printf("Overall: %s\n\n", statusColor(status.Overall).Sprint(status.Overall))

	breakers := make(map[string]models.BreakerSnapshot, len(status.Breakers))
	for _, b := range status.Breakers {
		breakers[b.EndpointName] = b
	}

	fmt.Printf("%-20s %-4s %-10s %-10s %-9s %s\n", "ENDPOINT", "PRIO", "HEALTH", "BREAKER", "LATENCY", "LAST FAILURE")
	for _, h := range status.PerEndpoint {
		b := breakers[h.EndpointName]
		lastFailure := "none"
		if !b.LastFailureAt.IsZero() {
			lastFailure = fmt.Sprintf("%s ago (%d in a row)", formatDuration(time.Since(b.LastFailureAt)), b.ConsecutiveFailures)
		}
		fmt.Printf("%-20s %-4d %-10s %-10s %-9s %s\n",
			h.EndpointName,
			h.Priority,
			statusColor(h.Status).Sprintf("%-10s", h.Status),
			breakerColor(b.State).Sprintf("%-10s", b.State),
			formatDuration(h.ObservedLatency),
			lastFailure,
		)
	}

	c := status.Cache
	fmt.Printf("\nCache: %s/%s entries, %s hits, %s misses, %s stale served, %s evicted\n",
		humanize.Comma(int64(c.Entries)), humanize.Comma(int64(c.MaxEntries)),
		humanize.Comma(c.Hits), humanize.Comma(c.Misses),
		humanize.Comma(c.StaleServed), humanize.Comma(c.Evictions))

	switch {
	case quotaErr != nil:
		printWarning("Quota unavailable: %v", quotaErr)
	case quota != nil:
		fmt.Printf("Quota: %s used", formatBytes(quota.UsedBytes))
		if quota.Known() {
			fmt.Printf(", %s available", formatBytes(*quota.AvailableBytes))
		}
		if quota.Percentage != nil {
			fmt.Printf(" (%.1f%%)", *quota.Percentage)
		}
		fmt.Println()
	}
	return nil
}
