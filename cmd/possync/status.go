package main

import (
	"context"
	"fmt"
	"time"

	"github.com/CharlySistemas23/possync"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Show the branch, the identity mode used for sync, the pending queue and
when the store last synced. With --verify the held token is checked against
the server.`,
	Example: `  possync status
  possync status --verify --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusVerify bool

func init() {
	statusCmd.Flags().BoolVar(&statusVerify, "verify", false, "verify the session token with the server")
	rootCmd.AddCommand(statusCmd)
}

type statusInfo struct {
	Branch        string               `json:"branch"`
	Database      string               `json:"database"`
	Server        string               `json:"server,omitempty"`
	Identity      possync.IdentityMode `json:"identity"`
	Verification  string               `json:"verification,omitempty"`
	Pending       int                  `json:"pending"`
	Records       int                  `json:"records"`
	SchemaVersion string               `json:"schema_version"`
	LastSync      *time.Time           `json:"last_sync,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(cfg possync.Config, client *possync.Client) error {
		stats, err := client.Stats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		info := statusInfo{
			Branch:        cfg.Branch,
			Database:      cfg.LocalPath,
			Server:        cfg.ServerURL,
			Identity:      client.Session().Mode(),
			Pending:       stats.PendingSync,
			Records:       stats.RecordCount,
			SchemaVersion: stats.SchemaVersion,
		}
		if !stats.LastSync.IsZero() {
			info.LastSync = &stats.LastSync
		}

		if statusVerify && !cfg.IsOffline() {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
			info.Verification = client.Session().Verify(ctx).String()
			cancel()
			info.Identity = client.Session().Mode()
		}

		if outputJSON {
			return outputAsJSON(cmd, info)
		}
		return outputStatusHuman(cmd, info)
	})
}

func outputStatusHuman(cmd *cobra.Command, info statusInfo) error {
	out := cmd.OutOrStdout()

	server := info.Server
	if server == "" {
		server = "none (offline)"
	}

	printField(out, "Branch", info.Branch)
	printField(out, "Database", info.Database)
	printField(out, "Server", server)
	printField(out, "Identity", string(info.Identity))
	if info.Verification != "" {
		printField(out, "Token", info.Verification)
	}
	printField(out, "Pending", fmt.Sprint(info.Pending))
	printField(out, "Records", fmt.Sprint(info.Records))
	printField(out, "Schema", info.SchemaVersion)
	if info.LastSync != nil {
		printField(out, "Last sync", fmt.Sprintf("%s (%s ago)",
			info.LastSync.Local().Format(time.RFC3339),
			time.Since(*info.LastSync).Round(time.Second)))
	} else {
		printField(out, "Last sync", "never")
	}
	return nil
}
