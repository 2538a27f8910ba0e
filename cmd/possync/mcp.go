package main

import (
	possyncmcp "github.com/CharlySistemas23/possync/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server over stdio",
	Long: `Start a Model Context Protocol server over stdio exposing the queue and
drain operations as tools.

Example client configuration:

  {
    "mcpServers": {
      "possync": {
        "command": "possync",
        "args": ["mcp"],
        "env": {
          "POSSYNC_BRANCH": "centro",
          "POSSYNC_SERVER_URL": "https://pos.example.com"
        }
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.AutoSync = !cfg.IsOffline()

	client, logger, err := openClient(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer client.Close()

	return possyncmcp.NewServer(client).Run()
}
