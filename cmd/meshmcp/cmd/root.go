// Package cmd provides the CLI commands for meshmcp.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshmcp/meshmcp/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "meshmcp",
	Short: "meshmcp - an aggregating proxy for the Model Context Protocol",
	Long: `meshmcp aggregates many upstream MCP servers behind a single endpoint,
exposing their tools under disambiguated names and maintaining outbound
WebSocket connections to downstream endpoints.

Quick start:
  1. Create a config file: meshmcp.yaml
  2. Run: meshmcp start

Configuration:
  Config is loaded from meshmcp.yaml in the current directory, $HOME/.meshmcp/,
  or /etc/meshmcp/.

  Environment variables can override config values with the MESHMCP_ prefix.
  Example: MESHMCP_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the proxy server
  stop        Stop the running server
  reset       Reset to clean state (remove state.json)
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./meshmcp.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to state.json file (default: ./state.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
