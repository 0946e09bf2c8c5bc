package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wsrelay",
		Short: "WebSocket telemetry relay",
		Long: `wsrelay accepts WebSocket connections, decodes JSON telemetry frames
and broadcasts every reading to all connected sessions.

Settings come from the environment (WSRELAY_*, LOG_LEVEL, LOG_DIR,
SERVICE_NAME), optionally seeded from a .env file; flags override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(),
		sendCmd(),
		versionCmd(),
	)

	return root
}
