package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client is the Admin API HTTP client, initialized in PersistentPreRunE.
	client *apiClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's Admin API address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for ikectl.
var rootCmd = &cobra.Command{
	Use:   "ikectl",
	Short: "CLI client for the iked daemon",
	Long:  "ikectl communicates with the iked daemon's Admin API to manage ModeCfg sessions and connections.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newAPIClient(serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8443",
		"iked Admin API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
