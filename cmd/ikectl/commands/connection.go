package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func connectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Inspect configured ModeCfg connections",
	}

	cmd.AddCommand(connectionListCmd())

	return cmd
}

// --- connection list ---

func connectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connections known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			conns, err := client.listConnections(context.Background())
			if err != nil {
				return fmt.Errorf("list connections: %w", err)
			}

			out, err := formatConnections(conns, outputFormat)
			if err != nil {
				return fmt.Errorf("format connections: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
