package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var includeCurrent bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream ModeCfg session state changes",
		Long:  "Connects to the iked daemon and streams session state changes until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			onSnapshot := func(sv sessionView) {
				if !includeCurrent {
					return
				}
				out, err := formatSession(sv, outputFormat)
				if err == nil {
					fmt.Print(out)
				}
			}

			onChange := func(sc stateChangeView) {
				out, err := formatStateChange(sc, outputFormat)
				if err == nil {
					fmt.Println(out)
				}
			}

			if err := client.streamSessions(ctx, onSnapshot, onChange); err != nil {
				return fmt.Errorf("stream sessions: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&includeCurrent, "current", false,
		"include current sessions before streaming changes")

	return cmd
}
