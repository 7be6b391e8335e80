package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// errConnectionRequired is returned when session add is invoked without
// the required --connection flag.
var errConnectionRequired = errors.New("--connection flag is required")

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage ModeCfg sessions",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionAddCmd())
	cmd.AddCommand(sessionDeleteCmd())

	return cmd
}

// --- session list ---

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all ModeCfg sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			sessions, err := client.listSessions(context.Background())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out, err := formatSessions(sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- session show ---

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <icookie-rcookie>",
		Short: "Show details of a ModeCfg session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			session, err := client.getSession(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			out, err := formatSession(session, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- session add ---

func sessionAddCmd() *cobra.Command {
	var (
		connection string
		role       string
		mode       string
		skeyIDA    string
		hashAlgo   string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Start a new ModeCfg session over an existing ISAKMP SA",
		Long: "Creates a ModeCfg session against a previously negotiated Phase 1 SA, " +
			"identified by its connection name and the SA's negotiated SKEYID_a.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if connection == "" {
				return errConnectionRequired
			}

			body := createSessionBody{
				Connection: connection,
				Role:       role,
				Mode:       mode,
				SkeyIDA:    skeyIDA,
				HashAlgo:   hashAlgo,
			}

			session, err := client.createSession(context.Background(), body)
			if err != nil {
				return fmt.Errorf("add session: %w", err)
			}

			out, err := formatSession(session, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&connection, "connection", "", "connection name (required)")
	flags.StringVar(&role, "role", "initiator", "session role: initiator or responder")
	flags.StringVar(&mode, "mode", "pull", "ModeCfg mode: pull or push")
	flags.StringVar(&skeyIDA, "skeyid-a", "", "hex-encoded SKEYID_a from the negotiated Phase 1 SA")
	flags.StringVar(&hashAlgo, "hash", "sha256", "Phase 1 PRF hash algorithm: sha256 or sha1")

	return cmd
}

// --- session delete ---

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <icookie-rcookie>",
		Short: "Delete a ModeCfg session by cookie pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := client.deleteSession(context.Background(), args[0]); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}

			fmt.Printf("Session %s deleted.\n", args[0])

			return nil
		},
	}
}
