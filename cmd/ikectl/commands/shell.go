package commands

import (
	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive ikectl console",
		Long:  "Launches an interactive console (history, completion, hints) over the ikectl command tree.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runShell()
		},
	}
}

// runShell wires the ikectl command tree into a reeflective/console
// session, so the same cobra commands used on the command line are
// available with line editing and completion in interactive mode.
func runShell() error {
	app := console.New("ikectl")

	menu := app.ActiveMenu()
	menu.Prompt().Primary = func() string { return "ikectl > " }
	menu.SetCommands(shellCommandTree)

	return app.Start()
}

// shellCommandTree builds a fresh copy of the ikectl subcommands for the
// console to dispatch against. A new tree is built per invocation because
// cobra commands carry per-run flag state that must not leak between
// console command lines.
func shellCommandTree() *cobra.Command {
	root := &cobra.Command{
		Use:           "ikectl",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(sessionCmd())
	root.AddCommand(connectionCmd())
	root.AddCommand(monitorCmd())
	root.AddCommand(versionCmd())

	return root
}
