package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abus",
		Short: "agentbus: message bus for cooperating agents",
		Long:  "agentbus stores, routes and delivers messages between agents and tracks the tasks they work on.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newReplayCmd())
	cmd.AddCommand(newTailCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newInboxCmd())
	cmd.AddCommand(newAckCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "abus %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
