package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/eventstore"
)

func newReplayCmd() *cobra.Command {
	var (
		configPath string
		runID      string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print every message of a run in order",
		Long:  "Replays a run from the event store in append order. Output is one JSON message per line unless stdout is a terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			store, err := eventstore.New(eventstore.Opts{DB: gormDB})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			human := !asJSON && isTerminal(out)
			width := terminalWidth(out)
			var n uint64
			for m, err := range store.ReplayRun(cmd.Context(), runID) {
				if err != nil {
					return err
				}
				n++
				if human {
					printMessage(out, n, m, width)
					continue
				}
				if err := printJSON(out, m); err != nil {
					return err
				}
			}
			if n == 0 {
				return fmt.Errorf("run %s has no messages", runID)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&runID, "run", "", "run ID (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")
	cmd.MarkFlagRequired("run")
	return cmd
}
