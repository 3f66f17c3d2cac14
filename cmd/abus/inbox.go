package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/agentdir"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/eventstore"
	"github.com/zulandar/agentbus/internal/messaging"
)

func newInboxCmd() *cobra.Command {
	var (
		configPath string
		agent      string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "View an agent's inbox",
		Long: `Lists messages delivered to an agent that it has not acknowledged yet,
oldest first. Checking the inbox also counts as a heartbeat for the agent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)
			ctx := cmd.Context()

			if err := agentdir.New(gormDB, nil).Heartbeat(ctx, agent); err != nil && !errors.Is(err, agentdir.ErrNotFound) {
				return err
			}
			deliveries, err := messaging.Inbox(ctx, gormDB, agent, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				store, err := eventstore.New(eventstore.Opts{DB: gormDB})
				if err != nil {
					return err
				}
				for _, d := range deliveries {
					m, err := store.Get(ctx, d.MessageID)
					if err != nil {
						return err
					}
					if err := printJSON(out, m); err != nil {
						return err
					}
				}
				return nil
			}

			if len(deliveries) == 0 {
				fmt.Fprintf(out, "No messages for %s\n", agent)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tTYPE\tRUN\tTASK\tDELIVERED")
			for _, d := range deliveries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					d.MessageID, d.Type, d.RunID, d.TaskID, d.CreatedAt.Format("2006-01-02 15:04"))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID to check inbox (required)")
	cmd.Flags().IntVar(&limit, "limit", messaging.DefaultInboxLimit, "maximum messages to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full messages as JSON lines")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func newAckCmd() *cobra.Command {
	var (
		configPath string
		agent      string
	)

	cmd := &cobra.Command{
		Use:   "ack <message-id>...",
		Short: "Acknowledge inbox messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			for _, id := range args {
				if err := messaging.Acknowledge(cmd.Context(), gormDB, agent, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s\n", id)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&agent, "agent", "", "agent ID (required)")
	cmd.MarkFlagRequired("agent")
	return cmd
}
