package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/agentdir"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/registry"
	"gopkg.in/yaml.v3"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent directory commands",
	}

	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentRegisterCmd())
	cmd.AddCommand(newAgentRemoveCmd())
	cmd.AddCommand(newAgentHeartbeatCmd())
	return cmd
}

func newAgentListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			entries, err := agentdir.New(gormDB, nil).List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No agents registered")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCAPABILITIES\tMAX\tSANDBOX\tLAST SEEN")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\n",
					e.Card.ID, e.Status, strings.Join(e.Card.CapabilityIDs(), ","),
					e.Card.Limits.MaxConcurrency, e.Card.Security.Sandbox,
					e.LastSeen.Format("2006-01-02 15:04:05"))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newAgentRegisterCmd() *cobra.Command {
	var (
		configPath string
		file       string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update an agent from a card file",
		Long:  "Reads a YAML agent card and upserts it into the agent directory, marking the agent online.",
		RunE: func(cmd *cobra.Command, args []string) error {
			card, err := readCard(file)
			if err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			if err := agentdir.New(gormDB, nil).Upsert(cmd.Context(), card); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered agent %s (%s)\n", card.ID, strings.Join(card.CapabilityIDs(), ", "))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the agent card YAML (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func readCard(path string) (registry.AgentCard, error) {
	var card registry.AgentCard
	data, err := os.ReadFile(path)
	if err != nil {
		return card, fmt.Errorf("read agent card: %w", err)
	}
	if err := yaml.Unmarshal(data, &card); err != nil {
		return card, fmt.Errorf("parse agent card %s: %w", path, err)
	}
	if err := card.Validate(); err != nil {
		return card, err
	}
	return card, nil
}

func newAgentRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <agent-id>",
		Short: "Remove an agent from the directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			if err := agentdir.New(gormDB, nil).Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed agent %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newAgentHeartbeatCmd() *cobra.Command {
	var (
		configPath string
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Mark an agent as alive",
		Long:  "Refreshes the agent's last-seen time. With --follow, keeps heartbeating until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			dir := agentdir.New(gormDB, nil)
			if err := dir.Heartbeat(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			fmt.Fprintf(cmd.OutOrStdout(), "Heartbeating %s every %s (Ctrl+C to stop)\n", args[0], agentdir.DefaultHeartbeatInterval)
			select {
			case <-ctx.Done():
				return nil
			case err := <-dir.StartHeartbeat(ctx, args[0], agentdir.DefaultHeartbeatInterval):
				return err
			}
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&follow, "follow", false, "keep heartbeating until interrupted")
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
