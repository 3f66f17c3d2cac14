package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/config"
	"github.com/zulandar/agentbus/internal/dashboard"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/logging"
	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/telegraph"
	"github.com/zulandar/agentbus/internal/telegraph/discord"
	"github.com/zulandar/agentbus/internal/telegraph/slack"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bus with its dashboard",
		Long: `Starts the message bus and the HTTP dashboard (health, metrics, SSE event
stream and JSON queries) and runs until interrupted. Agents listed in the
config are seeded into the directory first. Slack and Discord notifications
are enabled when their token and channel are configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "dashboard port (overrides dashboard.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)
	if port != 0 {
		cfg.Dashboard.Port = port
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	shutdownTracing, err := observability.SetupTracing(cfg.Tracing, os.Stdout)
	if err != nil {
		return err
	}
	defer shutdownTracing(cmd.Context())

	if err := db.SeedAgents(gormDB, cfg.Agents); err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	hub := telegraph.NewHub()
	notifier, err := buildNotifier(cfg.Notify, logger, metrics, hub)
	if err != nil {
		return err
	}

	b, err := newBus(cfg, gormDB, logger, metrics, notifier)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if err := b.Start(ctx); err != nil {
		b.Stop()
		return err
	}
	defer b.Stop()

	fmt.Fprintf(out, "agentbus serving %d agents (%d notification sinks)\n", len(b.Agents()), notifier.Len())
	err = dashboard.Start(ctx, dashboard.StartOpts{
		Opts: dashboard.Opts{
			Backend: b,
			Hub:     hub,
			Metrics: metrics,
			Logger:  logger,
		},
		Port: cfg.Dashboard.Port,
		Out:  out,
	})
	fmt.Fprintln(out, "Shutting down...")
	return err
}

// buildNotifier fans events out to the dashboard hub plus every chat
// platform with credentials configured.
func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger, metrics *observability.Metrics, hub *telegraph.Hub) (*telegraph.Multi, error) {
	multi := telegraph.NewMulti(telegraph.MultiOpts{Logger: logger, Metrics: metrics})
	multi.Add("hub", hub)

	if cfg.Slack.Enabled() {
		p, err := slack.New(slack.PosterOpts{
			BotToken:  cfg.Slack.Token,
			ChannelID: cfg.Slack.Channel,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		multi.Add("slack", p)
	}
	if cfg.Discord.Enabled() {
		p, err := discord.New(discord.PosterOpts{
			BotToken:  cfg.Discord.Token,
			ChannelID: cfg.Discord.Channel,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		multi.Add("discord", p)
	}
	return multi, nil
}
