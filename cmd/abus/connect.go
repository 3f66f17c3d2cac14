package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/bus"
	"github.com/zulandar/agentbus/internal/config"
	"github.com/zulandar/agentbus/internal/db"
	"github.com/zulandar/agentbus/internal/logging"
	"github.com/zulandar/agentbus/internal/messaging"
	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/telegraph"
	"gorm.io/gorm"
)

const defaultConfigPath = "agentbus.yaml"

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to agentbus config file")
}

// loadConfig reads the config file. A missing file at the default path
// falls back to built-in defaults; an explicit --config must exist.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// connectFromConfig loads config and opens a migrated database.
func connectFromConfig(cmd *cobra.Command, configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return nil, nil, err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		db.Close(gormDB)
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// cliLogger reports warnings from one-shot commands on stderr.
func cliLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	lc := cfg.Logging
	if lc.Level == "info" || lc.Level == "debug" {
		lc.Level = "warn"
	}
	return logging.NewWriter(cmd.ErrOrStderr(), lc)
}

func newBus(cfg *config.Config, gormDB *gorm.DB, logger *slog.Logger, metrics *observability.Metrics, notifier telegraph.Notifier) (*bus.Bus, error) {
	return bus.New(bus.Opts{
		DB:              gormDB,
		Logger:          logger,
		Metrics:         metrics,
		Notifier:        notifier,
		DedupWindow:     cfg.Router.DedupWindow,
		SweepInterval:   cfg.Router.SweepInterval,
		StaleAfter:      cfg.Registry.StaleAfter,
		RefreshInterval: cfg.Registry.RefreshInterval,
		Inbox: messaging.NotifyConfig{
			Command:    cfg.Notify.Command,
			Recipients: cfg.Notify.Recipients,
		},
	})
}
