package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/agentbus/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the agentbus schema",
		Long:  "Creates the MySQL database when needed, migrates all tables and seeds the agents listed in the config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}

	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return fmt.Errorf("connect to MySQL at %s:%d: %w", cfg.Database.Host, cfg.Database.Port, err)
		}
		err = db.CreateDatabase(adminDB, cfg.Database.Name)
		db.Close(adminDB)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	defer db.Close(gormDB)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedAgents(gormDB, cfg.Agents); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d agents:", len(cfg.Agents))
	for _, a := range cfg.Agents {
		fmt.Fprintf(out, " %s", a.ID)
	}
	fmt.Fprintln(out)
	return nil
}
