package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/db"
)

var (
	migrateStatus bool
	migrationsDir string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Migrate applies every pending schema migration from the migrations
directory, each in its own transaction, and records the applied version
in the schema_version table.

Example usage:
  warroom migrate              # Apply pending migrations
  warroom migrate --status     # Show applied/pending migrations`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Show migration status instead of applying")
	migrateCmd.Flags().StringVar(&migrationsDir, "migrations", "migrations", "Path to migrations directory")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	// DATABASE_URL wins over the config file so the tool works inside
	// one-off containers with nothing mounted but the env.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		database, err := db.OpenSQLURL(dbURL)
		if err != nil {
			return err
		}
		defer database.Close()
		return migrate(cmd.Context(), db.NewMigrator(database, migrationsDir))
	}

	database, err := db.OpenSQL(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()
	return migrate(cmd.Context(), db.NewMigrator(database, migrationsDir))
}

func migrate(ctx context.Context, m *db.Migrator) error {
	if migrateStatus {
		return m.Status(ctx)
	}
	return m.Migrate(ctx)
}
