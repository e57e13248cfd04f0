package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fjmoreno/contaflow/internal/cli"
	"github.com/fjmoreno/contaflow/internal/config"
	"github.com/fjmoreno/contaflow/internal/storage"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.
Migrations are versioned and applied in order; running this on an
up-to-date database is a no-op.`,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	settings, err := config.Load()
	if err != nil {
		return err
	}

	slog.Info("running database migrations", "database", settings.Database.Path)

	store, err := storage.NewSQLiteStorage(settings.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("schema at version %d", storage.ExpectedSchemaVersion)))
	return nil
}
