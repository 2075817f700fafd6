package main

import (
	"fmt"

	"github.com/Karkibinod/CorpSpend/internal/infra/postgres"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Create or update the PostgreSQL schema (cards, transactions and their
indexes) to the version this binary expects. Safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetBool("status")
			return runMigrate(cmd, flags, status)
		},
	}
	cmd.Flags().Bool("status", false, "Show the current schema version without applying changes")
	return cmd
}

func runMigrate(cmd *cobra.Command, flags *globalFlags, statusOnly bool) error {
	cfg, logger := setup(flags)
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	ctx := cmd.Context()
	db, err := postgres.Open(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		return err
	}
	defer db.Close()

	if statusOnly {
		v, err := postgres.SchemaVersion(ctx, db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (expected %d)\n", v, postgres.ExpectedSchemaVersion)
		return nil
	}

	logger.Info("starting database migration")
	if err := postgres.Migrate(ctx, db, logger); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("database schema up to date", zap.Int("version", postgres.ExpectedSchemaVersion))
	return nil
}
