package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/payment-service/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Create the payments, payment_history, settlement_runs and outbox_events
tables with their indexes. Safe to run repeatedly.

Examples:
  payment-service migrate
  DATABASE_DRIVER=sqlite DATABASE_URL=file:payments.db payment-service migrate`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dialect, err := repository.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return err
	}
	if dialect == repository.Memory {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to migrate for the memory driver")
		return nil
	}

	ctx := context.Background()
	db, err := repository.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db, dialect); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", dialect)
	return nil
}
