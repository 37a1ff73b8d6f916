package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rebuttal/api/internal/store"
)

func migrateCmd(configPath *string) *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations, or roll back with --down",
		Long: `Apply pending migrations from the configured migrations directory.

Examples:
  rebuttal migrate
  rebuttal migrate --down 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrations, err := store.LoadMigrations(os.DirFS(cfg.MigrationsDir))
			if err != nil {
				return err
			}
			if down > 0 {
				if err := store.MigrateDown(ctx, db, migrations, down); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info("migrations rolled back", "steps", down)
				return nil
			}
			if err := store.MigrateUp(ctx, db, migrations); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			logger.Info("migrations applied", "available", len(migrations))
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "number of migrations to roll back")
	return cmd
}
