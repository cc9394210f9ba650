package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/infrastructure/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := sqlstore.OptionsFromConfig(cfg)
		db, err := sqlstore.Open(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		defer db.Close()

		applied, err := sqlstore.AppliedMigrations(cmd.Context(), db)
		if err != nil {
			return err
		}
		fmt.Printf("Schema is up to date (%s, %d migrations)\n", db.Dialect().Name(), len(applied))
		for _, v := range applied {
			fmt.Printf("  %s\n", v)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
