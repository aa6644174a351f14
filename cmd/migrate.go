package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, db.PoolConfig{MaxConns: 2})
		if err != nil {
			return err
		}
		defer pool.Close()

		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			pending, err := db.PendingMigrations(ctx, pool)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending migrations.")
			}
			for _, name := range pending {
				fmt.Println(name)
			}
			return nil
		}
		return db.Migrate(ctx, pool)
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "list pending migrations without applying them")
	rootCmd.AddCommand(migrateCmd)
}
