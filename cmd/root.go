package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Temporal evidence and governance engine",
	Long: "Tracks sources and ingestion runs, stores bitemporal observations, keeps an append-only " +
		"provenance ledger, detects cross-source contradictions, and gates content through a staged approval pipeline.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
