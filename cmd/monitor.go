package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check ingestion and governance health",
}

var monitorCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one health check and print any alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initApp(cmd.Context(), "monitor")
		if err != nil {
			return err
		}
		defer env.Close()

		alerts := newChecker(env).Check(cmd.Context())
		if len(alerts) == 0 {
			fmt.Println("OK")
			return nil
		}
		for _, a := range alerts {
			fmt.Printf("[%s] %s: %s\n", a.Severity, a.Type, a.Message)
		}
		return nil
	},
}

var monitorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run health checks on the configured interval until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "monitor")
		if err != nil {
			return err
		}
		defer env.Close()

		newChecker(env).Run(ctx)
		return nil
	},
}

func init() {
	monitorCmd.AddCommand(monitorCheckCmd)
	monitorCmd.AddCommand(monitorRunCmd)
	rootCmd.AddCommand(monitorCmd)
}
