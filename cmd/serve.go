package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/api"
)

var (
	servePort    int
	serveMonitor bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srvCfg := cfg.Server
		if servePort != 0 {
			srvCfg.Port = servePort
		}

		handler := api.NewServer(api.Services{
			Sources:        env.Sources,
			Tracker:        env.Tracker,
			Observations:   env.Observations,
			Ledger:         env.Ledger,
			Detector:       env.Detector,
			Resolver:       env.Resolver,
			Contradictions: env.Contradictions,
			Content:        env.Content,
			Pipeline:       env.Pipeline,
			Policies:       env.Policies,
			Loader:         env.Loader,
		}, srvCfg).Handler()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", srvCfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		if serveMonitor && cfg.Monitoring.CheckIntervalSecs > 0 {
			go newChecker(env).Run(ctx)
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", srvCfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveMonitor, "monitor", true, "run the governance health checker alongside the API")
	rootCmd.AddCommand(serveCmd)
}
