package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the generation API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}

		server := api.NewServer(env.Scheduler, env.Jobs, env.Aggregator, env.Gate, api.Config{
			CORSOrigins:  cfg.Server.CORSOrigins,
			PollInterval: time.Duration(cfg.Server.PollIntervalSecs) * time.Second,
			Circuits:     env.Breakers.States,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: stop accepting requests, then let workers record
		// their cancellation before the store closes.
		done := make(chan struct{})
		go func() {
			defer close(done)
			<-ctx.Done()
			zap.L().Info("shutting down server")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSecs)*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			env.Close(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-done
			return eris.Wrap(err, "server listen")
		}

		<-done
		if env.Costs != nil {
			total, calls := env.Costs.Total()
			zap.L().Info("server stopped", zap.Int("provider_calls", calls), zap.Float64("cost_usd", total))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
