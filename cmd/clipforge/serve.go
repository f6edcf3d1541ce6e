package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger()

			rootCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(rootCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
			if err := queue.Start(rootCtx, a.orch); err != nil {
				return err
			}

			svc := &server.Service{
				Log:          logger,
				Cfg:          cfg,
				Ledger:       a.ledger,
				Queue:        queue,
				Orchestrator: a.orch,
				Engine:       a.engine,
				Sweeper:      a.sweeper,
				Streamer:     a.streamer,
			}
			if a.mirror != nil {
				svc.AssetsDir = a.mirror.Dir()
			}
			httpSrv := server.NewHTTPServer(svc)

			// Run server in background
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server starting", "address", cfg.Server.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			// Wait for signal or server error
			var serveErr error
			select {
			case <-rootCtx.Done():
				logger.Info("shutdown signal received")
			case serveErr = <-errCh:
				if serveErr != nil {
					logger.Error("server error", "err", serveErr)
				}
			}

			// Graceful shutdown
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
			defer cancelShutdown()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "err", err)
			}
			// Stop workers
			queue.Shutdown(cfg.Server.ShutdownGrace)
			logger.Info("server stopped")
			return serveErr
		},
	}
}
