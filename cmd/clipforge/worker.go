package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/clipforge/internal/scheduler"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run periodic recovery sweeps through the Redis backed scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return errors.New("worker requires redis.addr")
			}
			logger := ctx.logger()

			rootCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(rootCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			return scheduler.New(logger, cfg.Redis, cfg.Recovery, a.sweeper).Run(rootCtx)
		},
	}
}
