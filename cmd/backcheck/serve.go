package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"backcheck/internal/platform/config"
	"backcheck/internal/platform/logger"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline, workers, dispatcher, ingress and ops server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("start %s: %w", cfg.App.Name, err)
	}
	defer a.close()

	log.Info("backcheck starting",
		zap.String("environment", cfg.App.Environment),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("store", cfg.Pipeline.Store),
		zap.String("outbox", cfg.Notifications.Outbox),
		zap.Bool("ingress", cfg.Ingress.Enabled),
	)
	err = a.run(ctx)
	log.Info("backcheck stopped")
	return err
}
