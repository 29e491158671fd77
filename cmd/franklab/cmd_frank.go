package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"franklab/internal/config"
	"franklab/internal/frank"
)

var frankCmd = &cobra.Command{
	Use:     "frank",
	Aliases: []string{"frankenstein"},
	Short:   "Run the browser and dynamic tool host",
	Long: `Starts frankenstein: it drives headless browser sessions, compiles
and invokes dynamic tools in an interpreter sandbox, detects host desktop
automation binaries, and serves tool CRUD over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg := config.LoadFrank()
		common := config.LoadCommon()

		svc, err := frank.New(cfg, common, logger)
		if err != nil {
			return err
		}
		logger.Info("frankenstein starting",
			zap.Int("port", cfg.Port),
			zap.Int("maxBrowsers", cfg.MaxBrowsers),
			zap.Bool("headless", cfg.Headless))

		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
