package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"franklab/internal/config"
	"franklab/internal/igor"
)

var igorRoute string

var igorCmd = &cobra.Command{
	Use:   "igor",
	Short: "Run an executor worker",
	Long: `Starts one igor worker. Without a route it runs as the default
worker and accepts any plan; with --route (or IGOR_ROUTE) it registers as
igor-<route> and only accepts plans bound to that route.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg := config.LoadIgor()
		common := config.LoadCommon()
		if igorRoute != "" {
			cfg.RouteID = igorRoute
		}

		worker := igor.New(cfg, common, logger)
		logger.Info("igor starting",
			zap.String("id", cfg.ID), zap.String("route", cfg.RouteID))

		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	igorCmd.Flags().StringVar(&igorRoute, "route", "", "route id for a specialized worker")
}
