package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"franklab/internal/config"
	"franklab/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run the planner",
	Long: `Starts the doctor: it compiles intents into plans, detects branching
flows, schedules igor workers, aggregates step failures into patterns, and
drives the tool-creation loop against frankenstein.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg := config.LoadDoctor()
		common := config.LoadCommon()

		svc, err := doctor.New(cfg, common, logger)
		if err != nil {
			return err
		}
		logger.Info("doctor starting",
			zap.Int("port", cfg.Port),
			zap.Int("maxActivePlans", cfg.MaxActivePlans),
			zap.Bool("toolCreation", cfg.ToolCreationEnabled))

		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
