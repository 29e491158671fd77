package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"franklab/internal/bridge"
	"franklab/internal/config"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the message router",
	Long: `Starts the bridge: the authoritative router every other component
connects to. It authenticates registrations, routes point-to-point and
broadcast messages, tracks heartbeat liveness, and keeps a bounded event
log served over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg := config.LoadBridge()
		common := config.LoadCommon()

		hub := bridge.NewHub(bridge.Options{
			AuthToken:    common.AuthToken,
			EventLogSize: cfg.EventLogSize,
			Logger:       logger,
		})
		server := bridge.NewServer(hub, bridge.ServerOptions{
			ScreenshotsDir: cfg.ScreenshotsDir,
			Logger:         logger,
		})

		logger.Info("bridge starting", zap.Int("port", cfg.Port))

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error { return hub.Run(gCtx) })
		g.Go(func() error {
			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Port),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.ListenAndServe() }()
			select {
			case err := <-errCh:
				return err
			case <-gCtx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
				return gCtx.Err()
			}
		})
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
