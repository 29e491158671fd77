// Command franklab runs the components of the agentic end-to-end test
// cluster: the bridge message router, the doctor planner, the igor workers,
// and the frankenstein tool host. The plan subcommand is a thin client for
// posting intents to a running doctor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"franklab/internal/config"
	"franklab/internal/logging"
)

var (
	// Global flags, env wins over yaml, flags win over env.
	logLevel  string
	logFormat string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "franklab",
	Short: "agentic end-to-end test orchestrator",
	Long: `franklab compiles natural-language test intents into browser action
plans and executes them across a four-component message-bus cluster:

  bridge        authoritative message router and event log
  doctor        planner, failure analyzer, tool-creation coordinator
  igor          executor worker (default or route-specialized)
  frankenstein  browser driver and dynamic tool host

Each component is a long-running process connected through the bridge.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadOverlay(); err != nil {
			return err
		}
		common := config.LoadCommon()
		if logLevel != "" {
			common.LogLevel = logLevel
		}
		if logFormat != "" {
			common.LogFormat = logFormat
		}
		var err error
		logger, err = logging.Init(logging.Options{
			Level:     common.LogLevel,
			Format:    common.LogFormat,
			Component: cmd.Name(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, pretty)")

	rootCmd.AddCommand(bridgeCmd, doctorCmd, frankCmd, igorCmd, planCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
