/*
main.go - Application entry point

PURPOSE:
  The cable-ledger command: serves the HTTP API and runs one-off
  maintenance against the ledgers in the configured data directory.

COMMANDS:
  serve         Run the HTTP server (default :8080)
  init          Build the results ledger from PMS and SSCM
  reload        Read every ledger, refresh parquet copies, print counts
  config show   Print the effective configuration

GLOBAL FLAGS:
  --config   Config file (default: $CABLE_LEDGER_CONFIG or cable-ledger.yaml)
             Created with defaults when missing.

LOGGING:
  zap, built from log.level and log.development in the config file.

EXAMPLES:
  cable-ledger serve --addr :3000
  cable-ledger init --force
  CABLE_LEDGER_CONFIG=/etc/cable-ledger.yaml cable-ledger reload

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - app.go: Dependency wiring shared by every command
  - config/config.go: Configuration file
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/cable-ledger/config"
)

var (
	// Global flags
	configPath string

	// Set by PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cable-ledger",
	Short: "Fiber cable requisition and usage ledger",
	Long: `cable-ledger reconciles open PMS tasks with SSCM cable requisitions into a
results ledger of cable units, and records the quantity each unit consumed.

The ledgers live in one data directory as .parquet/.xlsx pairs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.PathFromEnv(), "config file")

	rootCmd.AddCommand(serveCmd, initCmd, reloadCmd, configCmd)
	configCmd.AddCommand(configShowCmd)
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if c.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
