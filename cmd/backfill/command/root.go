// Package command implements the backfill CLI.
package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
)

var rootParams = struct {
	LogLevel string
	Driver   string
	DataDir  string
}{}

var rootCmd = &cobra.Command{
	Use:          "backfill",
	Short:        "Helper tool to seed adherence data",
	Long:         "The backfill tool writes synthetic medication administration records for demos and load tests",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootParams.LogLevel, "log-level", "v", "info", "Log level")
	rootCmd.PersistentFlags().StringVar(&rootParams.Driver, "driver", "", "Store driver (ndjson or postgres); defaults to ADHERENCE_STORE_DRIVER")
	rootCmd.PersistentFlags().StringVar(&rootParams.DataDir, "data-dir", "", "NDJSON data directory; defaults to ADHERENCE_DATA_DIR")
}

// loadConfig applies the persistent flags over the environment.
func loadConfig() (*config.Config, *zap.Logger, error) {
	if rootParams.Driver != "" {
		if err := os.Setenv("ADHERENCE_STORE_DRIVER", rootParams.Driver); err != nil {
			return nil, nil, err
		}
	}
	if rootParams.DataDir != "" {
		if err := os.Setenv("ADHERENCE_DATA_DIR", rootParams.DataDir); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger("backfill", rootParams.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
