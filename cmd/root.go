// Package cmd defines the CLI commands for the sentimentd executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/config"
	"github.com/gramsight/sentiment-service/internal/logging"
	"github.com/gramsight/sentiment-service/internal/metrics"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sentimentd",
		Short: "Instagram post sentiment analysis service.",
		Long: `sentimentd accepts Instagram post URLs over HTTP, runs asynchronous
sentiment analysis over their comments, and serves pollable job status
and results. The serve command runs the API (optionally with embedded
workers); the worker command runs a standalone analysis worker pool.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (env vars use the SENTIMENT_ prefix)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())

	return cmd
}

// loadConfig builds the Config and global logger shared by all subcommands.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := logging.Init(cfg.Logging.Development); err != nil {
		return config.Config{}, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		logging.L.Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
