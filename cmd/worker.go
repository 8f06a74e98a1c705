package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/app"
	"github.com/gramsight/sentiment-service/internal/config"
	"github.com/gramsight/sentiment-service/internal/dispatcher"
	"github.com/gramsight/sentiment-service/internal/logging"
	"github.com/gramsight/sentiment-service/internal/metrics"
	"github.com/gramsight/sentiment-service/internal/progress"
	"github.com/gramsight/sentiment-service/internal/progress/sinks"
)

// newWorkerCmd creates the 'worker' subcommand: a standalone analysis worker
// pool without the HTTP API.
func newWorkerCmd() *cobra.Command {
	var concurrency int
	var metricsPort int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone worker pool",
		Long: `Consumes analysis jobs from the configured queue and executes the
sentiment pipeline. Deploy alongside 'serve --workers 0' when worker
capacity scales separately from the API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runWorkers(cmd.Context(), cfg, concurrency, metricsPort)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", -1,
		"number of workers (-1 uses worker.concurrency from config)")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "port for the /metrics endpoint (0 disables)")
	return cmd
}

func runWorkers(parent context.Context, cfg config.Config, concurrency, metricsPort int) error {
	logger := logging.L
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewPrometheusSink(),
		sinks.NewLogSink(logger.Named("progress")),
	)

	if concurrency < 0 {
		concurrency = cfg.Worker.Concurrency
	}
	if concurrency < 1 {
		return fmt.Errorf("worker pool needs at least one worker, got %d", concurrency)
	}
	workers := buildWorkers(services, hub, concurrency, "pool")
	dispatch := dispatcher.New(services.Queue(), workers)

	var metricsSrv *http.Server
	if metricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", metricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics server started", zap.Int("port", metricsPort))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	logger.Info("worker pool started", zap.Int("concurrency", concurrency))
	dispatch.Run(ctx)

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
