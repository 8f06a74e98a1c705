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

	"github.com/gramsight/sentiment-service/internal/api"
	"github.com/gramsight/sentiment-service/internal/app"
	"github.com/gramsight/sentiment-service/internal/batch"
	"github.com/gramsight/sentiment-service/internal/config"
	"github.com/gramsight/sentiment-service/internal/dispatcher"
	"github.com/gramsight/sentiment-service/internal/logging"
	"github.com/gramsight/sentiment-service/internal/progress"
	"github.com/gramsight/sentiment-service/internal/progress/sinks"
	"github.com/gramsight/sentiment-service/internal/status"
	"github.com/gramsight/sentiment-service/internal/worker"
)

// newServeCmd creates the 'serve' subcommand: the HTTP API process, with an
// optional pool of embedded workers.
func newServeCmd() *cobra.Command {
	var embeddedWorkers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Starts the job submission and status API. With --workers > 0 the
process also consumes the queue itself, which is the single-binary
deployment shape; with --workers 0 it only accepts and tracks jobs,
leaving execution to separate worker processes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, embeddedWorkers)
		},
	}
	cmd.Flags().IntVar(&embeddedWorkers, "workers", -1,
		"number of embedded workers (-1 uses worker.concurrency from config)")
	return cmd
}

func runServe(parent context.Context, cfg config.Config, embeddedWorkers int) error {
	logger := logging.L
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	tracker := sinks.NewTracker()
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		tracker,
		sinks.NewPrometheusSink(),
		sinks.NewLogSink(logger.Named("progress")),
	)

	if embeddedWorkers < 0 {
		embeddedWorkers = cfg.Worker.Concurrency
	}
	workers := buildWorkers(services, hub, embeddedWorkers, "api")
	dispatch := dispatcher.New(services.Queue(), workers)
	go dispatch.Run(ctx)

	coordinator := batch.NewCoordinator(
		services.Store(),
		services.Queue(),
		services.Results(),
		services.Clock(),
		batch.Config{
			MaxURLs:       cfg.Batch.MaxURLs,
			Stagger:       time.Duration(cfg.Batch.StaggerMs) * time.Millisecond,
			MaxConcurrent: cfg.Batch.MaxConcurrent,
			Timeout:       time.Duration(cfg.Batch.TimeoutSeconds) * time.Second,
			PollInterval:  time.Duration(cfg.Batch.PollIntervalMs) * time.Millisecond,
		},
		logger.Named("batch"),
	)

	reconciler := status.NewReconciler(services.Store(), services.Results(), tracker)
	apiServer := api.NewServer(
		services.Store(),
		services.Queue(),
		dispatch,
		coordinator,
		reconciler,
		services.IDGen(),
		services.Clock(),
		cfg,
		logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started",
			zap.Int("port", cfg.Server.Port),
			zap.Int("embedded_workers", embeddedWorkers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	coordinator.Wait()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// buildWorkers constructs n workers sharing the app's services and the
// progress hub.
func buildWorkers(services *app.App, hub *progress.Hub, n int, namePrefix string) []*worker.Worker {
	cfg := services.Config()
	posts, comments := newFetchers(cfg.Worker)
	var workers []*worker.Worker
	for i := 0; i < n; i++ {
		workers = append(workers, worker.New(
			services.Queue(),
			services.Store(),
			services.Results(),
			posts,
			comments,
			newScorer(),
			services.Clock(),
			hub,
			worker.Config{
				ID:                fmt.Sprintf("%s-worker-%d", namePrefix, i),
				StageTimeout:      time.Duration(cfg.Worker.StageTimeoutSeconds) * time.Second,
				MaxAttempts:       cfg.Queue.MaxAttempts,
				HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatSeconds) * time.Second,
			},
			services.Logger().Named("worker").With(zap.Int("index", i)),
		))
	}
	return workers
}
