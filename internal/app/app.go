// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the command entry points.
package app

import (
	"context"
	"fmt"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/clock/system"
	"github.com/gramsight/sentiment-service/internal/config"
	"github.com/gramsight/sentiment-service/internal/id/uuid"
	jobmem "github.com/gramsight/sentiment-service/internal/jobstore/memory"
	jobpg "github.com/gramsight/sentiment-service/internal/jobstore/postgres"
	"github.com/gramsight/sentiment-service/internal/logging"
	"github.com/gramsight/sentiment-service/internal/queue"
	queuemem "github.com/gramsight/sentiment-service/internal/queue/memory"
	queueps "github.com/gramsight/sentiment-service/internal/queue/pubsub"
	resgcs "github.com/gramsight/sentiment-service/internal/resultstore/gcs"
	resmem "github.com/gramsight/sentiment-service/internal/resultstore/memory"
	"github.com/gramsight/sentiment-service/internal/worker"
)

// App holds the shared, long-lived services for one process: the job store,
// the queue, and the result store, built from configuration. It is
// initialized once at startup and passed to the components that need it.
type App struct {
	logger  *zap.Logger
	cfg     config.Config
	clock   analysis.Clock
	idGen   analysis.IDGenerator
	store   analysis.JobStore
	queue   analysis.Queue
	results analysis.ResultStore

	closers []func()
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Clock returns the wall clock provider.
func (a *App) Clock() analysis.Clock { return a.clock }

// IDGen returns the job id generator.
func (a *App) IDGen() analysis.IDGenerator { return a.idGen }

// Store returns the configured job store.
func (a *App) Store() analysis.JobStore { return a.store }

// Queue returns the configured job queue.
func (a *App) Queue() analysis.Queue { return a.queue }

// Results returns the configured result store.
func (a *App) Results() analysis.ResultStore { return a.results }

// New builds the service graph for the given configuration. It fails fast if
// any backend cannot be reached. The worker dead-letter hook finalizes jobs
// whose deliveries exhausted the attempt ceiling without a worker settling
// them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = logging.L
	}
	a := &App{
		logger: logger,
		cfg:    cfg,
		clock:  system.New(),
		idGen:  uuid.New(),
	}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initResults(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Provider),
		zap.String("queue", cfg.Queue.Provider),
		zap.String("results", cfg.Results.Provider),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Store.Provider {
	case "memory":
		a.logger.Info("using in-memory job store; records do not survive restarts")
		a.store = jobmem.NewJobStore(a.clock)
	case "postgres":
		pg := a.cfg.Store.Postgres
		store, err := jobpg.NewJobStore(ctx, jobpg.Config{
			DSN:      pg.DSN,
			MaxConns: pg.MaxConns,
			MinConns: pg.MinConns,
		})
		if err != nil {
			return fmt.Errorf("initialize postgres job store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	default:
		return fmt.Errorf("unknown store provider: %s", a.cfg.Store.Provider)
	}
	return nil
}

func (a *App) initResults(ctx context.Context) error {
	switch a.cfg.Results.Provider {
	case "memory":
		a.results = resmem.New()
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		store, err := resgcs.New(client, resgcs.Config{
			Bucket: a.cfg.Results.GCSBucket,
			Prefix: a.cfg.Results.GCSPrefix,
		})
		if err != nil {
			return fmt.Errorf("initialize gcs result store: %w", err)
		}
		a.results = store
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("error closing storage client", zap.Error(err))
			}
		})
	default:
		return fmt.Errorf("unknown results provider: %s", a.cfg.Results.Provider)
	}
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	deadLetter := worker.DeadLetter(a.store, a.logger)
	qc := a.cfg.Queue
	switch qc.Provider {
	case "memory":
		a.queue = queuemem.New(queuemem.Config{
			Depth:       qc.Depth,
			Lease:       time.Duration(qc.LeaseSeconds) * time.Second,
			MaxAttempts: qc.MaxAttempts,
			Backoff: queue.BackoffPolicy{
				Initial: time.Duration(qc.BackoffInitialMs) * time.Millisecond,
				Max:     time.Duration(qc.BackoffMaxMs) * time.Millisecond,
			},
			DeadLetter: deadLetter,
		})
	case "pubsub":
		ps := qc.PubSub
		q, err := queueps.New(ctx, queueps.Config{
			ProjectID:           ps.ProjectID,
			DefaultTopic:        ps.DefaultTopic,
			DefaultSubscription: ps.DefaultSub,
			BatchTopic:          ps.BatchTopic,
			BatchSubscription:   ps.BatchSub,
			MaxOutstanding:      ps.MaxOutstanding,
			AckDeadline:         time.Duration(ps.AckDeadlineSecs) * time.Second,
			MaxAttempts:         qc.MaxAttempts,
			DeadLetter:          deadLetter,
		})
		if err != nil {
			return fmt.Errorf("initialize pubsub queue: %w", err)
		}
		a.queue = q
	default:
		return fmt.Errorf("unknown queue provider: %s", qc.Provider)
	}
	a.closers = append(a.closers, func() {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("error closing queue", zap.Error(err))
		}
	})
	return nil
}

// Close shuts services down in reverse initialization order and flushes the
// logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
