// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gramsight/sentiment-service/internal/analysis"
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// JobStore persists jobs in a single table plus a heartbeat table. Records
// carry an expires_at horizon; reads filter expired rows, so retention is
// passive (a scheduled DELETE is an operational concern, not the store's).
//
// It assumes this schema:
//
//	CREATE TABLE jobs (
//		id TEXT PRIMARY KEY,
//		kind TEXT NOT NULL,
//		input_url TEXT NOT NULL,
//		normalized_url TEXT NOT NULL,
//		post_id TEXT NOT NULL,
//		post_kind TEXT NOT NULL,
//		user_id TEXT NOT NULL DEFAULT '',
//		options JSONB,
//		status TEXT NOT NULL,
//		attempt INT NOT NULL DEFAULT 0,
//		progress JSONB,
//		result_ref TEXT NOT NULL DEFAULT '',
//		error JSONB,
//		child_ids JSONB,
//		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
//		created_at TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL,
//		started_at TIMESTAMPTZ,
//		finished_at TIMESTAMPTZ,
//		expires_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX jobs_created_at_idx ON jobs (created_at DESC);
//
//	CREATE TABLE worker_heartbeats (
//		worker_id TEXT PRIMARY KEY,
//		seen_at TIMESTAMPTZ NOT NULL
//	);
type JobStore struct {
	pool Pool
}

const jobColumns = `id, kind, input_url, normalized_url, post_id, post_kind, user_id,
	options, status, attempt, progress, result_ref, error, child_ids,
	cancel_requested, created_at, updated_at, started_at, finished_at, expires_at`

// NewJobStore connects a pool from config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewJobStoreWithPool(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	s.pool.Close()
}

// CreateJob inserts the initial record.
func (s *JobStore) CreateJob(ctx context.Context, job analysis.Job) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	var jobErr []byte
	if job.Error != nil {
		if jobErr, err = json.Marshal(job.Error); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}
	var children []byte
	if len(job.ChildIDs) > 0 {
		if children, err = json.Marshal(job.ChildIDs); err != nil {
			return fmt.Errorf("marshal child ids: %w", err)
		}
	}
	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.Kind, job.InputURL, job.NormalizedURL, job.PostID, job.PostKind,
		job.UserID, options, job.Status, job.Attempt, progress, job.ResultRef,
		jobErr, children, job.CancelRequested, job.CreatedAt, job.UpdatedAt,
		job.StartedAt, job.FinishedAt, job.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads one unexpired job.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (analysis.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND expires_at > now()`
	row := s.pool.QueryRow(ctx, query, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.Job{}, analysis.ErrNotFound
		}
		return analysis.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

// GetJobs loads several unexpired jobs, skipping unknown ids.
func (s *JobStore) GetJobs(ctx context.Context, jobIDs []string) ([]analysis.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ANY($1) AND expires_at > now()`
	rows, err := s.pool.Query(ctx, query, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()
	var out []analysis.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// MarkRunning records the queued->running transition for an attempt. The
// progress reset happens only on the first transition; retries keep the last
// reached stage visible.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string, attempt int, at time.Time) error {
	query := `UPDATE jobs SET
			status = 'running',
			attempt = $2,
			progress = CASE WHEN started_at IS NULL
				THEN '{"percent":0,"stage":"url_parse"}'::jsonb
				ELSE progress END,
			started_at = COALESCE(started_at, $3),
			updated_at = $3
		WHERE id = $1 AND status IN ('queued','running')
			AND attempt <= $2 AND expires_at > now()`
	tag, err := s.pool.Exec(ctx, query, jobID, attempt, at)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyRejected(ctx, jobID, attempt)
	}
	return nil
}

// UpdateProgress applies a progress snapshot. The WHERE clause encodes the
// monotonicity and ownership guards; zero rows affected means the update was
// rejected or superseded.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, attempt int, p analysis.Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	query := `UPDATE jobs SET progress = $3, updated_at = now()
		WHERE id = $1 AND status IN ('queued','running')
			AND attempt <= $2
			AND (progress->>'percent')::int <= $4
			AND expires_at > now()`
	tag, err := s.pool.Exec(ctx, query, jobID, attempt, progress, p.Percent)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.classifyRejected(ctx, jobID, attempt); err != nil {
			return err
		}
		// Row exists, non-terminal, attempt current: the stored percent
		// was higher. Discard silently.
		return nil
	}
	return nil
}

// Finalize transitions to a terminal state exactly once; repeat calls are
// safe no-ops (optimistic compare on the status column).
func (s *JobStore) Finalize(ctx context.Context, jobID string, outcome analysis.Outcome) error {
	var jobErr []byte
	var err error
	if outcome.Error != nil {
		if jobErr, err = json.Marshal(outcome.Error); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}
	query := `UPDATE jobs SET
			status = $2,
			result_ref = $3,
			error = $4,
			progress = CASE WHEN $2 = 'succeeded'
				THEN jsonb_set(progress, '{percent}', '100')
				ELSE progress END,
			finished_at = now(),
			updated_at = now()
		WHERE id = $1 AND status IN ('queued','running') AND expires_at > now()`
	tag, err := s.pool.Exec(ctx, query, jobID, outcome.Status, outcome.ResultRef, jobErr)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already terminal (no-op) or unknown.
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return nil
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag.
func (s *JobStore) RequestCancel(ctx context.Context, jobID string) error {
	query := `UPDATE jobs SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND status IN ('queued','running') AND expires_at > now()`
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return analysis.ErrAlreadyTerminal
	}
	return nil
}

// CancelRequested reads the cancellation flag.
func (s *JobStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag bool
	query := `SELECT cancel_requested FROM jobs WHERE id = $1 AND expires_at > now()`
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&flag); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, analysis.ErrNotFound
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag, nil
}

// ListRecent returns unexpired jobs newest first from the created_at index.
func (s *JobStore) ListRecent(ctx context.Context, limit int) ([]analysis.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE expires_at > now() ORDER BY created_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	defer rows.Close()
	var out []analysis.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// RecordHeartbeat upserts the worker's last-seen timestamp.
func (s *JobStore) RecordHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	query := `INSERT INTO worker_heartbeats (worker_id, seen_at) VALUES ($1, $2)
		ON CONFLICT (worker_id) DO UPDATE SET seen_at = EXCLUDED.seen_at`
	if _, err := s.pool.Exec(ctx, query, workerID, at); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// ActiveWorkers returns ids of workers seen since the cutoff.
func (s *JobStore) ActiveWorkers(ctx context.Context, since time.Time) ([]string, error) {
	query := `SELECT worker_id FROM worker_heartbeats WHERE seen_at >= $1 ORDER BY worker_id`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan worker id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

// Ping verifies pool connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// classifyRejected turns a zero-rows-affected guard failure into the
// sentinel the caller expects.
func (s *JobStore) classifyRejected(ctx context.Context, jobID string, attempt int) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return analysis.ErrAlreadyTerminal
	}
	if attempt < job.Attempt {
		return analysis.ErrStaleAttempt
	}
	return nil
}

func scanJob(row pgx.Row) (analysis.Job, error) {
	var (
		job      analysis.Job
		options  []byte
		progress []byte
		jobErr   []byte
		children []byte
	)
	err := row.Scan(
		&job.ID, &job.Kind, &job.InputURL, &job.NormalizedURL, &job.PostID,
		&job.PostKind, &job.UserID, &options, &job.Status, &job.Attempt,
		&progress, &job.ResultRef, &jobErr, &children, &job.CancelRequested,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt,
		&job.ExpiresAt,
	)
	if err != nil {
		return analysis.Job{}, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return analysis.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return analysis.Job{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if len(jobErr) > 0 {
		job.Error = &analysis.JobError{}
		if err := json.Unmarshal(jobErr, job.Error); err != nil {
			return analysis.Job{}, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if len(children) > 0 {
		if err := json.Unmarshal(children, &job.ChildIDs); err != nil {
			return analysis.Job{}, fmt.Errorf("unmarshal child ids: %w", err)
		}
	}
	return job, nil
}
