// Package store persists job records in SQLite. The coordinator consumes it
// through its Store contract; nothing here knows about processes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/model"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrNotClaimable is returned when a status transition guard fails,
	// e.g. marking running a job another worker already claimed.
	ErrNotClaimable = errors.New("job not in a claimable state")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                    TEXT PRIMARY KEY,
	status                TEXT NOT NULL DEFAULT 'pending',
	priority              INTEGER NOT NULL DEFAULT 0,
	created_at            TIMESTAMP NOT NULL,
	depends_on            TEXT,
	parent_id             TEXT,
	agent                 TEXT NOT NULL DEFAULT '',
	command               TEXT NOT NULL,
	args                  TEXT NOT NULL DEFAULT '[]',
	workdir               TEXT NOT NULL DEFAULT '',
	env                   TEXT NOT NULL DEFAULT '[]',
	max_tokens            INTEGER NOT NULL DEFAULT 0,
	max_cost_usd          REAL NOT NULL DEFAULT 0,
	max_execution_minutes INTEGER NOT NULL DEFAULT 0,
	stall_timeout_seconds INTEGER NOT NULL DEFAULT 0,
	worker_id             TEXT,
	process_id            INTEGER,
	last_heartbeat_at     TIMESTAMP,
	retry_count           INTEGER NOT NULL DEFAULT 0,
	max_retries           INTEGER NOT NULL DEFAULT 3,
	completed_at          TIMESTAMP,
	duration_seconds      REAL NOT NULL DEFAULT 0,
	output                TEXT NOT NULL DEFAULT '',
	summary               TEXT NOT NULL DEFAULT '',
	model                 TEXT NOT NULL DEFAULT '',
	failure_reason        TEXT NOT NULL DEFAULT '',
	succeeded             INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_sched ON jobs(status, priority DESC, created_at ASC);
`

type Store struct {
	db *sqlx.DB
}

// Open connects to (and if needed creates) the job database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening job database: %w", err)
	}
	// modernc sqlite serializes writes itself; one connection avoids
	// SQLITE_BUSY under concurrent attendant goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new pending job.
func (s *Store) Create(ctx context.Context, job model.Job) error {
	if job.Status == "" {
		job.Status = model.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (
			id, status, priority, created_at, depends_on, parent_id,
			agent, command, args, workdir, env,
			max_tokens, max_cost_usd, max_execution_minutes, stall_timeout_seconds,
			retry_count, max_retries
		) VALUES (
			:id, :status, :priority, :created_at, :depends_on, :parent_id,
			:agent, :command, :args, :workdir, :env,
			:max_tokens, :max_cost_usd, :max_execution_minutes, :stall_timeout_seconds,
			:retry_count, :max_retries
		)`, job)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// Get fetches one job by id.
func (s *Store) Get(ctx context.Context, id string) (model.Job, error) {
	var job model.Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("fetching job %s: %w", id, err)
	}
	return job, nil
}

// List returns every job in scheduling order.
func (s *Store) List(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT * FROM jobs ORDER BY status, priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// EligiblePending returns pending jobs whose dependency, if any, completed,
// ordered by priority descending and age ascending. The ordering is stable
// across calls: selection is idempotent for a fixed job set.
func (s *Store) EligiblePending(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT j.* FROM jobs j
		WHERE j.status = ?
		  AND (j.depends_on IS NULL
		       OR EXISTS (SELECT 1 FROM jobs d WHERE d.id = j.depends_on AND d.status = ?))
		ORDER BY j.priority DESC, j.created_at ASC`,
		model.StatusPending, model.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("selecting eligible jobs: %w", err)
	}
	return jobs, nil
}

// Running returns all jobs currently marked running, for the recovery scan.
func (s *Store) Running(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT * FROM jobs WHERE status = ?`, model.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("selecting running jobs: %w", err)
	}
	return jobs, nil
}

// MarkRunning claims a pending job for a worker. Only the pending state is
// claimable, which keeps two coordinators from double-starting one job.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string, pid int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, worker_id = ?, process_id = ?, last_heartbeat_at = ?
		WHERE id = ? AND status = ?`,
		model.StatusRunning, workerID, pid, time.Now().UTC(), id, model.StatusPending)
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", id, err)
	}
	return s.affected(res, id)
}

// Heartbeat refreshes the liveness timestamp of a running job.
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_heartbeat_at = ? WHERE id = ? AND status = ?`,
		at.UTC(), id, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("heartbeat for job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		slog.DebugContext(ctx, "heartbeat on non-running job", "job_id", id)
	}
	return nil
}

// MarkCompleted finalizes a successful job.
func (s *Store) MarkCompleted(ctx context.Context, id string, result model.RunResult) error {
	succeeded := result.Success
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, duration_seconds = ?,
		    output = ?, summary = ?, model = ?, succeeded = ?
		WHERE id = ? AND status = ?`,
		model.StatusCompleted, time.Now().UTC(), result.Duration.Seconds(),
		result.Output, result.Summary, result.Model, succeeded,
		id, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return s.affected(res, id)
}

// MarkFailed finalizes a failed job with a human readable reason. Failed is
// terminal: an already terminal job is left alone.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, failure_reason = ?, succeeded = 0
		WHERE id = ? AND status NOT IN (?, ?)`,
		model.StatusFailed, time.Now().UTC(), reason,
		id, model.StatusCompleted, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return s.affected(res, id)
}

// Requeue returns an orphaned running job to the pending set, incrementing
// its retry counter and clearing worker ownership.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, retry_count = retry_count + 1,
		    worker_id = NULL, process_id = NULL, last_heartbeat_at = NULL
		WHERE id = ? AND status = ?`,
		model.StatusPending, id, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("requeueing job %s: %w", id, err)
	}
	return s.affected(res, id)
}

func (s *Store) affected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimable, id)
	}
	return nil
}
