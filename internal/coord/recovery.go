package coord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/model"
	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/parallel"
)

// recoveryLoop periodically rescues jobs whose worker died between
// heartbeats. It relies on heartbeats being written well inside the stall
// timeout, so staleness means death, not slowness.
func (c *Coordinator) recoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.recoveryScan(ctx)
		}
	}
}

func (c *Coordinator) recoveryScan(ctx context.Context) {
	jobs, err := c.store.Running(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "selecting running jobs failed", "error", err)
		return
	}

	// PidExists can be slow on a loaded machine; check candidates in
	// parallel rather than serially per job.
	verdicts, err := parallel.Map(ctx, 8, jobs, func(_ context.Context, job model.Job) (bool, error) {
		return c.orphaned(job), nil
	})
	if err != nil {
		return
	}

	for i, job := range jobs {
		if !verdicts[i] {
			continue
		}
		c.recoverOrphan(ctx, job)
	}
}

// orphaned reports whether a running job's owner is demonstrably dead:
// stale heartbeat AND no live supervised process behind it.
func (c *Coordinator) orphaned(job model.Job) bool {
	stall := job.StallTimeout(c.cfg.StallTimeout)

	if job.LastHeartbeatAt != nil && time.Since(*job.LastHeartbeatAt) <= stall {
		return false // slowness below the threshold is expected
	}

	// Our own live process means the attendant is just behind on writes.
	if job.WorkerID != nil && *job.WorkerID == c.cfg.WorkerID && c.sup.GetProcess(job.ID) != nil {
		return false
	}

	// Another instance's process may still be alive despite the stale
	// heartbeat; only a dead pid makes the job ours to rescue.
	if job.ProcessID != nil && *job.ProcessID > 0 {
		if alive, err := process.PidExists(int32(*job.ProcessID)); err == nil && alive {
			return false
		}
	}

	return true
}

func (c *Coordinator) recoverOrphan(ctx context.Context, job model.Job) {
	if job.RetryCount < job.MaxRetries {
		if err := c.store.Requeue(ctx, job.ID); err != nil {
			slog.ErrorContext(ctx, "requeueing orphaned job", "job_id", job.ID, "error", err)
			return
		}
		slog.WarnContext(ctx, "orphaned job requeued",
			"job_id", job.ID, "retry", job.RetryCount+1, "max_retries", job.MaxRetries)
		c.Kick()
		return
	}

	reason := fmt.Sprintf("orphaned: heartbeat stale and worker dead after %d retries", job.RetryCount)
	c.markFailed(ctx, job.ID, reason)
}
