package coord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/model"
	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/supervise"
)

// schedulePass claims eligible jobs until the slots run out. Eligibility and
// ordering come from the store; this only enforces capacity and launches.
func (c *Coordinator) schedulePass(ctx context.Context) {
	jobs, err := c.store.EligiblePending(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "selecting eligible jobs failed", "error", err)
		return
	}

	for _, job := range jobs {
		select {
		case c.slots <- struct{}{}:
		default:
			return // all slots busy, next pass picks the rest up
		}
		if !c.launch(ctx, job) {
			<-c.slots
		}
	}
}

// launch starts one job's process and claims the record. Returns false when
// the slot should be released.
func (c *Coordinator) launch(ctx context.Context, job model.Job) bool {
	opts := c.optionsFor(job)

	proc, err := c.sup.StartProcess(ctx, job.ID, opts)
	if err != nil {
		// LaunchFailure is recoverable in principle, but retrying a missing
		// executable every pass loops forever; the job fails with a
		// distinct reason instead.
		if markErr := c.store.MarkFailed(ctx, job.ID, fmt.Sprintf("launch failed: %v", err)); markErr != nil {
			slog.ErrorContext(ctx, "marking launch failure", "job_id", job.ID, "error", markErr)
		}
		return false
	}

	if err := c.store.MarkRunning(ctx, job.ID, c.cfg.WorkerID, proc.PID()); err != nil {
		// Another instance won the claim between selection and now.
		slog.WarnContext(ctx, "claim lost, stopping process", "job_id", job.ID, "error", err)
		c.sup.StopProcess(ctx, job.ID, false, 0)
		return false
	}

	slog.InfoContext(ctx, "job claimed", "job_id", job.ID, "pid", proc.PID(), "priority", job.Priority)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.slots }()
		c.attend(ctx, job)
	}()
	return true
}

func (c *Coordinator) optionsFor(job model.Job) supervise.Options {
	var opts supervise.Options
	if c.cfg.OptionsFor != nil {
		opts = c.cfg.OptionsFor(job)
	} else {
		opts = supervise.Options{
			Path:         job.Command,
			Args:         job.Args,
			Dir:          job.WorkDir,
			Env:          job.Env,
			StallTimeout: job.StallTimeout(0),
		}
	}
	if c.cfg.OnOutput != nil {
		id := job.ID
		opts.OnOutput = func(line string, stderr bool) {
			c.cfg.OnOutput(id, line, stderr)
		}
	}
	return opts
}

// attend shepherds one running job to a terminal state: heartbeats while it
// runs, budget ceilings, and the final store transition.
func (c *Coordinator) attend(ctx context.Context, job model.Job) {
	defer c.dropUsage(job.ID)

	started := time.Now()

	type waitResult struct {
		res supervise.CompletionResult
		err error
	}
	resultCh := make(chan waitResult, 1)
	go func() {
		res, err := c.sup.WaitForCompletion(ctx, job.ID)
		resultCh <- waitResult{res: res, err: err}
	}()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	budget := time.NewTicker(c.cfg.BudgetInterval)
	defer budget.Stop()

	var budgetReason string
	for {
		select {
		case <-heartbeat.C:
			if err := c.store.Heartbeat(ctx, job.ID, time.Now()); err != nil {
				slog.WarnContext(ctx, "heartbeat failed", "job_id", job.ID, "error", err)
			}

		case <-budget.C:
			if budgetReason != "" {
				continue
			}
			if reason := c.overBudget(job, started); reason != "" {
				slog.WarnContext(ctx, "budget exceeded, stopping job", "job_id", job.ID, "reason", reason)
				budgetReason = reason
				c.sup.StopProcess(ctx, job.ID, true, 10*time.Second)
			}

		case w := <-resultCh:
			c.settle(ctx, job, w.res, w.err, budgetReason)
			return
		}
	}
}

// overBudget compares accumulated duration, tokens and cost against the
// job's ceilings; unset ceilings never trip. The reason is distinct from a
// stall failure by construction.
func (c *Coordinator) overBudget(job model.Job, started time.Time) string {
	if job.MaxExecutionMinutes > 0 {
		limit := time.Duration(job.MaxExecutionMinutes) * time.Minute
		if elapsed := time.Since(started); elapsed > limit {
			return fmt.Sprintf("budget exceeded: execution time %s over limit %s", elapsed.Round(time.Second), limit)
		}
	}
	u := c.jobUsage(job.ID)
	if job.MaxTokens > 0 && u.tokens > job.MaxTokens {
		return fmt.Sprintf("budget exceeded: %d tokens over limit %d", u.tokens, job.MaxTokens)
	}
	if job.MaxCostUSD > 0 && u.costUSD > job.MaxCostUSD {
		return fmt.Sprintf("budget exceeded: cost %.4f USD over limit %.4f", u.costUSD, job.MaxCostUSD)
	}
	return ""
}

// settle writes the terminal store transition for one execution.
// When a job completes, dependents become eligible on the next pass; no
// separate unblock signal is needed, eligibility is recomputed from state.
func (c *Coordinator) settle(ctx context.Context, job model.Job, res supervise.CompletionResult, waitErr error, budgetReason string) {
	switch {
	case waitErr != nil:
		slog.ErrorContext(ctx, "waiting for completion failed", "job_id", job.ID, "error", waitErr)

	case budgetReason != "":
		c.markFailed(ctx, job.ID, budgetReason)

	case res.WasCancelled:
		// Shutdown mid-run: ownership stays in the store and the next
		// recovery scan requeues the job once the heartbeat goes stale.
		slog.InfoContext(ctx, "wait cancelled, leaving job for recovery", "job_id", job.ID)

	case res.Success:
		result := model.RunResult{
			Success:  true,
			ExitCode: res.ExitCode,
			Duration: res.Duration,
			Output:   res.Stdout,
		}
		if err := c.store.MarkCompleted(ctx, job.ID, result); err != nil {
			slog.ErrorContext(ctx, "marking job completed", "job_id", job.ID, "error", err)
		} else {
			slog.InfoContext(ctx, "job completed", "job_id", job.ID, "duration", res.Duration.Round(time.Millisecond))
			c.Kick() // dependents may be eligible now
		}

	default:
		reason := res.FailureReason
		if reason == "" {
			reason = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		if res.Restarts > 0 {
			reason = fmt.Sprintf("%s (after %d restarts)", reason, res.Restarts)
		}
		c.markFailed(ctx, job.ID, reason)
	}
}

func (c *Coordinator) markFailed(ctx context.Context, jobID, reason string) {
	if err := c.store.MarkFailed(ctx, jobID, reason); err != nil {
		// Terminal states are guarded in the store; losing the race to
		// settle is benign.
		slog.DebugContext(ctx, "marking job failed", "job_id", jobID, "error", err)
		return
	}
	slog.WarnContext(ctx, "job failed", "job_id", jobID, "reason", reason)
}
