// Package coord implements the scheduling policy on top of the process
// supervisor: which pending job runs next, heartbeats while it runs, budget
// ceilings, restart-or-fail decisions and recovery of orphaned jobs.
package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/model"
	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/supervise"
)

// Store is the durable job record contract the coordinator schedules from.
// The storage technology behind it is not its concern.
type Store interface {
	EligiblePending(ctx context.Context) ([]model.Job, error)
	Running(ctx context.Context) ([]model.Job, error)
	MarkRunning(ctx context.Context, id, workerID string, pid int) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, result model.RunResult) error
	MarkFailed(ctx context.Context, id, reason string) error
	Requeue(ctx context.Context, id string) error
}

// Config tunes the coordinator. Zero values select defaults.
type Config struct {
	WorkerID string // instance identity stamped on claimed jobs, default random uuid
	Slots    int    // concurrent agent processes, default 2

	Schedule *model.Schedule // scan cadence (cron or ISO duration), default every 30s

	RecoveryInterval  time.Duration // orphan scan period, default 1m
	HeartbeatInterval time.Duration // liveness write period, default 15s
	BudgetInterval    time.Duration // ceiling check period, default 10s
	StallTimeout      time.Duration // orphan staleness default when a job sets none, default 5m

	// OptionsFor overrides how a job maps to launch options; the default
	// builds them from the job record alone.
	OptionsFor func(job model.Job) supervise.Options
	// OnOutput, when set, receives every live output line of every job.
	OnOutput func(jobID, line string, stderr bool)
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.Slots <= 0 {
		c.Slots = 2
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.BudgetInterval <= 0 {
		c.BudgetInterval = 10 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = supervise.DefaultStallTimeout
	}
	return c
}

type usage struct {
	tokens  int64
	costUSD float64
}

// Coordinator drives scheduling passes against the store and supervises the
// jobs it claims through the process supervisor.
type Coordinator struct {
	cfg       Config
	store     Store
	sup       *supervise.Supervisor
	scheduler gocron.Scheduler
	scan      chan struct{}

	usageMx sync.Mutex
	usage   map[string]usage

	slots chan struct{}
	wg    sync.WaitGroup
}

func New(cfg Config, store Store, sup *supervise.Supervisor) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:   cfg,
		store: store,
		sup:   sup,
		scan:  make(chan struct{}, 1),
		usage: make(map[string]usage),
		slots: make(chan struct{}, cfg.Slots),
	}

	if cfg.Schedule != nil {
		scheduler, err := newScheduler(cfg.Schedule, c.Kick)
		if err != nil {
			return nil, fmt.Errorf("scheduling mode failed: %w", err)
		}
		c.scheduler = scheduler
	}

	return c, nil
}

// Kick requests a scheduling pass. It is a hint: it never blocks, and
// coalesces with a pass already pending.
func (c *Coordinator) Kick() {
	select {
	case c.scan <- struct{}{}:
	default:
	}
}

// RecordUsage accumulates token and cost figures for a running job; the
// budget check compares them against the job's ceilings. Callers feed it
// from whatever consumes the agent's event stream.
func (c *Coordinator) RecordUsage(jobID string, tokens int64, costUSD float64) {
	c.usageMx.Lock()
	defer c.usageMx.Unlock()
	u := c.usage[jobID]
	u.tokens += tokens
	u.costUSD += costUSD
	c.usage[jobID] = u
}

func (c *Coordinator) jobUsage(jobID string) usage {
	c.usageMx.Lock()
	defer c.usageMx.Unlock()
	return c.usage[jobID]
}

func (c *Coordinator) dropUsage(jobID string) {
	c.usageMx.Lock()
	defer c.usageMx.Unlock()
	delete(c.usage, jobID)
}

// Run executes the coordinator until ctx is cancelled: the supervisor's
// health sweep, the event consumer, the scheduling loop and the recovery
// scan, all torn down together.
func (c *Coordinator) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "starting coordinator", "worker_id", c.cfg.WorkerID, "slots", c.cfg.Slots)

	if c.scheduler != nil {
		c.scheduler.Start()
		defer func() {
			if err := c.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	defer c.wg.Wait()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.sup.Run(ctx) })
	g.Go(func() error { return c.consumeEvents(ctx) })
	g.Go(func() error { return c.scheduleLoop(ctx) })
	g.Go(func() error { return c.recoveryLoop(ctx) })
	return g.Wait()
}

func (c *Coordinator) scheduleLoop(ctx context.Context) error {
	// The periodic trigger only matters without a gocron schedule.
	var tick <-chan time.Time
	if c.scheduler == nil {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	c.Kick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			c.schedulePass(ctx)
		case <-c.scan:
			c.schedulePass(ctx)
		}
	}
}

// consumeEvents applies the restart-or-fail policy to supervisor verdicts.
// The supervisor is mechanism only; this is where the decisions live.
func (c *Coordinator) consumeEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.sup.Events():
			switch ev.Kind {
			case supervise.EventUnhealthy:
				c.onUnhealthy(ctx, ev)
			case supervise.EventUnexpectedExit:
				slog.WarnContext(ctx, "process exited unexpectedly", "job_id", ev.JobID, "exit_code", ev.ExitCode)
			case supervise.EventRestarted:
				slog.InfoContext(ctx, "process restarted", "job_id", ev.JobID, "old_pid", ev.OldPID, "new_pid", ev.NewPID)
			}
		}
	}
}

func (c *Coordinator) onUnhealthy(ctx context.Context, ev supervise.Event) {
	if c.sup.GetProcess(ev.JobID) == nil {
		return
	}
	// Exited processes are settled by the attendant; stalls and memory
	// breaches earn a restart while the budget lasts.
	if ev.Health.Exited {
		return
	}

	slog.WarnContext(ctx, "process unhealthy", "job_id", ev.JobID, "reason", ev.Health.Reason)

	// RestartProcess sleeps through grace and cooldown; do not stall the
	// event loop on it.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !c.sup.RestartProcess(ctx, ev.JobID) {
			reason := fmt.Sprintf("restart budget exhausted: %s", ev.Health.Reason)
			if err := c.store.MarkFailed(ctx, ev.JobID, reason); err != nil {
				slog.DebugContext(ctx, "marking job failed", "job_id", ev.JobID, "error", err)
			}
		}
	}()
}

func newScheduler(cfg *model.Schedule, trigger func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != nil && *cfg.Cron != "":
		if _, err := model.ParseCron(*cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing schedule.cron: %w", err)
		}
		job = gocron.CronJob(*cfg.Cron, false)
	case cfg.Duration != nil && *cfg.Duration != "":
		d, err := model.ParseISODuration(*cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
	default:
		return nil, fmt.Errorf("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	if _, err := s.NewJob(job, gocron.NewTask(trigger)); err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
