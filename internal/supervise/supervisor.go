package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	defaultHealthInterval = 10 * time.Second
	restartGrace          = 5 * time.Second
	restartCooldown       = 2 * time.Second
)

// Config tunes supervisor-wide behavior. Zero values select the defaults.
type Config struct {
	HealthInterval  time.Duration // sweep period, default 10s
	EventBuffer     int           // event channel capacity, default 64
	RestartGrace    time.Duration // graceful stop before a restart, default 5s
	RestartCooldown time.Duration // pause before the replacement spawn, default 2s

	// ResidentMB reads the resident memory of pid in megabytes. ok false
	// means the reading is unavailable and the check is skipped. Nil
	// selects the gopsutil-backed default.
	ResidentMB func(pid int) (mb uint64, ok bool)
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.RestartGrace <= 0 {
		c.RestartGrace = restartGrace
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = restartCooldown
	}
	if c.ResidentMB == nil {
		c.ResidentMB = residentMB
	}
	return c
}

// Supervisor owns the table of supervised processes. All operations are safe
// for concurrent use; the table is the only shared mutable structure.
type Supervisor struct {
	cfg    Config
	mx     sync.RWMutex
	procs  map[string]*Process
	events chan Event
}

func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:    cfg,
		procs:  make(map[string]*Process),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// StartProcess spawns one OS process for jobID and registers it. Launch
// failures are recoverable: they are logged, nothing is registered and the
// wrapped error is returned to the caller.
func (s *Supervisor) StartProcess(ctx context.Context, jobID string, opts Options) (*Process, error) {
	opts = opts.withDefaults()

	s.mx.Lock()
	if _, ok := s.procs[jobID]; ok {
		s.mx.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySupervised, jobID)
	}
	p := &Process{JobID: jobID, opts: opts}
	s.procs[jobID] = p
	s.mx.Unlock()

	if err := s.spawn(ctx, p); err != nil {
		s.remove(jobID)
		slog.ErrorContext(ctx, "launching process failed", "job_id", jobID, "path", opts.Path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	slog.InfoContext(ctx, "process started", "job_id", jobID, "pid", p.PID(), "path", opts.Path)
	return p, nil
}

// spawn starts a new incarnation of p.opts and installs it into p. Called
// for the initial start and for every restart.
func (s *Supervisor) spawn(ctx context.Context, p *Process) error {
	path, err := exec.LookPath(p.opts.Path)
	if err != nil {
		return err
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if p.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, path, p.opts.Args...)
	cmd.Dir = p.opts.Dir
	if len(p.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), p.opts.Env...)
	}
	// Agents are non-interactive from here: stdin reads EOF immediately.
	cmd.Stdin = nil
	outW := &lineWriter{p: p}
	errW := &lineWriter{p: p, stderr: true}
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = drainTimeout
	cmd.Cancel = func() error {
		return interrupt(cmd)
	}
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		cancel()
		return err
	}

	now := time.Now()
	done := make(chan struct{})
	p.mx.Lock()
	p.cancel = cancel
	p.runCtx = runCtx
	p.pid = cmd.Process.Pid
	p.startedAt = now
	p.lastOutput = now
	p.completed = false
	p.exited = false
	p.exitNotice = false
	p.exitCode = 0
	p.waitErr = nil
	p.outW = outW
	p.errW = errW
	p.done = done
	p.mx.Unlock()

	go p.watch(done, cancel, cmd.Wait, func() int {
		if cmd.ProcessState == nil {
			return -1
		}
		return cmd.ProcessState.ExitCode()
	})
	return nil
}

// GetProcess is a pure lookup; it returns nil for unknown job ids.
func (s *Supervisor) GetProcess(jobID string) *Process {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.procs[jobID]
}

// Processes returns a snapshot of all supervised processes.
func (s *Supervisor) Processes() []*Process {
	s.mx.RLock()
	defer s.mx.RUnlock()
	out := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	return out
}

// RunningCount counts supervised processes that have not completed.
func (s *Supervisor) RunningCount() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	n := 0
	for _, p := range s.procs {
		p.mx.Lock()
		completed := p.completed
		p.mx.Unlock()
		if !completed {
			n++
		}
	}
	return n
}

func (s *Supervisor) remove(jobID string) *Process {
	s.mx.Lock()
	defer s.mx.Unlock()
	p := s.procs[jobID]
	delete(s.procs, jobID)
	return p
}

// StopProcess removes jobID from the table and terminates its process.
// Graceful stops cancel first and wait up to grace before the tree is
// killed. Returns false when the job is unknown.
func (s *Supervisor) StopProcess(ctx context.Context, jobID string, graceful bool, grace time.Duration) bool {
	p := s.remove(jobID)
	if p == nil {
		return false
	}
	p.terminate(ctx, graceful, grace)
	slog.InfoContext(ctx, "process stopped", "job_id", jobID, "graceful", graceful)
	return true
}

// RestartProcess terminates the current incarnation and, while the restart
// budget lasts, spawns a replacement after a short cooldown. When the budget
// is exhausted the job is dropped from supervision and false is returned;
// the caller must treat it as failed.
func (s *Supervisor) RestartProcess(ctx context.Context, jobID string) bool {
	p := s.GetProcess(jobID)
	if p == nil {
		return false
	}

	// The sweep can queue two unhealthy verdicts for one job before the
	// first restart lands; overlapping restarts of the same process must
	// run one at a time.
	p.restartMx.Lock()
	defer p.restartMx.Unlock()

	if s.GetProcess(jobID) != p {
		return false
	}

	oldPID := p.PID()

	// Waiters must not mistake the incarnation we are about to kill for a
	// terminal exit.
	p.mx.Lock()
	p.restarting = true
	p.mx.Unlock()
	defer func() {
		p.mx.Lock()
		p.restarting = false
		p.mx.Unlock()
	}()

	p.terminate(ctx, true, s.cfg.RestartGrace)

	p.mx.Lock()
	p.restarts++
	p.lastRestart = time.Now()
	restarts := p.restarts
	budget := p.opts.MaxRestarts
	p.mx.Unlock()

	if restarts > budget {
		s.remove(jobID)
		slog.WarnContext(ctx, "restart budget exhausted, dropping from supervision",
			"job_id", jobID, "restarts", restarts, "max_restarts", budget)
		return false
	}

	select {
	case <-time.After(s.cfg.RestartCooldown):
	case <-ctx.Done():
		s.remove(jobID)
		return false
	}

	if err := s.spawn(ctx, p); err != nil {
		s.remove(jobID)
		slog.ErrorContext(ctx, "respawn failed", "job_id", jobID, "error", err)
		return false
	}

	newPID := p.PID()
	slog.InfoContext(ctx, "process restarted", "job_id", jobID, "old_pid", oldPID, "new_pid", newPID, "restarts", restarts)
	s.emit(ctx, Event{Kind: EventRestarted, JobID: jobID, OldPID: oldPID, NewPID: newPID})
	return true
}

// WaitForCompletion blocks until the process exits or ctx is cancelled. The
// job is always removed from the table on return. Cancellation yields a
// result with WasCancelled set and no exit code.
func (s *Supervisor) WaitForCompletion(ctx context.Context, jobID string) (CompletionResult, error) {
	p := s.GetProcess(jobID)
	if p == nil {
		return CompletionResult{}, fmt.Errorf("%w: %s", ErrNotSupervised, jobID)
	}
	defer s.remove(jobID)

	for {
		st := p.state()
		select {
		case <-ctx.Done():
			return CompletionResult{
				JobID:        jobID,
				WasCancelled: true,
				ExitCode:     -1,
				Duration:     time.Since(st.startedAt),
				Restarts:     p.Restarts(),
			}, nil
		case <-st.done:
		}

		// The incarnation ended, but a restart may be replacing it. Follow
		// the replacement instead of reporting the kill as terminal.
		p.mx.Lock()
		if p.restarting || !p.exited {
			p.mx.Unlock()
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
			}
			continue
		}

		p.completed = true
		timedOut := p.runCtx != nil && p.runCtx.Err() == context.DeadlineExceeded
		res := CompletionResult{
			JobID:    jobID,
			ExitCode: p.exitCode,
			Success:  p.exitCode == 0 && !timedOut,
			TimedOut: timedOut,
			Duration: time.Since(p.startedAt),
			Stdout:   p.stdout.String(),
			Stderr:   p.stderr.String(),
			Restarts: p.restarts,
		}
		if p.waitErr != nil && !res.Success {
			res.FailureReason = p.waitErr.Error()
		}
		if timedOut {
			res.FailureReason = "execution timeout exceeded"
		}
		p.mx.Unlock()
		return res, nil
	}
}

// Run drives the periodic health sweep until ctx is cancelled. The sweep is
// independent of any in-flight WaitForCompletion call and never blocks on a
// single process.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.DebugContext(ctx, "starting health sweep", "interval", s.cfg.HealthInterval)
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	for _, p := range s.Processes() {
		st := p.state()
		if st.completed {
			continue
		}

		status := s.evaluate(p, st)

		if st.exited {
			p.mx.Lock()
			noticed := p.exitNotice
			p.exitNotice = true
			p.mx.Unlock()
			if !noticed && st.exitCode != 0 {
				s.emit(ctx, Event{Kind: EventUnexpectedExit, JobID: p.JobID, ExitCode: st.exitCode})
			}
		}

		if !status.Healthy {
			s.emit(ctx, Event{Kind: EventUnhealthy, JobID: p.JobID, Health: status})
		}
	}
}
