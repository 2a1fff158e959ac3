package supervise

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Process binds a job id to its OS process and captured output. It is owned
// exclusively by the Supervisor; mutable state is guarded by mx.
type Process struct {
	JobID string

	opts Options

	restartMx sync.Mutex // serializes overlapping RestartProcess calls

	mx          sync.Mutex
	cancel      context.CancelFunc
	runCtx      context.Context
	pid         int
	startedAt   time.Time
	lastOutput  time.Time
	lastRestart time.Time
	restarts    int
	restarting  bool
	completed   bool
	exited      bool
	exitNotice  bool // unexpected-exit event already emitted
	exitCode    int
	waitErr     error
	stdout      bytes.Buffer
	stderr      bytes.Buffer
	outW        *lineWriter
	errW        *lineWriter
	done        chan struct{}
}

// PID returns the OS process id of the current incarnation.
func (p *Process) PID() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.pid
}

// Restarts returns how many times the process has been respawned.
func (p *Process) Restarts() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.restarts
}

// Uptime is the wall clock age of the current incarnation.
func (p *Process) Uptime() time.Duration {
	p.mx.Lock()
	defer p.mx.Unlock()
	return time.Since(p.startedAt)
}

// Output returns a copy of the captured stdout so far.
func (p *Process) Output() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.stdout.String()
}

type procState struct {
	pid        int
	startedAt  time.Time
	lastOutput time.Time
	restarts   int
	completed  bool
	exited     bool
	exitCode   int
	done       chan struct{}
}

func (p *Process) state() procState {
	p.mx.Lock()
	defer p.mx.Unlock()
	return procState{
		pid:        p.pid,
		startedAt:  p.startedAt,
		lastOutput: p.lastOutput,
		restarts:   p.restarts,
		completed:  p.completed,
		exited:     p.exited,
		exitCode:   p.exitCode,
		done:       p.done,
	}
}

// watch reaps the command; Wait also waits for the stream copiers, bounded
// by the command's WaitDelay. done and cancel belong to the incarnation this
// watcher was spawned for: a watcher outliving a restart closes only its own
// channel and leaves the replacement's state alone.
func (p *Process) watch(done chan struct{}, cancel context.CancelFunc, wait func() error, exitCode func() int) {
	err := wait()
	cancel()

	p.mx.Lock()
	if p.done == done {
		p.exited = true
		p.waitErr = err
		p.exitCode = exitCode()
		p.flushLocked()
	}
	p.mx.Unlock()

	close(done)
}

func (p *Process) flushLocked() {
	if p.outW != nil {
		p.outW.flushLocked()
	}
	if p.errW != nil {
		p.errW.flushLocked()
	}
}

// terminate stops the current incarnation. Cooperative cancel first when
// graceful, then the whole process tree goes down. The process table entry
// is the caller's concern.
func (p *Process) terminate(ctx context.Context, graceful bool, grace time.Duration) {
	st := p.state()
	if st.exited {
		return
	}

	if graceful {
		p.mx.Lock()
		cancel := p.cancel
		p.mx.Unlock()
		if cancel != nil {
			cancel()
		}
		select {
		case <-st.done:
			return
		case <-time.After(grace):
		case <-ctx.Done():
		}
	}

	killTree(ctx, st.pid)

	select {
	case <-st.done:
	case <-time.After(drainTimeout):
		slog.WarnContext(ctx, "process did not exit after kill", "job_id", p.JobID, "pid", st.pid)
	}
}

// killTree kills pid and all its descendants, children first. Lookup
// failures are logged and ignored: the process may be gone already.
func killTree(ctx context.Context, pid int) {
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, err := proc.Children()
	if err == nil {
		for _, child := range children {
			killTree(ctx, int(child.Pid))
		}
	}
	if err := proc.Kill(); err != nil {
		slog.DebugContext(ctx, "killing process", "pid", pid, "error", err)
	}
}

// lineWriter splits a raw stream into lines, feeds them through the output
// pipeline and appends survivors to the per-process buffer. exec.Cmd writes
// to it from its own copier goroutine, so all mutation happens under the
// process lock; the subscriber callback runs outside it.
type lineWriter struct {
	p      *Process
	stderr bool
	rest   []byte
	inTool bool
}

func (w *lineWriter) Write(b []byte) (int, error) {
	var delivered []string

	w.p.mx.Lock()
	w.p.lastOutput = time.Now()
	w.rest = append(w.rest, b...)
	for {
		i := bytes.IndexByte(w.rest, '\n')
		if i < 0 {
			break
		}
		line := string(w.rest[:i])
		w.rest = w.rest[i+1:]
		if cleaned, ok := w.keepLocked(line); ok {
			delivered = append(delivered, cleaned)
		}
	}
	fn := w.p.opts.OnOutput
	w.p.mx.Unlock()

	if fn != nil {
		for _, line := range delivered {
			fn(line, w.stderr)
		}
	}
	return len(b), nil
}

func (w *lineWriter) keepLocked(line string) (string, bool) {
	cleaned, drop, next := w.p.opts.Patterns.Line(line, w.inTool)
	w.inTool = next
	if drop {
		return "", false
	}
	buf := &w.p.stdout
	if w.stderr {
		buf = &w.p.stderr
	}
	buf.WriteString(cleaned)
	buf.WriteByte('\n')
	return cleaned, true
}

// flushLocked delivers a trailing line without a newline terminator.
func (w *lineWriter) flushLocked() {
	if len(w.rest) == 0 {
		return
	}
	line := string(w.rest)
	w.rest = nil
	_, _ = w.keepLocked(line)
}
