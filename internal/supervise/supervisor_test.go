package supervise_test

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/supervise"
	"github.com/stretchr/testify/require"
)

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestStartAndWait(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	var mx sync.Mutex
	var lines []string
	sup := supervise.New(supervise.Config{})
	p, err := sup.StartProcess(t.Context(), "job-echo", supervise.Options{
		Path: sh,
		Args: []string{"-c", "echo hello; echo world 1>&2"},
		OnOutput: func(line string, stderr bool) {
			mx.Lock()
			defer mx.Unlock()
			lines = append(lines, line)
		},
	})
	require.NoError(t, err)
	require.Greater(t, p.PID(), 0)

	res, err := sup.WaitForCompletion(t.Context(), "job-echo")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 0, res.ExitCode)
	require.False(t, res.WasCancelled)
	require.False(t, res.TimedOut)
	require.Equal(t, "hello\n", res.Stdout)
	require.Equal(t, "world\n", res.Stderr)

	mx.Lock()
	defer mx.Unlock()
	require.ElementsMatch(t, []string{"hello", "world"}, lines)

	// the table entry is gone once the wait resolves
	require.Nil(t, sup.GetProcess("job-echo"))
}

func TestStartDuplicate(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{})
	opts := supervise.Options{Path: sh, Args: []string{"-c", "sleep 30"}}
	_, err := sup.StartProcess(t.Context(), "job-dup", opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.StopProcess(context.Background(), "job-dup", false, 0)
	})

	_, err = sup.StartProcess(t.Context(), "job-dup", opts)
	require.ErrorIs(t, err, supervise.ErrAlreadySupervised)
}

func TestLaunchFailure(t *testing.T) {
	t.Parallel()

	sup := supervise.New(supervise.Config{})
	_, err := sup.StartProcess(t.Context(), "job-missing", supervise.Options{
		Path: "definitely-not-an-executable",
	})
	require.ErrorIs(t, err, supervise.ErrLaunch)
	require.Nil(t, sup.GetProcess("job-missing"))
}

func TestUnexpectedExit(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{HealthInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		_ = sup.Run(ctx)
	}()

	_, err := sup.StartProcess(ctx, "job-crash", supervise.Options{
		Path: sh,
		Args: []string{"-c", "exit 3"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := sup.CheckHealth("job-crash")
		return !st.Healthy && st.Exited && st.Reason == "process has exited"
	}, 5*time.Second, 10*time.Millisecond)

	seen := map[supervise.EventKind]bool{}
	deadline := time.After(5 * time.Second)
	for !seen[supervise.EventUnexpectedExit] || !seen[supervise.EventUnhealthy] {
		select {
		case ev := <-sup.Events():
			require.Equal(t, "job-crash", ev.JobID)
			if ev.Kind == supervise.EventUnexpectedExit {
				require.Equal(t, 3, ev.ExitCode)
			}
			seen[ev.Kind] = true
		case <-deadline:
			t.Fatalf("events not observed, got %v", seen)
		}
	}

	res, err := sup.WaitForCompletion(ctx, "job-crash")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 3, res.ExitCode)
}

func TestStopProcess(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{})
	require.False(t, sup.StopProcess(t.Context(), "nope", true, time.Second))

	_, err := sup.StartProcess(t.Context(), "job-stop", supervise.Options{
		Path: sh,
		Args: []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, sup.RunningCount())

	require.True(t, sup.StopProcess(t.Context(), "job-stop", false, 0))
	require.Nil(t, sup.GetProcess("job-stop"))
	require.Zero(t, sup.RunningCount())
	require.False(t, sup.StopProcess(t.Context(), "job-stop", false, 0))
}

func TestRestartBudget(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{
		RestartGrace:    50 * time.Millisecond,
		RestartCooldown: 10 * time.Millisecond,
	})
	p, err := sup.StartProcess(t.Context(), "job-restart", supervise.Options{
		Path:        sh,
		Args:        []string{"-c", "sleep 30"},
		MaxRestarts: 1,
	})
	require.NoError(t, err)
	firstPID := p.PID()

	require.True(t, sup.RestartProcess(t.Context(), "job-restart"))
	require.Equal(t, 1, p.Restarts())
	require.NotEqual(t, firstPID, p.PID())

	select {
	case ev := <-sup.Events():
		require.Equal(t, supervise.EventRestarted, ev.Kind)
		require.Equal(t, firstPID, ev.OldPID)
		require.Equal(t, p.PID(), ev.NewPID)
	case <-time.After(time.Second):
		t.Fatal("restarted event not observed")
	}

	// budget of one is spent, the next restart drops the job
	require.False(t, sup.RestartProcess(t.Context(), "job-restart"))
	require.Nil(t, sup.GetProcess("job-restart"))

	require.False(t, sup.RestartProcess(t.Context(), "job-restart"))
}

func TestRestartConcurrent(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{
		RestartGrace:    50 * time.Millisecond,
		RestartCooldown: 10 * time.Millisecond,
	})
	p, err := sup.StartProcess(t.Context(), "job-race", supervise.Options{
		Path:        sh,
		Args:        []string{"-c", "sleep 0.2"},
		MaxRestarts: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.StopProcess(context.Background(), "job-race", false, 0)
	})

	require.Eventually(t, func() bool {
		return sup.CheckHealth("job-race").Exited
	}, 5*time.Second, 10*time.Millisecond)

	// two unhealthy verdicts for the same exit race their restarts; both
	// must land without the watchers tripping over each other
	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = sup.RestartProcess(t.Context(), "job-race")
		}()
	}
	wg.Wait()

	require.True(t, results[0])
	require.True(t, results[1])
	require.Equal(t, 2, p.Restarts())
	require.NotNil(t, sup.GetProcess("job-race"))
}

func TestRestartDuringWait(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{
		RestartGrace:    50 * time.Millisecond,
		RestartCooldown: 10 * time.Millisecond,
	})
	_, err := sup.StartProcess(t.Context(), "job-follow", supervise.Options{
		Path:        sh,
		Args:        []string{"-c", "sleep 30"},
		MaxRestarts: 3,
	})
	require.NoError(t, err)

	type waitOut struct {
		res supervise.CompletionResult
		err error
	}
	resCh := make(chan waitOut, 1)
	go func() {
		res, err := sup.WaitForCompletion(t.Context(), "job-follow")
		resCh <- waitOut{res, err}
	}()

	require.True(t, sup.RestartProcess(t.Context(), "job-follow"))

	// the waiter must follow the replacement instead of reporting the
	// restart kill as a terminal exit
	select {
	case out := <-resCh:
		t.Fatalf("wait resolved during restart: %+v %v", out.res, out.err)
	case <-time.After(300 * time.Millisecond):
	}

	require.True(t, sup.StopProcess(t.Context(), "job-follow", false, 0))
	select {
	case out := <-resCh:
		require.NoError(t, out.err)
		require.False(t, out.res.Success)
		require.False(t, out.res.WasCancelled)
		require.Equal(t, 1, out.res.Restarts)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve after stop")
	}
}

func TestExecutionTimeout(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{})
	_, err := sup.StartProcess(t.Context(), "job-timeout", supervise.Options{
		Path:    sh,
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	res, err := sup.WaitForCompletion(t.Context(), "job-timeout")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.True(t, res.TimedOut)
	require.Equal(t, "execution timeout exceeded", res.FailureReason)
}

func TestCancelledWait(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{})
	_, err := sup.StartProcess(t.Context(), "job-cancel", supervise.Options{
		Path: sh,
		Args: []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	res, err := sup.WaitForCompletion(ctx, "job-cancel")
	require.NoError(t, err)
	require.True(t, res.WasCancelled)
	require.Equal(t, -1, res.ExitCode)
}

func TestWaitUnknownJob(t *testing.T) {
	t.Parallel()
	sup := supervise.New(supervise.Config{})
	_, err := sup.WaitForCompletion(t.Context(), "nope")
	require.ErrorIs(t, err, supervise.ErrNotSupervised)
	require.True(t, errors.Is(err, supervise.ErrNotSupervised))
}

func TestStallDetection(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{})
	_, err := sup.StartProcess(t.Context(), "job-stall", supervise.Options{
		Path:         sh,
		Args:         []string{"-c", "sleep 30"},
		StallTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.StopProcess(context.Background(), "job-stall", false, 0)
	})

	require.Eventually(t, func() bool {
		st := sup.CheckHealth("job-stall")
		return !st.Healthy && strings.Contains(st.Reason, "no output for")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMemoryCeiling(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{
		ResidentMB: func(pid int) (uint64, bool) { return 4096, true },
	})
	_, err := sup.StartProcess(t.Context(), "job-hog", supervise.Options{
		Path:          sh,
		Args:          []string{"-c", "sleep 30"},
		MemoryLimitMB: 1024,
		StallTimeout:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.StopProcess(context.Background(), "job-hog", false, 0)
	})

	st := sup.CheckHealth("job-hog")
	require.False(t, st.Healthy)
	require.False(t, st.Exited)
	require.Equal(t, uint64(4096), st.MemoryMB)
	require.Equal(t, "memory usage 4096 MB exceeds limit 1024 MB", st.Reason)
}

func TestMemoryReadFailureIgnored(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{
		ResidentMB: func(pid int) (uint64, bool) { return 0, false },
	})
	_, err := sup.StartProcess(t.Context(), "job-memless", supervise.Options{
		Path:          sh,
		Args:          []string{"-c", "sleep 30"},
		MemoryLimitMB: 1,
		StallTimeout:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.StopProcess(context.Background(), "job-memless", false, 0)
	})

	st := sup.CheckHealth("job-memless")
	require.True(t, st.Healthy, "reason: %s", st.Reason)
	require.Zero(t, st.MemoryMB)
}

func TestChattyProcessStaysHealthy(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	sup := supervise.New(supervise.Config{})
	_, err = sup.StartProcess(t.Context(), "job-chatty", supervise.Options{
		Path:         yes,
		Args:         []string{"golang"},
		StallTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.StopProcess(context.Background(), "job-chatty", false, 0)
	})

	time.Sleep(500 * time.Millisecond)
	st := sup.CheckHealth("job-chatty")
	require.True(t, st.Healthy, "reason: %s", st.Reason)
	require.Positive(t, st.Uptime)
}

func TestCheckHealthUnknown(t *testing.T) {
	t.Parallel()
	sup := supervise.New(supervise.Config{})
	st := sup.CheckHealth("nope")
	require.False(t, st.Healthy)
	require.Equal(t, "process not found", st.Reason)
}

func TestOutputCleaning(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	sup := supervise.New(supervise.Config{})
	script := `printf '\033[32mok\033[0m\n'; echo 'X tool line'; echo plain`
	script = strings.Replace(script, "X", "⏺", 1)
	_, err := sup.StartProcess(t.Context(), "job-clean", supervise.Options{
		Path: sh,
		Args: []string{"-c", script},
	})
	require.NoError(t, err)

	res, err := sup.WaitForCompletion(t.Context(), "job-clean")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "ok\nplain\n", res.Stdout)
}
