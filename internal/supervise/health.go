package supervise

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// HealthStatus is the snapshot produced by one health evaluation. It is not
// persisted; subscribers consume it immediately.
type HealthStatus struct {
	JobID       string
	Healthy     bool
	Reason      string
	Exited      bool // the process is gone, not merely unhealthy
	Uptime      time.Duration
	MemoryMB    uint64
	SinceOutput time.Duration
	Restarts    int
}

// CheckHealth evaluates jobID on demand. Unknown jobs yield an explicit
// unhealthy status instead of an error.
func (s *Supervisor) CheckHealth(jobID string) HealthStatus {
	p := s.GetProcess(jobID)
	if p == nil {
		return HealthStatus{JobID: jobID, Healthy: false, Reason: "process not found"}
	}
	return s.evaluate(p, p.state())
}

// evaluate runs the health algorithm over a state snapshot:
// completed processes are healthy by definition, exited ones unhealthy,
// then the memory ceiling, then the output stall threshold. Memory read
// failures are transient and ignored.
func (s *Supervisor) evaluate(p *Process, st procState) HealthStatus {
	status := HealthStatus{
		JobID:       p.JobID,
		Healthy:     true,
		Uptime:      time.Since(st.startedAt),
		SinceOutput: time.Since(st.lastOutput),
		Restarts:    st.restarts,
	}

	if st.completed {
		return status
	}

	if st.exited || st.pid <= 0 {
		status.Healthy = false
		status.Exited = true
		status.Reason = "process has exited"
		return status
	}

	if mem, ok := s.cfg.ResidentMB(st.pid); ok {
		status.MemoryMB = mem
		if mem > p.opts.MemoryLimitMB {
			status.Healthy = false
			status.Reason = fmt.Sprintf("memory usage %d MB exceeds limit %d MB", mem, p.opts.MemoryLimitMB)
			return status
		}
	}

	// Covers both silent and never-talking processes: lastOutput starts at
	// spawn time.
	if status.SinceOutput > p.opts.StallTimeout {
		status.Healthy = false
		status.Reason = fmt.Sprintf("no output for %s (stall timeout %s)",
			status.SinceOutput.Round(time.Second), p.opts.StallTimeout)
		return status
	}

	return status
}

func residentMB(pid int) (uint64, bool) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, false
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0, false
	}
	return info.RSS / (1024 * 1024), true
}
