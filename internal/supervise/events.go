package supervise

import (
	"context"
	"log/slog"
	"time"
)

// EventKind labels supervisor lifecycle notifications.
type EventKind string

const (
	// EventUnhealthy reports a failed health verdict. The supervisor does
	// not act on it; restart-or-fail is the subscriber's policy.
	EventUnhealthy EventKind = "unhealthy"
	// EventUnexpectedExit fires once per incarnation that exits nonzero
	// without being asked to.
	EventUnexpectedExit EventKind = "unexpected_exit"
	// EventRestarted fires after a replacement process spawned.
	EventRestarted EventKind = "restarted"
)

// Event is one lifecycle notification. Fields beyond JobID are populated
// per kind: Health for unhealthy, ExitCode for unexpected exits, the PID
// pair for restarts.
type Event struct {
	Kind     EventKind
	JobID    string
	Health   HealthStatus
	ExitCode int
	OldPID   int
	NewPID   int
}

// Events returns the channel lifecycle notifications are delivered on.
// Consume it from a single goroutine.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// emit never blocks: a slow consumer loses events rather than stalling the
// health sweep.
func (s *Supervisor) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.WarnContext(ctx, "event channel full, dropping", "kind", ev.Kind, "job_id", ev.JobID)
	}
}

// CompletionResult is the terminal snapshot of one supervised job, returned
// exactly once by WaitForCompletion.
type CompletionResult struct {
	JobID         string
	Success       bool
	ExitCode      int
	Duration      time.Duration
	Stdout        string
	Stderr        string
	WasCancelled  bool
	TimedOut      bool
	Restarts      int
	FailureReason string
}
