package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a Job. Transitions are monotonic:
// pending -> running -> completed|failed. A running job may revert to
// pending when its worker dies or its restart budget is exhausted.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// Interactive agents only.
	StatusPaused              Status = "paused"
	StatusAwaitingInteraction Status = "awaiting_interaction"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of work delegated to a single agent CLI invocation.
type Job struct {
	ID        string    `db:"id"`
	Status    Status    `db:"status"`
	Priority  int       `db:"priority"`
	CreatedAt time.Time `db:"created_at"`

	// DependsOn must reach completed before this job becomes eligible.
	// ParentID groups related jobs and is not a scheduling gate.
	DependsOn *string `db:"depends_on"`
	ParentID  *string `db:"parent_id"`

	Agent   string     `db:"agent"`
	Command string     `db:"command"`
	Args    StringList `db:"args"`
	WorkDir string     `db:"workdir"`
	Env     StringList `db:"env"`

	MaxTokens           int64   `db:"max_tokens"`
	MaxCostUSD          float64 `db:"max_cost_usd"`
	MaxExecutionMinutes int     `db:"max_execution_minutes"`
	StallTimeoutSeconds int     `db:"stall_timeout_seconds"`

	WorkerID        *string    `db:"worker_id"`
	ProcessID       *int       `db:"process_id"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
	RetryCount      int        `db:"retry_count"`
	MaxRetries      int        `db:"max_retries"`

	CompletedAt     *time.Time `db:"completed_at"`
	DurationSeconds float64    `db:"duration_seconds"`
	Output          string     `db:"output"`
	Summary         string     `db:"summary"`
	Model           string     `db:"model"`
	FailureReason   string     `db:"failure_reason"`
	Succeeded       *bool      `db:"succeeded"`
}

// StallTimeout returns the configured silence threshold, or fallback when
// the job does not set one.
func (j Job) StallTimeout(fallback time.Duration) time.Duration {
	if j.StallTimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(j.StallTimeoutSeconds) * time.Second
}

// RunResult is the terminal outcome of one job execution, written to the
// store exactly once.
type RunResult struct {
	Success       bool
	ExitCode      int
	Duration      time.Duration
	Output        string
	Summary       string
	Model         string
	FailureReason string
}

// StringList stores a []string as a JSON text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}
