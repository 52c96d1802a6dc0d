package task

import (
	"path/filepath"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Well-known failure/cancel reasons.
const (
	ReasonOrphaned  = "orphaned on restart"
	ReasonMissed    = "missed while daemon was stopped"
	ReasonCancelled = "cancelled by request"
)

// LogPaths are the per-task output files. They are derived from the id and
// never cleaned up by the daemon.
type LogPaths struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Exit   string `json:"exit"`
}

// NewLogPaths builds <dir>/<prefix><id>.{stdout,stderr,exit}.
func NewLogPaths(dir, prefix, id string) LogPaths {
	base := filepath.Join(dir, prefix+id)
	return LogPaths{
		Stdout: base + ".stdout",
		Stderr: base + ".stderr",
		Exit:   base + ".exit",
	}
}

// Task is one scheduled shell command and its execution record.
type Task struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"`
	Dir        string     `json:"dir,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DueAt      time.Time  `json:"due_at"`
	Status     Status     `json:"status"`
	PID        int        `json:"pid,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Logs       LogPaths   `json:"logs"`
}

// Clone returns a deep copy so callers outside the store never alias
// store-owned pointers.
func (t Task) Clone() Task {
	if t.ExitCode != nil {
		v := *t.ExitCode
		t.ExitCode = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		t.FinishedAt = &v
	}
	return t
}

// Overdue reports whether the task is pending and due at or before now.
func (t Task) Overdue(now time.Time) bool {
	return t.Status == StatusPending && !t.DueAt.After(now)
}

func IntPtr(v int) *int { return &v }

func TimePtr(v time.Time) *time.Time { return &v }
