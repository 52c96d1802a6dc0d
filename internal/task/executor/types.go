package executor

import (
	"fmt"
	"time"

	"runlater/internal/task"
)

const (
	DefaultShell       = "/bin/sh"
	DefaultKillGrace   = 3 * time.Second
	DefaultMaxLogBytes = 1 << 20
	DefaultLogPrefix   = "run_later_"

	// Exit codes recorded for commands that never started, as a shell would
	// report them.
	ExitNotFound      = 127
	ExitNotExecutable = 126
)

var (
	ErrNotRunning = task.ErrNotRunning
	ErrExited     = task.ErrExited
)

type Config struct {
	Shell       string
	KillGrace   time.Duration
	MaxLogBytes int64
	LogDir      string
	LogPrefix   string
}

// Result is delivered to the completion callback once a child exits.
type Result struct {
	TaskID   string
	PID      int
	ExitCode int
	Signaled bool
	Took     time.Duration
}

// SpawnError means the command never started: not found, not executable, or
// fork/exec failed. The message is also written to the task's stderr log.
type SpawnError struct {
	TaskID string
	Code   int
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failed: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitCode is the code recorded for the task (126/127).
func (e *SpawnError) ExitCode() int { return e.Code }

// Output is the captured output of one task.
type Output struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
	ExitCode        *int   `json:"exit_code,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = DefaultMaxLogBytes
	}
	if c.LogPrefix == "" {
		c.LogPrefix = DefaultLogPrefix
	}
	return c
}

// LogPaths returns the output files for id under this config.
func (c Config) LogPaths(id string) task.LogPaths {
	c = c.withDefaults()
	return task.NewLogPaths(c.LogDir, c.LogPrefix, id)
}
