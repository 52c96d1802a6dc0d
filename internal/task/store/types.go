package store

import (
	"errors"
	"time"

	"runlater/internal/task"
)

var (
	ErrStopped = errors.New("task store stopped")
	ErrPersist = errors.New("task store persist failed")
)

type MissedPolicy string

const (
	// MissedRun fires overdue pending tasks as soon as the daemon is back.
	MissedRun MissedPolicy = "run"
	// MissedFail marks overdue pending tasks failed on reload.
	MissedFail MissedPolicy = "fail"
)

func ParseMissedPolicy(s string) (MissedPolicy, bool) {
	switch MissedPolicy(s) {
	case "", MissedRun:
		return MissedRun, true
	case MissedFail:
		return MissedFail, true
	default:
		return "", false
	}
}

// Launcher starts and stops task processes. The executor implements it.
type Launcher interface {
	Launch(t task.Task) (pid int, err error)
	Terminate(id string) error
}

// Watcher is told about pending tasks entering and leaving the active set.
// The scheduler implements it. Calls are made from the store goroutine and
// must not block on the store.
type Watcher interface {
	Schedule(id string, dueAt time.Time)
	Unschedule(id string)
}

type Config struct {
	HistorySize  int
	MissedPolicy MissedPolicy

	// LogPaths derives per-task output files from an id.
	LogPaths func(id string) task.LogPaths

	// Now is the clock; tests override it.
	Now func() time.Time
}

// Stats is a point-in-time count of the store contents.
type Stats struct {
	Pending     int        `json:"pending"`
	Running     int        `json:"running"`
	History     int        `json:"history"`
	HistorySize int        `json:"history_size"`
	LastID      string     `json:"last_id,omitempty"`
	NextDue     *time.Time `json:"next_due,omitempty"`
}

func (s Stats) Active() int { return s.Pending + s.Running }

// ReloadReport describes what Reload found on disk.
type ReloadReport struct {
	Active   int
	History  int
	Orphaned []string
	Missed   []string
	// Corrupt is non-nil when a store file could not be decoded and was
	// moved aside.
	Corrupt error
}
