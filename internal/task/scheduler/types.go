package scheduler

import (
	"context"
	"time"

	"runlater/internal/task"
)

// DefaultMaxSleep bounds how long the loop sleeps without re-reading the
// wall clock, so suspend/resume and clock steps are noticed.
const DefaultMaxSleep = time.Minute

// Dispatcher starts a due task. The task store implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string) (task.Task, error)
}

type Config struct {
	MaxSleep time.Duration
	// Now is the clock; tests override it.
	Now func() time.Time
}

// Snapshot is the scheduler's view for the info command.
type Snapshot struct {
	Waiting  int           `json:"waiting"`
	NextID   string        `json:"next_id,omitempty"`
	NextDue  *time.Time    `json:"next_due,omitempty"`
	Fired    uint64        `json:"fired"`
	Failed   uint64        `json:"failed"`
	MaxSleep time.Duration `json:"max_sleep"`
}
