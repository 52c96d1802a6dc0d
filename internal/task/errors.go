package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyFinished   = errors.New("task already finished")
	ErrIllegalTransition = errors.New("illegal task transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotRunning        = errors.New("task is not running")
	// ErrExited means the process is gone but its completion has not been
	// recorded yet.
	ErrExited = fmt.Errorf("%w: process already exited", ErrNotRunning)
)

// transitions lists every allowed status change.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition (wrapped with both states) when
// from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
