package daemon

import (
	"errors"
	"fmt"
	"sync"
)

var ErrIllegalState = errors.New("illegal lifecycle transition")

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var lifecycleMoves = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopped},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// Lifecycle tracks stopped -> starting -> running -> stopping -> stopped.
// Observers only ever see the stable states.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the externally visible state: starting reads as stopped and
// stopping reads as running.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateStarting:
		return StateStopped
	case StateStopping:
		return StateRunning
	default:
		return l.state
	}
}

func (l *Lifecycle) move(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ok := range lifecycleMoves[l.state] {
		if ok == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalState, l.state, to)
}

func (l *Lifecycle) BeginStart() error { return l.move(StateStarting) }
func (l *Lifecycle) Started() error    { return l.move(StateRunning) }
func (l *Lifecycle) BeginStop() error  { return l.move(StateStopping) }

// Stopped completes a stop, or aborts a start that failed.
func (l *Lifecycle) Stopped() error { return l.move(StateStopped) }
