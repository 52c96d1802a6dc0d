package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runlater/internal/task"
)

var (
	ErrCorrupt = errors.New("corrupt store file")
	ErrClosed  = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): tasks.json + completed_tasks.json under Path (a directory)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// State is everything the task store persists.
type State struct {
	// LastID is the highest id ever handed out; it keeps ids unique after
	// history evicts old entries.
	LastID  int64
	Active  []task.Task
	History []task.Task // newest first
}

// Section selects which parts of State a Save must write.
type Section uint8

const (
	SectionActive Section = 1 << iota
	SectionHistory

	SectionAll = SectionActive | SectionHistory
)

func (s Section) Has(o Section) bool { return s&o != 0 }

// Backend persists State. Implementations must make each Save atomic per
// section and must write history before active when both are requested, so a
// crash in between can at worst leave a task in both (Load then drops the
// active copy).
type Backend interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State, sections Section) error
	// Location describes where data lives (for info output).
	Location() string
	Close() error
}

// CorruptError reports a store file that could not be decoded. The original
// bytes are kept at Backup.
type CorruptError struct {
	Path   string
	Backup string
	Err    error
}

func (e *CorruptError) Error() string {
	if e.Backup != "" {
		return fmt.Sprintf("%s: %v (backed up to %s)", e.Path, e.Err, e.Backup)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrCorrupt, e.Err} }

// normalize drops active tasks that already appear in history and raises
// LastID to cover every persisted id.
func normalize(st State) State {
	inHistory := make(map[string]struct{}, len(st.History))
	for _, t := range st.History {
		inHistory[t.ID] = struct{}{}
		if v, ok := task.ParseID(t.ID); ok && v > st.LastID {
			st.LastID = v
		}
	}
	active := st.Active[:0]
	for _, t := range st.Active {
		if _, dup := inHistory[t.ID]; dup {
			continue
		}
		if v, ok := task.ParseID(t.ID); ok && v > st.LastID {
			st.LastID = v
		}
		active = append(active, t)
	}
	st.Active = active
	return st
}
