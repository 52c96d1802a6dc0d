// Package store is the single owner of task state.
//
// One goroutine (Run) owns the active set, the history tracker and the id
// counter. Every operation is a closure handed to that goroutine, so request
// handlers, the scheduler and executor callbacks never race on a task.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"runlater/internal/eventbus"
	"runlater/internal/storage"
	"runlater/internal/task"
	"runlater/internal/task/history"
	logx "runlater/pkg/logx"
)

type Store struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	backend storage.Backend

	ops  chan func()
	done chan struct{}

	runOnce  sync.Once
	doneOnce sync.Once

	// wiring, set before Run
	launcher Launcher
	watcher  Watcher

	// owned by the Run goroutine
	active map[string]*task.Task
	hist   *history.Tracker
	lastID int64
	dirty  bool
}

func New(cfg Config, backend storage.Backend, log logx.Logger, bus eventbus.Bus) *Store {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = history.DefaultSize
	}
	if cfg.MissedPolicy == "" {
		cfg.MissedPolicy = MissedRun
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LogPaths == nil {
		cfg.LogPaths = func(string) task.LogPaths { return task.LogPaths{} }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		backend: backend,
		ops:     make(chan func()),
		done:    make(chan struct{}),
		active:  make(map[string]*task.Task),
		hist:    history.New(cfg.HistorySize, nil),
	}
}

// SetLauncher wires the process executor. Must be called before Run.
func (s *Store) SetLauncher(l Launcher) { s.launcher = l }

// SetWatcher wires the scheduler. Must be called before Run.
func (s *Store) SetWatcher(w Watcher) { s.watcher = w }

// Run executes operations until ctx is done. It is meant to run under the
// app supervisor; calling it twice is a no-op.
func (s *Store) Run(ctx context.Context) error {
	first := false
	s.runOnce.Do(func() { first = true })
	if !first {
		return nil
	}
	defer s.doneOnce.Do(func() { close(s.done) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.ops:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (s *Store) Done() <-chan struct{} { return s.done }

// do hands fn to the store goroutine and waits for it to finish. Once the
// goroutine has accepted fn it always runs to completion, so a caller giving
// up mid-request can never leave a half-applied mutation.
func (s *Store) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.ops <- func() { defer close(finished); fn() }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// ---- operations ----

// Create adds a pending task due at dueAt. A failed save rolls the task back.
func (s *Store) Create(ctx context.Context, command, dir string, dueAt time.Time) (task.Task, error) {
	if strings.TrimSpace(command) == "" {
		return task.Task{}, fmt.Errorf("%w: command is empty", task.ErrInvalidArgument)
	}
	if dueAt.IsZero() {
		return task.Task{}, fmt.Errorf("%w: due time is required", task.ErrInvalidArgument)
	}

	var (
		out task.Task
		err error
	)
	if derr := s.do(ctx, func() {
		now := s.cfg.Now()
		prevLast := s.lastID
		id := task.NextID(now, s.lastID)
		idStr := task.FormatID(id)

		t := &task.Task{
			ID:        idStr,
			Command:   command,
			Dir:       dir,
			CreatedAt: now,
			DueAt:     dueAt,
			Status:    task.StatusPending,
			Logs:      s.cfg.LogPaths(idStr),
		}
		s.active[idStr] = t
		s.lastID = id

		if perr := s.persist(ctx, storage.SectionActive); perr != nil {
			delete(s.active, idStr)
			s.lastID = prevLast
			err = perr
			return
		}
		if s.watcher != nil {
			s.watcher.Schedule(idStr, dueAt)
		}
		s.publish(eventbus.TaskScheduled, *t)
		s.log.Info("task scheduled",
			logx.String("task_id", idStr),
			logx.Time("due_at", dueAt),
			logx.String("command", command))
		out = t.Clone()
	}); derr != nil {
		return task.Task{}, derr
	}
	return out, err
}

// Get looks a task up in the active set, then in history.
func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	var (
		out task.Task
		err error
	)
	if derr := s.do(ctx, func() {
		if t, ok := s.active[id]; ok {
			out = t.Clone()
			return
		}
		if t, ok := s.hist.Get(id); ok {
			out = t
			return
		}
		err = fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}); derr != nil {
		return task.Task{}, derr
	}
	return out, err
}

// ListActive returns pending and running tasks ordered by due time, then id.
func (s *Store) ListActive(ctx context.Context) ([]task.Task, error) {
	var out []task.Task
	if err := s.do(ctx, func() { out = s.sortedActive() }); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the n most recently finished tasks (n <= 0: all retained).
func (s *Store) History(ctx context.Context, n int) ([]task.Task, error) {
	var out []task.Task
	if err := s.do(ctx, func() { out = s.hist.List(n) }); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.do(ctx, func() {
		for _, t := range s.active {
			switch t.Status {
			case task.StatusPending:
				st.Pending++
				if st.NextDue == nil || t.DueAt.Before(*st.NextDue) {
					st.NextDue = task.TimePtr(t.DueAt)
				}
			case task.StatusRunning:
				st.Running++
			}
		}
		st.History = s.hist.Len()
		st.HistorySize = s.hist.Cap()
		if s.lastID > 0 {
			st.LastID = task.FormatID(s.lastID)
		}
	})
	return st, err
}

// Cancel stops a pending or running task. A running task's process group is
// terminated before the task is recorded as cancelled. Tasks already in
// history, or whose process exited before it could be signalled, yield
// task.ErrAlreadyFinished and are left untouched.
func (s *Store) Cancel(ctx context.Context, id string) (task.Task, error) {
	var (
		out task.Task
		err error
	)
	if derr := s.do(ctx, func() {
		t, ok := s.active[id]
		if !ok {
			if _, inHist := s.hist.Get(id); inHist {
				err = fmt.Errorf("%w: %s", task.ErrAlreadyFinished, id)
			} else {
				err = fmt.Errorf("%w: %s", task.ErrNotFound, id)
			}
			return
		}

		switch t.Status {
		case task.StatusPending:
			if s.watcher != nil {
				s.watcher.Unschedule(id)
			}
		case task.StatusRunning:
			if s.launcher != nil {
				switch terr := s.launcher.Terminate(id); {
				case errors.Is(terr, task.ErrExited):
					// The real outcome is on its way through MarkFinished.
					err = fmt.Errorf("%w: %s", task.ErrAlreadyFinished, id)
					return
				case terr != nil && !errors.Is(terr, task.ErrNotRunning):
					err = fmt.Errorf("terminate task %s: %w", id, terr)
					return
				}
			}
		}
		out, err = s.finish(ctx, t, task.StatusCancelled, nil, task.ReasonCancelled)
	}); derr != nil {
		return task.Task{}, derr
	}
	return out, err
}

// MarkRunning records that id was started as pid.
func (s *Store) MarkRunning(ctx context.Context, id string, pid int) error {
	var err error
	if derr := s.do(ctx, func() {
		t, lerr := s.lookupActive(id)
		if lerr != nil {
			err = lerr
			return
		}
		err = s.markRunning(ctx, t, pid)
	}); derr != nil {
		return derr
	}
	return err
}

// MarkFinished records the terminal status of a running task. A task that is
// no longer active (e.g. cancelled while it ran) yields task.ErrAlreadyFinished.
func (s *Store) MarkFinished(ctx context.Context, id string, exitCode *int, status task.Status, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", task.ErrIllegalTransition, status)
	}
	var err error
	if derr := s.do(ctx, func() {
		t, lerr := s.lookupActive(id)
		if lerr != nil {
			err = lerr
			return
		}
		_, err = s.finish(ctx, t, status, exitCode, reason)
	}); derr != nil {
		return derr
	}
	return err
}

// Dispatch starts a pending task through the launcher and records it as
// running. Launch and the running transition happen in one store step, so
// the completion callback can never be applied before the task is running.
// A launch failure records the task as failed and returns the launch error.
func (s *Store) Dispatch(ctx context.Context, id string) (task.Task, error) {
	var (
		out task.Task
		err error
	)
	if derr := s.do(ctx, func() {
		t, lerr := s.lookupActive(id)
		if lerr != nil {
			err = lerr
			return
		}
		if t.Status != task.StatusPending {
			err = task.CheckTransition(t.Status, task.StatusRunning)
			return
		}
		if s.launcher == nil {
			err = errors.New("no launcher configured")
			return
		}

		pid, lerr := s.launcher.Launch(t.Clone())
		if lerr != nil {
			var code *int
			var ec interface{ ExitCode() int }
			if errors.As(lerr, &ec) {
				code = task.IntPtr(ec.ExitCode())
			}
			out, _ = s.finish(ctx, t, task.StatusFailed, code, lerr.Error())
			err = lerr
			return
		}
		err = s.markRunning(ctx, t, pid)
		out = t.Clone()
	}); derr != nil {
		return task.Task{}, derr
	}
	return out, err
}

// SetHistorySize changes the history cap, evicting the oldest entries when
// it shrinks.
func (s *Store) SetHistorySize(ctx context.Context, n int) error {
	var err error
	if derr := s.do(ctx, func() {
		if n <= 0 {
			n = history.DefaultSize
		}
		if n == s.hist.Cap() {
			return
		}
		evicted := s.hist.Resize(n)
		s.log.Info("history size changed", logx.Int("size", n), logx.Int("evicted", len(evicted)))
		if len(evicted) > 0 {
			err = s.persist(ctx, storage.SectionHistory)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// Reload replaces in-memory state with what the backend holds, applying the
// restart policies: running tasks are orphans and become failed; overdue
// pending tasks follow the missed policy. A corrupt store file is reported
// in the report and does not fail the reload.
func (s *Store) Reload(ctx context.Context) (ReloadReport, error) {
	var (
		rep ReloadReport
		err error
	)
	if derr := s.do(ctx, func() {
		st, lerr := s.backend.Load(ctx)
		if lerr != nil {
			if !errors.Is(lerr, storage.ErrCorrupt) {
				err = fmt.Errorf("load task store: %w", lerr)
				return
			}
			rep.Corrupt = lerr
			s.log.Warn("task store was corrupt; continuing with what could be read", logx.Err(lerr))
		}

		s.active = make(map[string]*task.Task, len(st.Active))
		s.hist = history.New(s.cfg.HistorySize, st.History)
		s.lastID = st.LastID

		changed := rep.Corrupt != nil
		now := s.cfg.Now()
		for i := range st.Active {
			t := st.Active[i]
			if !t.Status.Valid() || t.Status.Terminal() {
				// Terminal tasks never belong in the active set.
				t.Status = task.StatusFailed
				if t.FinishedAt == nil {
					t.FinishedAt = task.TimePtr(now)
				}
				s.hist.Append(t)
				changed = true
				continue
			}
			tp := &t
			s.active[t.ID] = tp

			switch {
			case t.Status == task.StatusRunning:
				rep.Orphaned = append(rep.Orphaned, t.ID)
				s.finishNoSave(tp, task.StatusFailed, nil, task.ReasonOrphaned, now)
				changed = true
			case t.Overdue(now) && s.cfg.MissedPolicy == MissedFail:
				rep.Missed = append(rep.Missed, t.ID)
				s.finishNoSave(tp, task.StatusFailed, nil, task.ReasonMissed, now)
				changed = true
			case t.Overdue(now):
				rep.Missed = append(rep.Missed, t.ID)
			}
		}

		if changed {
			if perr := s.persist(ctx, storage.SectionAll); perr != nil {
				s.log.Warn("persist after reload failed", logx.Err(perr))
			}
		}

		rep.Active = len(s.active)
		rep.History = s.hist.Len()
		if s.watcher != nil {
			for _, t := range s.active {
				if t.Status == task.StatusPending {
					s.watcher.Schedule(t.ID, t.DueAt)
				}
			}
		}
		s.log.Info("task store loaded",
			logx.Int("active", rep.Active),
			logx.Int("history", rep.History),
			logx.Int("orphaned", len(rep.Orphaned)),
			logx.Int("missed", len(rep.Missed)),
			logx.String("missed_policy", string(s.cfg.MissedPolicy)))
	}); derr != nil {
		return ReloadReport{}, derr
	}
	return rep, err
}

// Flush writes the full state if a previous save failed.
func (s *Store) Flush(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		if s.dirty {
			err = s.persist(ctx, storage.SectionAll)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// ---- helpers (store goroutine only) ----

func (s *Store) lookupActive(id string) (*task.Task, error) {
	if t, ok := s.active[id]; ok {
		return t, nil
	}
	if s.hist.Contains(id) {
		return nil, fmt.Errorf("%w: %s", task.ErrAlreadyFinished, id)
	}
	return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
}

func (s *Store) sortedActive() []task.Task {
	out := make([]task.Task, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return idLess(out[i].ID, out[j].ID)
	})
	return out
}

func (s *Store) markRunning(ctx context.Context, t *task.Task, pid int) error {
	if err := task.CheckTransition(t.Status, task.StatusRunning); err != nil {
		return err
	}
	t.Status = task.StatusRunning
	t.PID = pid
	t.StartedAt = task.TimePtr(s.cfg.Now())
	s.publish(eventbus.TaskRunning, *t)
	return s.persist(ctx, storage.SectionActive)
}

// finish moves t from the active set into history and persists both
// sections (history first).
func (s *Store) finish(ctx context.Context, t *task.Task, status task.Status, exitCode *int, reason string) (task.Task, error) {
	if err := task.CheckTransition(t.Status, status); err != nil {
		return t.Clone(), err
	}
	s.finishNoSave(t, status, exitCode, reason, s.cfg.Now())
	out := t.Clone()
	s.log.Info("task finished",
		logx.String("task_id", t.ID),
		logx.String("status", string(status)),
		logx.Any("exit_code", exitCode),
		logx.String("reason", reason))
	s.publish(eventbus.TaskFinished, out)
	return out, s.persist(ctx, storage.SectionAll)
}

func (s *Store) finishNoSave(t *task.Task, status task.Status, exitCode *int, reason string, now time.Time) {
	t.Status = status
	t.PID = 0
	t.FinishedAt = task.TimePtr(now)
	if exitCode != nil {
		t.ExitCode = task.IntPtr(*exitCode)
	}
	t.Reason = reason
	delete(s.active, t.ID)
	s.hist.Append(*t)
}

func (s *Store) persist(ctx context.Context, sections storage.Section) error {
	if s.backend == nil {
		return nil
	}
	if s.dirty {
		sections = storage.SectionAll
	}
	st := storage.State{
		LastID:  s.lastID,
		Active:  s.sortedActive(),
		History: s.hist.Items(),
	}
	if err := s.backend.Save(ctx, st, sections); err != nil {
		s.dirty = true
		s.log.Error("task store save failed", logx.Err(err))
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	s.dirty = false
	return nil
}

func (s *Store) publish(typ string, t task.Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.TaskEvent{
		ID:     t.ID,
		Status: string(t.Status),
	}})
}

func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
