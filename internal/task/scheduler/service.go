// Package scheduler fires pending tasks when their due time arrives.
//
// The scheduler is trigger-only: it keeps a min-heap of (due, id) pairs fed
// by the task store and asks the store to dispatch each entry once it is
// due. Execution belongs to the executor.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"runlater/internal/task"
	"runlater/internal/task/store"
	logx "runlater/pkg/logx"
)

type Service struct {
	cfg  Config
	log  logx.Logger
	disp Dispatcher

	mu    sync.Mutex
	queue dueQueue
	index map[string]*entry

	wake chan struct{}

	// errLimit throttles dispatch error logs when the store keeps failing.
	errLimit *rate.Limiter

	fired  atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config, disp Dispatcher, log logx.Logger) *Service {
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = DefaultMaxSleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		disp:     disp,
		index:    map[string]*entry{},
		wake:     make(chan struct{}, 1),
		errLimit: rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// Schedule adds id or moves it to a new due time.
func (s *Service) Schedule(id string, due time.Time) {
	s.mu.Lock()
	if e, ok := s.index[id]; ok {
		e.due = due
		heap.Fix(&s.queue, e.index)
	} else {
		e := &entry{id: id, due: due}
		heap.Push(&s.queue, e)
		s.index[id] = e
	}
	s.mu.Unlock()
	s.notify()
}

// Unschedule forgets id. Unknown ids are ignored.
func (s *Service) Unschedule(id string) {
	s.mu.Lock()
	e, ok := s.index[id]
	if ok {
		heap.Remove(&s.queue, e.index)
		delete(s.index, id)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Waiting returns the number of queued entries.
func (s *Service) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Waiting: len(s.queue), MaxSleep: s.cfg.MaxSleep}
	if len(s.queue) > 0 {
		head := s.queue[0]
		snap.NextID = head.id
		snap.NextDue = task.TimePtr(head.due)
	}
	s.mu.Unlock()
	snap.Fired = s.fired.Load()
	snap.Failed = s.failed.Load()
	return snap
}

// Run sleeps until the earliest due entry, dispatches everything that is
// due, and repeats until ctx is done or the store stops.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("scheduler started", logx.Int("waiting", s.Waiting()), logx.Duration("max_sleep", s.cfg.MaxSleep))
	defer s.log.Info("scheduler stopped")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		for _, id := range s.popDue(s.cfg.Now()) {
			if err := s.dispatch(ctx, id); err != nil {
				return nil
			}
		}

		wait := s.nextWait(s.cfg.Now())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// popDue removes and returns every entry due at or before now, earliest first.
func (s *Service) popDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for len(s.queue) > 0 && !s.queue[0].due.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		delete(s.index, e.id)
		ids = append(ids, e.id)
	}
	return ids
}

func (s *Service) nextWait(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := s.cfg.MaxSleep
	if len(s.queue) > 0 {
		if d := s.queue[0].due.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// dispatch hands id to the store. Only a stopped store is returned as an
// error; per-task failures are logged and the loop moves on.
func (s *Service) dispatch(ctx context.Context, id string) error {
	t, err := s.disp.Dispatch(ctx, id)
	switch {
	case err == nil:
		s.fired.Add(1)
		s.log.Debug("task dispatched", logx.String("task_id", id), logx.Int("pid", t.PID))
		return nil
	case errors.Is(err, store.ErrStopped), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrAlreadyFinished), errors.Is(err, task.ErrIllegalTransition):
		// Cancelled or already started between queueing and firing.
		s.log.Debug("stale schedule entry", logx.String("task_id", id), logx.Err(err))
		return nil
	}

	s.fired.Add(1)
	s.failed.Add(1)
	if s.errLimit.Allow() {
		s.log.Warn("task dispatch failed", logx.String("task_id", id), logx.String("status", string(t.Status)), logx.Err(err))
	}
	return nil
}
