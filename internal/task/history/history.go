// Package history keeps the bounded, most-recent-first list of finished tasks.
//
// A Tracker is not safe for concurrent use; the task store actor owns it.
package history

import (
	"sort"
	"time"

	"runlater/internal/task"
)

const DefaultSize = 10

type Tracker struct {
	cap   int
	items []task.Task // newest first
}

// New builds a tracker from persisted items. Items are re-sorted newest first
// by FinishedAt (then id) and trimmed to size.
func New(size int, items []task.Task) *Tracker {
	if size <= 0 {
		size = DefaultSize
	}
	cp := make([]task.Task, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		cp = append(cp, it)
	}
	sort.SliceStable(cp, func(i, j int) bool {
		a, b := finishedAt(cp[i]), finishedAt(cp[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return idLess(cp[j].ID, cp[i].ID)
	})
	h := &Tracker{cap: size, items: cp}
	h.evict()
	return h
}

// Append records a finished task at the head and returns what fell off the
// tail, if anything.
func (h *Tracker) Append(t task.Task) []task.Task {
	h.items = append(h.items, task.Task{})
	copy(h.items[1:], h.items)
	h.items[0] = t
	return h.evict()
}

// List returns up to n newest entries. n <= 0 returns everything.
func (h *Tracker) List(n int) []task.Task {
	if n <= 0 || n > len(h.items) {
		n = len(h.items)
	}
	out := make([]task.Task, n)
	for i := 0; i < n; i++ {
		out[i] = h.items[i].Clone()
	}
	return out
}

// Items returns a copy of all entries, newest first.
func (h *Tracker) Items() []task.Task { return h.List(0) }

func (h *Tracker) Get(id string) (task.Task, bool) {
	for _, it := range h.items {
		if it.ID == id {
			return it.Clone(), true
		}
	}
	return task.Task{}, false
}

func (h *Tracker) Contains(id string) bool {
	_, ok := h.Get(id)
	return ok
}

func (h *Tracker) Len() int { return len(h.items) }

func (h *Tracker) Cap() int { return h.cap }

// Resize changes the capacity, evicting the oldest entries if it shrank.
func (h *Tracker) Resize(size int) []task.Task {
	if size <= 0 {
		size = DefaultSize
	}
	h.cap = size
	return h.evict()
}

func (h *Tracker) evict() []task.Task {
	if len(h.items) <= h.cap {
		return nil
	}
	evicted := append([]task.Task(nil), h.items[h.cap:]...)
	clear(h.items[h.cap:])
	h.items = h.items[:h.cap]
	return evicted
}

func finishedAt(t task.Task) time.Time {
	if t.FinishedAt != nil {
		return *t.FinishedAt
	}
	return t.CreatedAt
}

func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
