// Package eventbus is the in-process fanout used to observe task lifecycle
// changes without coupling the store, executor and server to each other.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task lifecycle event types.
const (
	TaskScheduled   = "task.scheduled"
	TaskRunning     = "task.running"
	TaskFinished    = "task.finished"
	TaskStarted     = "task.started"
	TaskExited      = "task.exited"
	TaskSpawnFailed = "task.spawn_failed"
	ConfigReloaded  = "config.reloaded"
)

// Event is a small in-memory signal.
//
// Publish never blocks. A subscriber whose buffer is full misses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered listener. Unsubscribe closes the channel.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Holding the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full. Buses that don't track drops report 0.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
