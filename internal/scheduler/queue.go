// internal/scheduler/queue.go
package scheduler

import (
	"sync"

	"github.com/tamzrod/meter-poller/internal/register"
)

// flushQueue keeps dirty registers in the order they were first dirtied
// and wakes the scheduler. The wake channel has one slot: any number of
// pushes between two receives collapse into one wake.
type flushQueue struct {
	mu     sync.Mutex
	ids    []register.ID
	queued map[register.ID]bool

	wake chan struct{}
}

func newFlushQueue() *flushQueue {
	return &flushQueue{
		queued: make(map[register.ID]bool),
		wake:   make(chan struct{}, 1),
	}
}

// Push is safe from any goroutine.
func (q *flushQueue) Push(id register.ID) {
	q.mu.Lock()
	if !q.queued[id] {
		q.queued[id] = true
		q.ids = append(q.ids, id)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Drain takes every queued id.
func (q *flushQueue) Drain() []register.ID {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.ids
	q.ids = nil
	q.queued = make(map[register.ID]bool)
	return out
}

func (q *flushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
