package bridge

import (
	"sync"
	"time"
)

type QueuedCommand struct {
	ID         string
	Frame      []byte
	EnqueuedAt time.Time
}

// Queue buffers commands issued while the transport is down. It never
// blocks: a full queue rejects the newest command.
type Queue struct {
	capacity int
	maxAge   time.Duration
	pending  []QueuedCommand
	mu       sync.Mutex
	now      func() time.Time
}

func NewQueue(capacity int, maxAge time.Duration) *Queue {
	return &Queue{capacity: capacity, maxAge: maxAge, now: time.Now}
}

func (q *Queue) Enqueue(id string, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.capacity {
		return ErrQueueFull
	}
	q.pending = append(q.pending, QueuedCommand{ID: id, Frame: frame, EnqueuedAt: q.now()})
	return nil
}

// Requeue puts commands that were already in flight back at the head of
// the queue, ahead of anything issued since. Entries that do not fit are
// returned.
func (q *Queue) Requeue(cmds []QueuedCommand) (rejected []QueuedCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()

	room := q.capacity - len(q.pending)
	if room < 0 {
		room = 0
	}
	if len(cmds) > room {
		rejected = cmds[room:]
		cmds = cmds[:room]
	}
	q.pending = append(append([]QueuedCommand{}, cmds...), q.pending...)
	return rejected
}

// Drain empties the queue, splitting entries into those still fresh enough
// to send (in enqueue order) and those older than the maximum age.
func (q *Queue) Drain() (ready, expired []QueuedCommand) {
	q.mu.Lock()
	entries := q.pending
	q.pending = nil
	now := q.now()
	q.mu.Unlock()

	for _, e := range entries {
		if now.Sub(e.EnqueuedAt) > q.maxAge {
			expired = append(expired, e)
		} else {
			ready = append(ready, e)
		}
	}
	return ready, expired
}

// Remove drops id from the queue, reporting whether it was queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.pending {
		if e.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
