package bridge

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/swarmbridge/internal/protocol"
)

type result struct {
	data json.RawMessage
	err  error
}

// Pending is an outstanding request awaiting its response.
type Pending struct {
	ID        string
	Command   string
	CreatedAt time.Time
	Deadline  time.Time

	c     *Correlator
	frame []byte
	sent  bool
	seq   uint64
	index int
	done  chan result
}

// Wait blocks until the request resolves or ctx is done. A cancelled wait
// removes only this request; the engine is not told.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-p.done:
		return res.data, res.err
	case <-ctx.Done():
		p.c.Fail(p.ID, ctx.Err())
		res := <-p.done
		return res.data, res.err
	}
}

// Correlator maps request ids to pending callers. Deadlines live in a
// single min-heap serviced by Run.
type Correlator struct {
	mu             sync.Mutex
	entries        map[string]*Pending
	deadlines      deadlineHeap
	seq            uint64
	defaultTimeout time.Duration
	wake           chan struct{}
	onAbandon      func(id string)
}

func NewCorrelator(defaultTimeout time.Duration) *Correlator {
	return &Correlator{
		entries:        make(map[string]*Pending),
		defaultTimeout: defaultTimeout,
		wake:           make(chan struct{}, 1),
	}
}

// OnAbandon sets fn to run when a request that was never written to the
// transport fails, before its caller is woken.
func (c *Correlator) OnAbandon(fn func(id string)) {
	c.mu.Lock()
	c.onAbandon = fn
	c.mu.Unlock()
}

// Register records a pending request. A zero timeout selects the default.
func (c *Correlator) Register(id, command string, frame []byte, timeout time.Duration) (*Pending, error) {
	if timeout == 0 {
		timeout = c.defaultTimeout
	}
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	now := time.Now()
	p := &Pending{
		ID:        id,
		Command:   command,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		c:         c,
		frame:     frame,
		done:      make(chan result, 1),
	}

	c.mu.Lock()
	if _, exists := c.entries[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id %s", id)
	}
	c.seq++
	p.seq = c.seq
	c.entries[id] = p
	heap.Push(&c.deadlines, p)
	earliest := c.deadlines[0] == p
	c.mu.Unlock()

	if earliest {
		c.signal()
	}
	return p, nil
}

func (c *Correlator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// complete removes id and delivers res. It returns false when id has
// already been resolved, which makes every outcome at-most-once.
func (c *Correlator) complete(id string, res result) bool {
	c.mu.Lock()
	p, ok := c.entries[id]
	if ok {
		c.removeLocked(p)
	}
	unsent, abandon := ok && !p.sent, c.onAbandon
	c.mu.Unlock()

	if !ok {
		return false
	}
	if res.err != nil && unsent && abandon != nil {
		abandon(id)
	}
	p.done <- res
	return true
}

func (c *Correlator) removeLocked(p *Pending) {
	delete(c.entries, p.ID)
	if p.index >= 0 {
		heap.Remove(&c.deadlines, p.index)
	}
}

// Resolve completes the pending request matching env.ID. Responses for
// unknown or already resolved ids are discarded.
func (c *Correlator) Resolve(env *protocol.Envelope) bool {
	c.mu.Lock()
	p, ok := c.entries[env.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	if m := env.Metadata; m != nil {
		slog.Debug("engine response", "command", p.Command, "id", env.ID,
			"elapsed_ms", m.ElapsedMs, "memory_bytes", m.MemoryBytes, "worker", m.WorkerID)
	}

	res := result{data: env.Data}
	if env.Error != nil {
		res = result{err: remoteError(p.Command, env.Error)}
	}
	return c.complete(env.ID, res)
}

func (c *Correlator) Fail(id string, err error) bool {
	return c.complete(id, result{err: err})
}

// FailAll fails every pending request with err and returns how many.
func (c *Correlator) FailAll(err error) int {
	return c.failWhere(func(*Pending) bool { return true }, err)
}

// FailSent fails the requests already written to the transport.
func (c *Correlator) FailSent(err error) int {
	return c.failWhere(func(p *Pending) bool { return p.sent }, err)
}

func (c *Correlator) failWhere(match func(*Pending) bool, err error) int {
	c.mu.Lock()
	var failed []*Pending
	for _, p := range c.entries {
		if match(p) {
			failed = append(failed, p)
		}
	}
	for _, p := range failed {
		c.removeLocked(p)
	}
	abandon := c.onAbandon
	c.mu.Unlock()

	for _, p := range failed {
		if !p.sent && abandon != nil {
			abandon(p.ID)
		}
		p.done <- result{err: err}
	}
	return len(failed)
}

// MarkSent flags id as written to the transport.
func (c *Correlator) MarkSent(id string) {
	c.mu.Lock()
	if p, ok := c.entries[id]; ok {
		p.sent = true
	}
	c.mu.Unlock()
}

// Unmark clears the sent flag of id and reports whether it was set.
func (c *Correlator) Unmark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[id]
	if !ok || !p.sent {
		return false
	}
	p.sent = false
	return true
}

// Unsend clears the sent flag of every in-flight request and returns them
// in issue order, for resending after a reconnect.
func (c *Correlator) Unsend() []*Pending {
	c.mu.Lock()
	var out []*Pending
	for _, p := range c.entries {
		if p.sent {
			p.sent = false
			out = append(out, p)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (c *Correlator) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run expires requests whose deadline has passed until ctx is done.
func (c *Correlator) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := c.expire(time.Now())

		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-timer.C:
		}
	}
}

// expire fails every request due at or before now and returns the next
// deadline, or the zero time when nothing is pending.
func (c *Correlator) expire(now time.Time) time.Time {
	c.mu.Lock()
	var expired []*Pending
	for len(c.deadlines) > 0 && !c.deadlines[0].Deadline.After(now) {
		p := heap.Pop(&c.deadlines).(*Pending)
		delete(c.entries, p.ID)
		expired = append(expired, p)
	}
	var next time.Time
	if len(c.deadlines) > 0 {
		next = c.deadlines[0].Deadline
	}
	abandon := c.onAbandon
	c.mu.Unlock()

	for _, p := range expired {
		if !p.sent && abandon != nil {
			abandon(p.ID)
		}
		p.done <- result{err: fmt.Errorf("%w: %s after %s", ErrCommandTimeout, p.Command, p.Deadline.Sub(p.CreatedAt))}
	}
	return next
}

type deadlineHeap []*Pending

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool { return h[i].Deadline.Before(h[j].Deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	p := x.(*Pending)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}
