package bridge

import (
	"log/slog"
	"sync"
	"time"
)

// Heartbeat probes the transport at a fixed interval and reports it stale
// when no heartbeat has come back within interval × multiple.
type Heartbeat struct {
	interval time.Duration
	multiple int
	send     func() error
	onStale  func()

	mu       sync.Mutex
	lastSeen time.Time
	lastSent time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewHeartbeat(interval time.Duration, multiple int, send func() error, onStale func()) *Heartbeat {
	if multiple < 1 {
		multiple = 1
	}
	return &Heartbeat{
		interval: interval,
		multiple: multiple,
		send:     send,
		onStale:  onStale,
	}
}

// Start begins probing. The connection counts as fresh at start.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stop != nil {
		return
	}
	h.lastSeen = time.Now()
	h.stop = make(chan struct{})
	h.wg.Add(1)
	go h.run(h.stop)
}

// Stop cancels the ticker. It is safe to call when not running.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	stop := h.stop
	h.stop = nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// Wait blocks until the probing goroutine has exited.
func (h *Heartbeat) Wait() {
	h.wg.Wait()
}

func (h *Heartbeat) Seen(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.After(h.lastSeen) {
		h.lastSeen = t
	}
}

func (h *Heartbeat) LastSeen() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}

func (h *Heartbeat) LastSent() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSent
}

func (h *Heartbeat) timeout() time.Duration {
	return h.interval * time.Duration(h.multiple)
}

func (h *Heartbeat) run(stop chan struct{}) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			h.mu.Lock()
			silent := now.Sub(h.lastSeen)
			h.mu.Unlock()

			if silent > h.timeout() {
				slog.Warn("heartbeat timeout, transport stale", "silent_for", silent, "timeout", h.timeout())
				h.Stop()
				h.onStale()
				return
			}

			if err := h.send(); err != nil {
				slog.Warn("heartbeat send failed", "error", err)
				continue
			}
			h.mu.Lock()
			h.lastSent = now
			h.mu.Unlock()
		}
	}
}
