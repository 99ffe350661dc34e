package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event types published by a bridge instance.
const (
	EventConnected      = "connected"
	EventDisconnected   = "disconnected"
	EventReconnecting   = "reconnecting"
	EventFatal          = "fatal"
	EventProcessReady   = "process_ready"
	EventProcessExited  = "process_exited"
	EventSessionCreated = "session_created"
	EventSessionStopped = "session_stopped"
	EventSessionsLost   = "sessions_lost"
	EventRemote         = "remote_event"
	EventRestarting     = "restarting"
)

type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Remote    string          `json:"remote,omitempty"` // engine event type for remote_event
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Listener func(Event)

// Events fans bridge events out to subscribers. Listeners run
// synchronously on the publishing goroutine and must not block.
type Events struct {
	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

func NewEvents() *Events {
	return &Events{listeners: make(map[uint64]Listener)}
}

// Subscribe registers l and returns a function that removes it.
func (e *Events) Subscribe(l Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Events) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bridge event listener panicked", "event", ev.Type, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}

func (e *Events) publishError(eventType string, err error) {
	ev := Event{Type: eventType}
	if err != nil {
		ev.Error = err.Error()
	}
	e.Publish(ev)
}
