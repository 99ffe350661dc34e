// Package swarm keeps the persisted history of bridge swarm sessions in
// step with the bridge's session events.
package swarm

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/swarmbridge/internal/bridge"
	"github.com/mtzanidakis/swarmbridge/internal/store"
)

type HistoryStore interface {
	SaveSwarm(r *store.SwarmRecord) error
	FinishSwarm(id, status, lastError string) error
	FinishActiveSwarms(status, lastError string) (int64, error)
}

type EventSource interface {
	Subscribe(fn bridge.Listener) func()
}

// Recorder writes session events to the history store on its own
// goroutine so the bridge never waits on sqlite.
type Recorder struct {
	store  HistoryStore
	events chan bridge.Event

	mu          sync.Mutex
	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
}

func NewRecorder(s HistoryStore) *Recorder {
	return &Recorder{store: s, events: make(chan bridge.Event, 256)}
}

// Start subscribes to src and records until ctx is cancelled. Active rows
// left over from a previous run are marked lost first.
func (r *Recorder) Start(ctx context.Context, src EventSource) {
	if n, err := r.store.FinishActiveSwarms(store.SwarmLost, "bridge restarted"); err != nil {
		slog.Error("failed to close stale swarm history", "error", err)
	} else if n > 0 {
		slog.Info("marked stale swarm sessions lost", "count", n)
	}

	r.mu.Lock()
	r.unsubscribe = src.Subscribe(r.enqueue)
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				r.drain()
				return
			case <-stop:
				r.drain()
				return
			case ev := <-r.events:
				r.record(ev)
			}
		}
	}()
}

// Stop unsubscribes and waits for queued events to be written.
func (r *Recorder) Stop() {
	r.mu.Lock()
	unsubscribe, stop, done := r.unsubscribe, r.stop, r.done
	r.unsubscribe, r.stop = nil, nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

func (r *Recorder) enqueue(ev bridge.Event) {
	switch ev.Type {
	case bridge.EventSessionCreated, bridge.EventSessionStopped, bridge.EventSessionsLost:
	default:
		return
	}
	select {
	case r.events <- ev:
	default:
		slog.Warn("swarm history queue full, event dropped", "event", ev.Type, "session", ev.SessionID)
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.events:
			r.record(ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ev bridge.Event) {
	var err error
	switch ev.Type {
	case bridge.EventSessionCreated:
		var cfg bridge.SwarmConfig
		_ = json.Unmarshal(ev.Data, &cfg)
		err = r.store.SaveSwarm(&store.SwarmRecord{
			ID:        ev.SessionID,
			Name:      cfg.Name,
			Algorithm: cfg.Algorithm,
			Config:    ev.Data,
			Status:    store.SwarmActive,
		})
	case bridge.EventSessionStopped:
		err = r.store.FinishSwarm(ev.SessionID, store.SwarmStopped, ev.Error)
	case bridge.EventSessionsLost:
		var ids []string
		if jerr := json.Unmarshal(ev.Data, &ids); jerr != nil {
			slog.Warn("malformed sessions_lost payload", "error", jerr)
			return
		}
		for _, id := range ids {
			if ferr := r.store.FinishSwarm(id, store.SwarmLost, "engine restarted"); ferr != nil {
				err = ferr
			}
		}
	}
	if err != nil {
		slog.Error("failed to record swarm history", "event", ev.Type, "session", ev.SessionID, "error", err)
	}
}
