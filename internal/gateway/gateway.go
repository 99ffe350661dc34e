// Package gateway exposes the bridge facade on the NATS bus: request/reply
// commands on bridge.cmd.<verb> and every bridge event on
// events.bridge.<type>.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/swarmbridge/internal/bridge"
	"github.com/mtzanidakis/swarmbridge/internal/natsbus"
)

// Command verbs served by the gateway.
const (
	VerbCreateSession = "create_session"
	VerbOptimize      = "optimize"
	VerbStopSession   = "stop_session"
	VerbStopAll       = "stop_all"
	VerbStatus        = "status"
	VerbExecute       = "execute"
	VerbHealth        = "health"
)

const queueGroup = "swarmbridge"

// Bridge is the part of *bridge.Bridge the gateway drives.
type Bridge interface {
	CreateSession(ctx context.Context, cfg bridge.SwarmConfig) (*bridge.Session, error)
	Optimize(ctx context.Context, id string, input any) (json.RawMessage, error)
	SessionStatus(ctx context.Context, id string) (json.RawMessage, error)
	StopSession(ctx context.Context, id string) error
	StopAllSessions(ctx context.Context) error
	Execute(ctx context.Context, command string, payload any, timeout time.Duration) (json.RawMessage, error)
	Health() bridge.Health
	Subscribe(fn bridge.Listener) func()
}

// Request is the body accepted by every command subject. Fields not used
// by a verb are ignored.
type Request struct {
	SwarmID   string              `json:"swarm_id,omitempty"`
	Config    *bridge.SwarmConfig `json:"config,omitempty"`
	Input     json.RawMessage     `json:"input,omitempty"`
	Command   string              `json:"command,omitempty"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	TimeoutMs int64               `json:"timeout_ms,omitempty"`
}

type Reply struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

type Gateway struct {
	client  *natsbus.Client
	bridge  Bridge
	timeout time.Duration

	mu          sync.Mutex
	subs        []*nats.Subscription
	unsubscribe func()
	wg          sync.WaitGroup
}

// New returns a gateway; timeout bounds every handled command.
func New(client *natsbus.Client, b Bridge, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Gateway{client: client, bridge: b, timeout: timeout}
}

func (g *Gateway) Start() error {
	handlers := map[string]func(context.Context, Request) (any, error){
		VerbCreateSession: g.createSession,
		VerbOptimize:      g.optimize,
		VerbStopSession:   g.stopSession,
		VerbStopAll:       g.stopAll,
		VerbStatus:        g.status,
		VerbExecute:       g.execute,
		VerbHealth:        g.health,
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for verb, fn := range handlers {
		sub, err := g.client.QueueSubscribe(natsbus.TopicBridgeCommand(verb), queueGroup, g.serve(verb, fn))
		if err != nil {
			g.closeLocked()
			return fmt.Errorf("subscribe %s: %w", verb, err)
		}
		g.subs = append(g.subs, sub)
	}
	g.unsubscribe = g.bridge.Subscribe(g.forward)

	slog.Info("nats gateway started", "verbs", len(handlers))
	return nil
}

// serve runs each request on its own goroutine so a slow optimization does
// not hold back the rest of the subject.
func (g *Gateway) serve(verb string, fn func(context.Context, Request) (any, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()

			var req Request
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &req); err != nil {
					g.reply(msg, Reply{Error: fmt.Sprintf("decode request: %v", err), Code: "bad_request"})
					return
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
			defer cancel()

			data, err := fn(ctx, req)
			if err != nil {
				slog.Warn("gateway command failed", "verb", verb, "error", err)
				g.reply(msg, Reply{Error: err.Error(), Code: bridge.ErrorCode(err)})
				return
			}
			g.reply(msg, Reply{OK: true, Data: data})
		}()
	}
}

func (g *Gateway) reply(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		slog.Error("marshal gateway reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("gateway reply failed", "subject", msg.Subject, "error", err)
	}
}

// forward republishes bridge events on the bus. Session scoped events are
// also published on the session's own subject.
func (g *Gateway) forward(ev bridge.Event) {
	if err := g.client.PublishJSON(natsbus.TopicBridgeEvent(ev.Type), ev); err != nil {
		slog.Warn("publish bridge event", "type", ev.Type, "error", err)
	}
	if ev.SessionID != "" {
		if err := g.client.PublishJSON(natsbus.TopicSessionEvent(ev.SessionID), ev); err != nil {
			slog.Warn("publish session event", "session", ev.SessionID, "error", err)
		}
	}
}

func (g *Gateway) createSession(ctx context.Context, req Request) (any, error) {
	if req.Config == nil {
		return nil, fmt.Errorf("%w: missing config", bridge.ErrInvalidConfig)
	}
	return g.bridge.CreateSession(ctx, *req.Config)
}

func (g *Gateway) optimize(ctx context.Context, req Request) (any, error) {
	return g.bridge.Optimize(ctx, req.SwarmID, req.Input)
}

// stopSession requires a swarm id. Stopping everything is stop_all.
func (g *Gateway) stopSession(ctx context.Context, req Request) (any, error) {
	if req.SwarmID == "" {
		return nil, fmt.Errorf("%w: missing swarm_id", bridge.ErrSessionNotFound)
	}
	return nil, g.bridge.StopSession(ctx, req.SwarmID)
}

func (g *Gateway) stopAll(ctx context.Context, _ Request) (any, error) {
	return nil, g.bridge.StopAllSessions(ctx)
}

func (g *Gateway) status(ctx context.Context, req Request) (any, error) {
	return g.bridge.SessionStatus(ctx, req.SwarmID)
}

func (g *Gateway) execute(ctx context.Context, req Request) (any, error) {
	if req.Command == "" {
		return nil, errors.New("missing command")
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	return g.bridge.Execute(ctx, req.Command, payload, time.Duration(req.TimeoutMs)*time.Millisecond)
}

func (g *Gateway) health(_ context.Context, _ Request) (any, error) {
	return g.bridge.Health(), nil
}

// Close stops accepting commands and waits for in-flight ones to reply.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closeLocked()
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) closeLocked() {
	for _, sub := range g.subs {
		_ = sub.Unsubscribe()
	}
	g.subs = nil
	if g.unsubscribe != nil {
		g.unsubscribe()
		g.unsubscribe = nil
	}
}
