package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/swarmbridge/internal/config"
	"github.com/mtzanidakis/swarmbridge/internal/process"
	"github.com/mtzanidakis/swarmbridge/internal/protocol"
)

// reply is what the engine double sends back for a request. A nil reply
// leaves the request unanswered.
type reply struct {
	env   *protocol.Envelope
	delay time.Duration
}

type engineConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *engineConn) write(env *protocol.Envelope) {
	data, _ := json.Marshal(env)
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

// fakeEngine is a WebSocket engine double served by httptest.
type fakeEngine struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	conns      []*engineConn
	received   []protocol.Envelope
	handler    func(env *protocol.Envelope, conn int) *reply
	refuse     bool
	heartbeats bool
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{t: t, handler: defaultEngineHandler, heartbeats: true}
	e.srv = httptest.NewServer(http.HandlerFunc(e.serve))
	t.Cleanup(func() {
		e.dropAll()
		e.srv.Close()
	})
	return e
}

func (e *fakeEngine) endpoint() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func (e *fakeEngine) serve(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	refuse := e.refuse
	e.mu.Unlock()
	if refuse {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &engineConn{ws: ws}

	e.mu.Lock()
	e.conns = append(e.conns, c)
	idx := len(e.conns)
	e.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		e.mu.Lock()
		hb := e.heartbeats
		handler := e.handler
		if env.Kind != protocol.KindHeartbeat {
			e.received = append(e.received, env)
		}
		e.mu.Unlock()

		if env.Kind == protocol.KindHeartbeat {
			if hb {
				c.write(protocol.NewHeartbeat(env.ID))
			}
			continue
		}

		rep := handler(&env, idx)
		if rep == nil {
			continue
		}
		if rep.delay > 0 {
			go func() {
				time.Sleep(rep.delay)
				c.write(rep.env)
			}()
			continue
		}
		c.write(rep.env)
	}
}

func (e *fakeEngine) setHandler(fn func(env *protocol.Envelope, conn int) *reply) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = fn
}

func (e *fakeEngine) setRefuse(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refuse = v
}

func (e *fakeEngine) setHeartbeats(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heartbeats = v
}

// push sends an unsolicited envelope on the newest connection.
func (e *fakeEngine) push(env *protocol.Envelope) {
	e.mu.Lock()
	c := e.conns[len(e.conns)-1]
	e.mu.Unlock()
	c.write(env)
}

func (e *fakeEngine) dropAll() {
	e.mu.Lock()
	conns := e.conns
	e.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (e *fakeEngine) connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (e *fakeEngine) commands(command string) []protocol.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range e.received {
		if env.Command == command {
			out = append(out, env)
		}
	}
	return out
}

func respond(env *protocol.Envelope, data any) *reply {
	raw, _ := json.Marshal(data)
	return &reply{env: &protocol.Envelope{
		ID:       env.ID,
		Kind:     protocol.KindResponse,
		Command:  env.Command,
		Data:     raw,
		Metadata: &protocol.Metadata{ElapsedMs: 1.5, WorkerID: "1"},
	}}
}

func respondError(env *protocol.Envelope, code, msg string) *reply {
	return &reply{env: &protocol.Envelope{
		ID:      env.ID,
		Kind:    protocol.KindResponse,
		Command: env.Command,
		Error:   &protocol.ErrorDetail{Code: code, Message: msg},
	}}
}

func defaultEngineHandler(env *protocol.Envelope, _ int) *reply {
	var req map[string]any
	_ = json.Unmarshal(env.Data, &req)

	switch env.Command {
	case protocol.CommandStartSwarm:
		id, _ := req["id"].(string)
		if id == "" {
			id = "swarm-1"
		}
		return respond(env, map[string]any{"swarm_id": id, "status": "active"})
	case protocol.CommandOptimizeSwarm:
		return respond(env, map[string]any{
			"BTC": map[string]any{"weight": 0.6, "fitness": 1.2},
			"ETH": map[string]any{"weight": 0.4, "fitness": 0.9},
		})
	case protocol.CommandStopSwarm:
		return respond(env, map[string]any{"stopped": req["swarm_id"]})
	case protocol.CommandSwarmStatus:
		return respond(env, map[string]any{"swarm_id": req["swarm_id"], "iteration": 7})
	case protocol.CommandExecuteCode:
		return respond(env, map[string]any{"result": req["code"]})
	}
	return respondError(env, "unknown_command", env.Command)
}

// fakeLauncher stands in for the engine process.
type fakeLauncher struct {
	ready bool

	mu       sync.Mutex
	launches int
	handles  []*fakeHandle
}

func (l *fakeLauncher) Launch(ctx context.Context, spec process.Spec) (process.Handle, error) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	h := &fakeHandle{stdout: stdoutR, stderr: stderrR, stdoutW: stdoutW, stderrW: stderrW, done: make(chan struct{})}

	l.mu.Lock()
	l.launches++
	l.handles = append(l.handles, h)
	ready := l.ready
	l.mu.Unlock()

	go func() {
		io.WriteString(stdoutW, "loading packages\n")
		if ready {
			io.WriteString(stdoutW, "engine listening SWARMBRIDGE_READY\n")
		}
	}()
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[len(l.handles)-1]
}

type fakeHandle struct {
	stdout, stderr   io.Reader
	stdoutW, stderrW *io.PipeWriter

	mu         sync.Mutex
	done       chan struct{}
	terminated bool
	err        error
}

func (h *fakeHandle) ID() string        { return "fake" }
func (h *fakeHandle) Stdout() io.Reader { return h.stdout }
func (h *fakeHandle) Stderr() io.Reader { return h.stderr }

func (h *fakeHandle) Wait() error {
	<-h.done
	return h.err
}

// exit ends the fake process with err.
func (h *fakeHandle) exit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.err = err
	h.stdoutW.Close()
	h.stderrW.Close()
	close(h.done)
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	h.exit(errors.New("signal: terminated"))
	return nil
}

func (h *fakeHandle) Kill() error {
	h.exit(errors.New("signal: killed"))
	return nil
}

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func testBridgeConfig() config.BridgeConfig {
	return config.BridgeConfig{
		CommandTimeout:           2 * time.Second,
		QueueCapacity:            10,
		QueueMaxAge:              5 * time.Second,
		HeartbeatTimeoutMultiple: 3,
		ReconnectBaseDelay:       10 * time.Millisecond,
		ReconnectMultiplier:      1,
		MaxReconnectAttempts:     300,
		WriteTimeout:             time.Second,
		InflightPolicy:           config.InflightFail,
		DegradedPendingThreshold: 100,
		MaxMessageSize:           1 << 20,
	}
}

func newTestBridge(t *testing.T, engine *fakeEngine, mutate func(*config.BridgeConfig)) (*Bridge, *fakeLauncher) {
	t.Helper()
	cfg := testBridgeConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	launcher := &fakeLauncher{ready: true}
	b := New(Options{
		Bridge: cfg,
		Supervisor: SupervisorOptions{
			ReadyMarker:  "SWARMBRIDGE_READY",
			StartTimeout: 2 * time.Second,
			StopGrace:    100 * time.Millisecond,
		},
		Launch:   process.Spec{Executable: "julia", Script: "engine.jl", Port: 8052},
		Endpoint: engine.endpoint(),
		Launcher: launcher,
		Dialer:   WSDialer{},
	})
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b, launcher
}

// eventRecorder collects bridge events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(b *Bridge) *eventRecorder {
	r := &eventRecorder{}
	b.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *eventRecorder) find(typ string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ {
			ev := ev
			return &ev
		}
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
