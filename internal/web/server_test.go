package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/swarmbridge/internal/bridge"
	"github.com/mtzanidakis/swarmbridge/internal/config"
	"github.com/mtzanidakis/swarmbridge/internal/scheduler"
	"github.com/mtzanidakis/swarmbridge/internal/store"
	"github.com/mtzanidakis/swarmbridge/internal/vault"
)

type fakeBridge struct {
	mu        sync.Mutex
	sessions  map[string]*bridge.Session
	health    bridge.Health
	listeners []bridge.Listener
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		sessions: make(map[string]*bridge.Session),
		health:   bridge.Health{Status: bridge.StatusHealthy, Initialized: true, ProcessRunning: true, ConnectionState: "connected"},
	}
}

func (f *fakeBridge) CreateSession(_ context.Context, cfg bridge.SwarmConfig) (*bridge.Session, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	id := cfg.ID
	if id == "" {
		id = "generated"
	}
	s := &bridge.Session{ID: id, Config: cfg, State: bridge.SessionActive, CreatedAt: time.Now()}
	f.mu.Lock()
	f.sessions[id] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeBridge) Optimize(_ context.Context, id string, input any) (json.RawMessage, error) {
	if f.Session(id) == nil {
		return nil, fmt.Errorf("optimize %s: %w", id, bridge.ErrSessionNotFound)
	}
	if raw, ok := input.(json.RawMessage); ok && strings.Contains(string(raw), "explode") {
		return nil, &bridge.RemoteError{Command: "optimize_swarm", Code: "objective", Message: "objective failed", Details: json.RawMessage(`{"line":3}`)}
	}
	return json.RawMessage(`{"best":[1,2]}`), nil
}

func (f *fakeBridge) SessionStatus(_ context.Context, id string) (json.RawMessage, error) {
	if f.Session(id) == nil {
		return nil, bridge.ErrSessionNotFound
	}
	return json.RawMessage(`{"iteration":7}`), nil
}

func (f *fakeBridge) StopSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return bridge.ErrSessionNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeBridge) StopAllSessions(_ context.Context) error {
	f.mu.Lock()
	f.sessions = make(map[string]*bridge.Session)
	f.mu.Unlock()
	return nil
}

func (f *fakeBridge) Execute(_ context.Context, command string, _ any, _ time.Duration) (json.RawMessage, error) {
	if command == "slow" {
		return nil, fmt.Errorf("%w: slow after 1s", bridge.ErrCommandTimeout)
	}
	return json.RawMessage(`{"echo":"` + command + `"}`), nil
}

func (f *fakeBridge) Health() bridge.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeBridge) Sessions() []bridge.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bridge.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	return out
}

func (f *fakeBridge) Session(id string) *bridge.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (f *fakeBridge) Subscribe(fn bridge.Listener) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeBridge) publish(ev bridge.Event) {
	f.mu.Lock()
	ls := append([]bridge.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

type fakeScheduler struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeScheduler) Jobs() []scheduler.Job {
	return []scheduler.Job{{Name: "status", Command: "get_swarm_status", Schedule: "Every minute"}}
}

func (f *fakeScheduler) RunNow(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, name)
	return nil
}

func (f *fakeScheduler) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ran)
}

type testEnv struct {
	bridge *fakeBridge
	store  *store.Store
	sched  *fakeScheduler
	server *Server
	url    string
}

func newTestEnv(t *testing.T, auth string) *testEnv {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "web.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fb := newFakeBridge()
	sched := &fakeScheduler{}
	srv := NewServer(fb, st, sched, nil, vault.New("test"), config.WebConfig{Auth: auth}, "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{bridge: fb, store: st, sched: sched, server: srv, url: ts.URL}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.url+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if e.server.cfg.Auth != "" {
		req.SetBasicAuth("admin", e.server.cfg.Auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.do(t, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var h bridge.Health
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != bridge.StatusHealthy {
		t.Errorf("status = %s", h.Status)
	}

	env.bridge.mu.Lock()
	env.bridge.health = bridge.Health{Status: bridge.StatusUnhealthy}
	env.bridge.mu.Unlock()
	resp, _ = env.do(t, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when unhealthy, got %d", resp.StatusCode)
	}
}

func TestSwarmEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.do(t, "POST", "/api/swarms", map[string]any{
		"id": "alpha", "algorithm": "grey_wolf", "population_size": 12,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var sess bridge.Session
	json.Unmarshal(body, &sess)
	if sess.ID != "alpha" || sess.Config.Algorithm != "gwo" {
		t.Errorf("session = %+v", sess)
	}

	resp, body = env.do(t, "POST", "/api/swarms", map[string]any{"algorithm": "pso"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid config: expected 400, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	json.Unmarshal(body, &errBody)
	if errBody["code"] != "invalid_config" {
		t.Errorf("error code = %v", errBody["code"])
	}

	resp, body = env.do(t, "GET", "/api/swarms", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	var list struct {
		Active  []bridge.Session    `json:"active"`
		History []store.SwarmRecord `json:"history"`
	}
	json.Unmarshal(body, &list)
	if len(list.Active) != 1 || list.History == nil {
		t.Errorf("list = %+v", list)
	}

	resp, body = env.do(t, "GET", "/api/swarms/alpha", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"active":true`) {
		t.Errorf("get: %d %s", resp.StatusCode, body)
	}
	resp, _ = env.do(t, "GET", "/api/swarms/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get missing: expected 404, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, "GET", "/api/swarms/alpha/status", nil)
	if resp.StatusCode != http.StatusOK || string(body) != `{"iteration":7}` {
		t.Errorf("status: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, "POST", "/api/swarms/alpha/optimize", `{"objective":"sharpe"}`)
	if resp.StatusCode != http.StatusOK || string(body) != `{"best":[1,2]}` {
		t.Errorf("optimize: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, "POST", "/api/swarms/alpha/optimize", `{"objective":"explode"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("remote error: expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"details":{"line":3}`) {
		t.Errorf("remote error body %s", body)
	}

	resp, _ = env.do(t, "POST", "/api/swarms/alpha/optimize", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad input: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "POST", "/api/swarms/ghost/optimize", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "DELETE", "/api/swarms/alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, "DELETE", "/api/swarms/alpha", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "DELETE", "/api/swarms", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop all: %d", resp.StatusCode)
	}
}

func TestExecuteEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.do(t, "POST", "/api/execute", map[string]any{"command": "ping"})
	if resp.StatusCode != http.StatusOK || string(body) != `{"echo":"ping"}` {
		t.Errorf("execute: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, "POST", "/api/execute", map[string]any{"command": "slow"})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("timeout: expected 504, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"retryable":true`) {
		t.Errorf("timeout body %s", body)
	}

	resp, _ = env.do(t, "POST", "/api/execute", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing command: expected 400, got %d", resp.StatusCode)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.do(t, "GET", "/api/schedules", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"name":"status"`) {
		t.Errorf("list: %d %s", resp.StatusCode, body)
	}

	resp, _ = env.do(t, "POST", "/api/schedules/status/run", nil)
	if resp.StatusCode != http.StatusOK || env.sched.runs() != 1 {
		t.Errorf("run: %d %d", resp.StatusCode, env.sched.runs())
	}
	resp, _ = env.do(t, "POST", "/api/schedules/nope/run", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("run unknown: expected 404, got %d", resp.StatusCode)
	}

	_ = env.store.RecordScheduleRun(&store.ScheduleRun{Name: "status", Command: "get_swarm_status", Status: "ok", StartedAt: time.Now()})
	resp, body = env.do(t, "GET", "/api/schedules/status/runs?limit=5", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"command":"get_swarm_status"`) {
		t.Errorf("runs: %d %s", resp.StatusCode, body)
	}
}

func TestSecretEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.do(t, "POST", "/api/secrets", map[string]string{"name": "rpc", "value": "k1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(body, &created)

	resp, _ = env.do(t, "POST", "/api/secrets", map[string]string{"name": "rpc", "value": "k2"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, "GET", "/api/secrets", nil)
	if resp.StatusCode != http.StatusOK || strings.Contains(string(body), "k1") {
		t.Errorf("list leaked value or failed: %d %s", resp.StatusCode, body)
	}

	resp, _ = env.do(t, "PUT", "/api/secrets/"+created.ID, map[string]string{"value": "k3"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("update: %d", resp.StatusCode)
	}
	resolved, err := env.server.vault.ResolveEnv(env.store, map[string]string{"RPC": "secret:rpc"})
	if err != nil || resolved["RPC"] != "k3" {
		t.Errorf("resolved = %v, %v", resolved, err)
	}

	resp, _ = env.do(t, "DELETE", "/api/secrets/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, "hunter2")

	resp, err := http.Get(env.url + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with basic auth, got %d", resp.StatusCode)
	}

	resp, err = http.Post(env.url+"/api/login", "application/json", strings.NewReader(`{"password":"wrong"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login: expected 401, got %d", resp.StatusCode)
	}

	resp, err = http.Post(env.url+"/api/login", "application/json", strings.NewReader(`{"password":"hunter2"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("expected session cookie")
	}

	req, _ := http.NewRequest("GET", env.url+"/api/swarms", nil)
	req.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with cookie: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with session cookie, got %d", resp.StatusCode)
	}
}

func TestWebSocketEvents(t *testing.T) {
	env := newTestEnv(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.server.hub.Run(ctx)
	unsubscribe := env.server.subscribeEvents()
	defer unsubscribe()

	wsURL := "ws" + strings.TrimPrefix(env.url, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.server.hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	env.bridge.publish(bridge.Event{Type: bridge.EventSessionCreated, SessionID: "alpha"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type    string       `json:"type"`
		Payload bridge.Event `json:"payload"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != bridge.EventSessionCreated || ev.Payload.SessionID != "alpha" {
		t.Errorf("event = %+v", ev)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Minute, "5m"},
		{2*time.Hour + 3*time.Minute, "2h 3m"},
		{50 * time.Hour, "2d 2h 0m"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
