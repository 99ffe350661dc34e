// Package bridge connects local callers to the optimization engine. It
// supervises the engine process, keeps a reconnecting WebSocket to it,
// correlates requests with responses and tracks the swarm sessions
// running inside the engine.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/swarmbridge/internal/config"
	"github.com/mtzanidakis/swarmbridge/internal/process"
	"github.com/mtzanidakis/swarmbridge/internal/protocol"
)

// stopTimeout bounds each stop_swarm issued during shutdown.
const stopTimeout = 5 * time.Second

type Options struct {
	Bridge     config.BridgeConfig
	Supervisor SupervisorOptions
	Launch     process.Spec
	Endpoint   string
	Launcher   process.Launcher
	Dialer     Dialer
}

// OptionsFromConfig derives bridge options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, spec process.Spec, launcher process.Launcher) Options {
	return Options{
		Bridge: cfg.Bridge,
		Supervisor: SupervisorOptions{
			ReadyMarker:  cfg.Process.ReadyMarker,
			StartTimeout: cfg.Process.StartTimeout,
			StopGrace:    cfg.Process.StopGrace,
		},
		Launch:   spec,
		Endpoint: cfg.Endpoint(),
		Launcher: launcher,
		Dialer:   WSDialer{MaxMessageSize: cfg.Bridge.MaxMessageSize},
	}
}

type Bridge struct {
	opts       Options
	events     *Events
	correlator *Correlator
	queue      *Queue
	conn       *ConnManager
	supervisor *Supervisor
	registry   *Registry

	// lifecycle serializes Initialize, Shutdown and restarts.
	lifecycle sync.Mutex

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	fatalErr    error
	restarts    int
	stopSweeper context.CancelFunc
}

func New(opts Options) *Bridge {
	b := &Bridge{
		opts:       opts,
		events:     NewEvents(),
		correlator: NewCorrelator(opts.Bridge.CommandTimeout),
		queue:      NewQueue(opts.Bridge.QueueCapacity, opts.Bridge.QueueMaxAge),
		registry:   NewRegistry(),
	}
	b.conn = NewConnManager(ConnOptions{
		Dialer:            opts.Dialer,
		BaseDelay:         opts.Bridge.ReconnectBaseDelay,
		Multiplier:        opts.Bridge.ReconnectMultiplier,
		MaxAttempts:       opts.Bridge.MaxReconnectAttempts,
		WriteTimeout:      opts.Bridge.WriteTimeout,
		HeartbeatInterval: opts.Bridge.HeartbeatInterval,
		HeartbeatMultiple: opts.Bridge.HeartbeatTimeoutMultiple,
		InflightPolicy:    opts.Bridge.InflightPolicy,
	}, b.correlator, b.queue, b.events)
	b.conn.OnEvent(b.forwardRemote)
	b.supervisor = NewSupervisor(opts.Launcher, opts.Supervisor, b.processExited)
	b.events.Subscribe(b.observe)
	return b
}

// Subscribe registers fn for bridge events and returns its unsubscribe func.
func (b *Bridge) Subscribe(fn Listener) func() {
	return b.events.Subscribe(fn)
}

// Initialize starts the engine and connects to it. It is a no-op when the
// bridge is already up, and recovers a bridge left unusable by a fatal error.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	up := b.initialized && b.fatalErr == nil
	stale := b.initialized
	b.restarts = 0
	b.mu.Unlock()

	if up {
		return nil
	}
	if stale {
		b.teardown(ctx)
		b.dropSessions()
	}
	return b.initializeLocked(ctx)
}

func (b *Bridge) initializeLocked(ctx context.Context) error {
	b.conn.Reset()

	sweepCtx, cancel := context.WithCancel(context.Background())
	go b.correlator.Run(sweepCtx)

	if err := b.supervisor.Start(ctx, b.opts.Launch); err != nil {
		cancel()
		return fmt.Errorf("start engine: %w", err)
	}
	b.events.Publish(Event{Type: EventProcessReady})

	if err := b.conn.Connect(ctx, b.opts.Endpoint); err != nil {
		waitCtx, waitCancel := context.WithTimeout(ctx, b.opts.Supervisor.StartTimeout)
		err = b.conn.WaitConnected(waitCtx)
		waitCancel()
		if err != nil {
			b.conn.Close()
			_ = b.supervisor.Stop(context.Background())
			cancel()
			return fmt.Errorf("connect engine: %w", err)
		}
	}

	b.mu.Lock()
	b.initialized = true
	b.shutdown = false
	b.fatalErr = nil
	b.stopSweeper = cancel
	b.mu.Unlock()

	slog.Info("bridge initialized", "endpoint", b.opts.Endpoint)
	return nil
}

// Shutdown stops every session, fails pending commands, closes the
// transport and stops the engine. It is a no-op when not initialized.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.shutdown = true
	b.mu.Unlock()

	slog.Info("bridge shutting down", "sessions", b.registry.Len(), "pending", b.correlator.Len())

	for _, id := range b.registry.ActiveIDs() {
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		_, err := b.request(stopCtx, protocol.CommandStopSwarm, stopRequest{SwarmID: id}, stopTimeout)
		cancel()
		if err != nil {
			slog.Warn("stop session during shutdown failed", "session", id, "error", err)
		}
		b.registry.Remove(id)
		b.events.Publish(Event{Type: EventSessionStopped, SessionID: id, Error: errString(err)})
	}

	b.teardown(ctx)
	slog.Info("bridge shut down")
	return nil
}

// teardown releases the transport and process and fails whatever is pending.
func (b *Bridge) teardown(ctx context.Context) {
	if n := b.correlator.FailAll(ErrBridgeShutdown); n > 0 {
		slog.Info("failed pending commands on shutdown", "count", n)
	}
	b.conn.Close()
	if err := b.supervisor.Stop(ctx); err != nil {
		slog.Warn("engine stop failed", "error", err)
	}

	b.mu.Lock()
	if b.stopSweeper != nil {
		b.stopSweeper()
		b.stopSweeper = nil
	}
	b.initialized = false
	b.mu.Unlock()
}

func (b *Bridge) observe(ev Event) {
	if ev.Type != EventFatal {
		return
	}

	b.mu.Lock()
	if !b.initialized || b.shutdown {
		b.mu.Unlock()
		return
	}
	b.fatalErr = fmt.Errorf("%w: %s", ErrReconnectExhausted, ev.Error)
	restart := b.restarts < b.opts.Bridge.MaxRestarts
	if restart {
		b.restarts++
	}
	attempt := b.restarts
	b.mu.Unlock()

	if restart {
		go b.reset(attempt)
	}
}

// reset replaces a failed engine with a fresh one.
func (b *Bridge) reset(attempt int) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	failed := b.initialized && b.fatalErr != nil && !b.shutdown
	b.mu.Unlock()
	if !failed {
		return
	}

	slog.Warn("restarting engine after fatal error", "attempt", attempt, "max", b.opts.Bridge.MaxRestarts)
	b.events.Publish(Event{Type: EventRestarting})

	ctx := context.Background()
	b.teardown(ctx)
	b.dropSessions()

	if err := b.initializeLocked(ctx); err != nil {
		slog.Error("engine restart failed", "attempt", attempt, "error", err)
		b.events.publishError(EventFatal, err)
	}
}

// dropSessions forgets the sessions of an engine that is gone. Sessions do
// not survive a new process.
func (b *Bridge) dropSessions() {
	lost := b.registry.Clear()
	if len(lost) == 0 {
		return
	}
	slog.Warn("swarm sessions lost with engine process", "count", len(lost))
	data, _ := json.Marshal(lost)
	b.events.Publish(Event{Type: EventSessionsLost, Data: data})
}

func (b *Bridge) processExited(err error) {
	b.events.publishError(EventProcessExited, err)
	b.conn.Drop(fmt.Errorf("%w: %v", ErrProcessNotRunning, err))
}

func (b *Bridge) forwardRemote(env *protocol.Envelope) {
	var ref struct {
		SwarmID string `json:"swarm_id"`
	}
	_ = json.Unmarshal(env.Data, &ref)
	b.events.Publish(Event{Type: EventRemote, Remote: env.Verb(), SessionID: ref.SwarmID, Data: env.Data})
}

func (b *Bridge) ready() error {
	b.mu.Lock()
	shutdown, initialized, fatalErr := b.shutdown, b.initialized, b.fatalErr
	b.mu.Unlock()

	switch {
	case shutdown:
		return ErrBridgeShutdown
	case !initialized:
		return ErrBridgeNotInitialized
	case fatalErr != nil:
		return fatalErr
	}
	if !b.supervisor.Running() {
		return ErrProcessNotRunning
	}
	return nil
}

// Execute sends an arbitrary command and waits for its response. A zero
// timeout selects the configured default.
func (b *Bridge) Execute(ctx context.Context, command string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	return b.request(ctx, command, payload, timeout)
}

func (b *Bridge) request(ctx context.Context, command string, payload any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	env, err := protocol.NewRequest(id, command, payload)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Encode(env, b.opts.Bridge.MaxMessageSize)
	if err != nil {
		return nil, err
	}

	p, err := b.correlator.Register(id, command, frame, timeout)
	if err != nil {
		return nil, err
	}
	if err := b.conn.Send(id, frame); err != nil {
		b.correlator.Fail(id, err)
		return nil, fmt.Errorf("send %s: %w", command, err)
	}
	return p.Wait(ctx)
}

// CreateSession starts a swarm in the engine and registers it as active.
func (b *Bridge) CreateSession(ctx context.Context, cfg SwarmConfig) (*Session, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	data, err := b.Execute(ctx, protocol.CommandStartSwarm, cfg, 0)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	id := cfg.ID
	if id == "" {
		id = sessionID(data)
	}
	if id == "" {
		return nil, errors.New("create session: engine returned no swarm id")
	}
	cfg.ID = id

	s := b.registry.Add(id, cfg)
	slog.Info("swarm session created", "session", id, "algorithm", cfg.Algorithm, "population", cfg.PopulationSize)

	raw, _ := json.Marshal(cfg)
	b.events.Publish(Event{Type: EventSessionCreated, SessionID: id, Data: raw})
	cp := *s
	return &cp, nil
}

type optimizeRequest struct {
	SwarmID string `json:"swarm_id"`
	Input   any    `json:"input"`
}

type stopRequest struct {
	SwarmID string `json:"swarm_id"`
}

// Optimize runs one optimization round on an active session and returns
// the engine's result unmodified.
func (b *Bridge) Optimize(ctx context.Context, id string, input any) (json.RawMessage, error) {
	if !b.registry.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	data, err := b.Execute(ctx, protocol.CommandOptimizeSwarm, optimizeRequest{SwarmID: id, Input: input}, 0)
	if err != nil {
		return nil, fmt.Errorf("optimize %s: %w", id, err)
	}
	b.registry.Touch(id)
	return data, nil
}

func (b *Bridge) SessionStatus(ctx context.Context, id string) (json.RawMessage, error) {
	if !b.registry.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	data, err := b.Execute(ctx, protocol.CommandSwarmStatus, stopRequest{SwarmID: id}, 0)
	if err != nil {
		return nil, fmt.Errorf("session status %s: %w", id, err)
	}
	return data, nil
}

// StopSession stops one session. An empty id stops every active session.
func (b *Bridge) StopSession(ctx context.Context, id string) error {
	if id == "" {
		return b.StopAllSessions(ctx)
	}
	if !b.registry.Has(id) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if _, err := b.Execute(ctx, protocol.CommandStopSwarm, stopRequest{SwarmID: id}, 0); err != nil {
		return fmt.Errorf("stop session %s: %w", id, err)
	}
	b.registry.Remove(id)
	slog.Info("swarm session stopped", "session", id)
	b.events.Publish(Event{Type: EventSessionStopped, SessionID: id})
	return nil
}

// StopAllSessions stops every active session, continuing past failures,
// and clears the registry.
func (b *Bridge) StopAllSessions(ctx context.Context) error {
	var errs []error
	for _, id := range b.registry.ActiveIDs() {
		_, err := b.Execute(ctx, protocol.CommandStopSwarm, stopRequest{SwarmID: id}, 0)
		if err != nil {
			slog.Warn("stop session failed", "session", id, "error", err)
			errs = append(errs, fmt.Errorf("stop session %s: %w", id, err))
		}
		b.events.Publish(Event{Type: EventSessionStopped, SessionID: id, Error: errString(err)})
	}
	b.registry.Clear()
	return errors.Join(errs...)
}

func (b *Bridge) ExecuteCode(ctx context.Context, code string) (json.RawMessage, error) {
	return b.Execute(ctx, protocol.CommandExecuteCode, map[string]string{"code": code}, 0)
}

// Sessions returns the active sessions, oldest first.
func (b *Bridge) Sessions() []Session {
	return b.registry.List()
}

// Session returns the active session id, or nil.
func (b *Bridge) Session(id string) *Session {
	return b.registry.Get(id)
}
