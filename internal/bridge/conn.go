package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/swarmbridge/internal/config"
	"github.com/mtzanidakis/swarmbridge/internal/protocol"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateShuttingDown State = "shutting_down"
)

var errHeartbeatStale = errors.New("heartbeat timeout")

// BackoffDelay returns the wait before reconnect attempt n (zero based).
func BackoffDelay(base time.Duration, multiplier float64, n int) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(n))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type ConnOptions struct {
	Dialer            Dialer
	BaseDelay         time.Duration
	Multiplier        float64
	MaxAttempts       int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMultiple int
	InflightPolicy    string
}

// ConnManager owns the transport: it dials, reconnects with exponential
// backoff, routes inbound envelopes and flushes the outbound queue.
type ConnManager struct {
	opts       ConnOptions
	correlator *Correlator
	queue      *Queue
	events     *Events
	onEvent    func(*protocol.Envelope)

	mu         sync.Mutex
	state      State
	stateCh    chan struct{}
	endpoint   string
	conn       Conn
	gen        uint64
	attempts   int
	retryTimer *time.Timer
	heartbeat  *Heartbeat
	flushing   bool
	exhausted  bool
	closed     bool

	writeMu sync.Mutex
}

func NewConnManager(opts ConnOptions, correlator *Correlator, queue *Queue, events *Events) *ConnManager {
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.InflightPolicy == "" {
		opts.InflightPolicy = config.InflightFail
	}
	m := &ConnManager{
		opts:       opts,
		correlator: correlator,
		queue:      queue,
		events:     events,
		state:      StateDisconnected,
		stateCh:    make(chan struct{}),
	}
	correlator.OnAbandon(m.unqueue)
	return m
}

// unqueue drops the frame of a request that failed before it was sent, so
// it no longer holds queue capacity.
func (m *ConnManager) unqueue(id string) {
	if m.queue.Remove(id) {
		slog.Debug("dropped queued command", "id", id)
	}
}

// OnEvent sets the handler for event-kind envelopes from the engine.
func (m *ConnManager) OnEvent(fn func(*protocol.Envelope)) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

func (m *ConnManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Exhausted reports whether reconnection was abandoned.
func (m *ConnManager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// LastHeartbeat returns when a heartbeat was last received from and sent
// to the engine on the current connection.
func (m *ConnManager) LastHeartbeat() (seen, sent time.Time) {
	m.mu.Lock()
	hb := m.heartbeat
	m.mu.Unlock()
	if hb == nil {
		return time.Time{}, time.Time{}
	}
	return hb.LastSeen(), hb.LastSent()
}

func (m *ConnManager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	slog.Debug("bridge connection state", "from", m.state, "to", s)
	m.state = s
	close(m.stateCh)
	m.stateCh = make(chan struct{})
}

// Connect opens the transport to endpoint. On failure a retry is already
// scheduled when Connect returns.
func (m *ConnManager) Connect(ctx context.Context, endpoint string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrBridgeShutdown
	}
	switch m.state {
	case StateConnected, StateConnecting:
		m.mu.Unlock()
		return nil
	}
	m.endpoint = endpoint
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.exhausted = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	return m.dial(ctx)
}

func (m *ConnManager) dial(ctx context.Context) error {
	m.mu.Lock()
	endpoint := m.endpoint
	m.mu.Unlock()

	conn, err := m.opts.Dialer.Dial(ctx, endpoint)
	if err != nil {
		slog.Warn("engine connection failed", "endpoint", endpoint, "error", err)
		m.mu.Lock()
		if !m.closed && m.state == StateConnecting {
			m.scheduleLocked(err)
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransportError, err)
	}

	m.connected(conn)
	return nil
}

func (m *ConnManager) connected(conn Conn) {
	m.mu.Lock()
	if m.closed || m.state != StateConnecting {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.attempts = 0
	m.flushing = true
	hb := NewHeartbeat(m.opts.HeartbeatInterval, m.opts.HeartbeatMultiple,
		func() error { return m.sendHeartbeat(gen) },
		func() { m.dropGen(gen, errHeartbeatStale) })
	m.heartbeat = hb
	m.setStateLocked(StateConnected)
	endpoint := m.endpoint
	m.mu.Unlock()

	slog.Info("engine connected", "endpoint", endpoint)
	go m.readLoop(conn, gen)
	if m.opts.HeartbeatInterval > 0 {
		hb.Start()
	}
	m.events.Publish(Event{Type: EventConnected})
	m.flush(gen, conn)
}

// scheduleLocked arms the next reconnect attempt. A pending retry makes
// it a no-op.
func (m *ConnManager) scheduleLocked(cause error) {
	if m.retryTimer != nil {
		return
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.exhaustLocked(cause)
		return
	}
	delay := BackoffDelay(m.opts.BaseDelay, m.opts.Multiplier, m.attempts)
	m.attempts++
	attempt := m.attempts
	m.setStateLocked(StateReconnecting)
	m.retryTimer = time.AfterFunc(delay, m.retry)

	slog.Info("engine reconnect scheduled", "attempt", attempt, "delay", delay)
	go m.events.Publish(Event{Type: EventReconnecting, Error: errString(cause)})
}

func (m *ConnManager) exhaustLocked(cause error) {
	m.exhausted = true
	m.setStateLocked(StateDisconnected)
	attempts := m.attempts

	go func() {
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, cause)
		slog.Error("engine reconnect abandoned", "attempts", attempts, "error", cause)
		ready, expired := m.queue.Drain()
		for _, q := range append(ready, expired...) {
			m.correlator.Fail(q.ID, err)
		}
		m.correlator.FailAll(err)
		m.events.publishError(EventFatal, err)
	}()
}

func (m *ConnManager) retry() {
	m.mu.Lock()
	m.retryTimer = nil
	if m.closed || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	_ = m.dial(context.Background())
}

// Drop tears down the current connection and enters the reconnect path.
func (m *ConnManager) Drop(cause error) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.dropGen(gen, cause)
}

func (m *ConnManager) dropGen(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn, hb := m.conn, m.heartbeat
	m.conn = nil
	m.heartbeat = nil
	m.flushing = false
	m.gen++
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	slog.Warn("engine connection lost", "error", cause)
	if hb != nil {
		hb.Stop()
	}
	conn.Close()
	m.events.publishError(EventDisconnected, cause)

	m.handleInflight(cause)

	m.mu.Lock()
	if !m.closed && m.state == StateReconnecting {
		m.scheduleLocked(cause)
	}
	m.mu.Unlock()
}

func (m *ConnManager) handleInflight(cause error) {
	if m.opts.InflightPolicy != config.InflightRetry {
		if n := m.correlator.FailSent(fmt.Errorf("%w: %v", ErrTransportError, cause)); n > 0 {
			slog.Warn("failed in-flight commands after connection loss", "count", n)
		}
		return
	}

	inflight := m.correlator.Unsend()
	if len(inflight) == 0 {
		return
	}
	cmds := make([]QueuedCommand, 0, len(inflight))
	for _, p := range inflight {
		cmds = append(cmds, QueuedCommand{ID: p.ID, Frame: p.frame, EnqueuedAt: p.CreatedAt})
	}
	for _, q := range m.queue.Requeue(cmds) {
		m.correlator.Fail(q.ID, ErrQueueFull)
	}
	slog.Info("re-queued in-flight commands after connection loss", "count", len(cmds))
}

// Send transmits frame when connected and queues it otherwise. Write
// failures are reported through the pending request, not the return value.
func (m *ConnManager) Send(id string, frame []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrBridgeShutdown
	}
	if m.exhausted {
		m.mu.Unlock()
		return ErrReconnectExhausted
	}
	if m.state != StateConnected || m.flushing {
		err := m.queue.Enqueue(id, frame)
		m.mu.Unlock()
		if err == nil {
			slog.Debug("command queued while disconnected", "id", id)
		}
		return err
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	m.write(gen, conn, id, frame)
	return nil
}

func (m *ConnManager) write(gen uint64, conn Conn, id string, frame []byte) bool {
	m.writeMu.Lock()
	m.correlator.MarkSent(id)
	err := conn.WriteMessage(frame, time.Now().Add(m.opts.WriteTimeout))
	m.writeMu.Unlock()

	if err == nil {
		return true
	}
	slog.Warn("engine write failed", "id", id, "error", err)
	if m.opts.InflightPolicy != config.InflightRetry {
		m.correlator.Fail(id, fmt.Errorf("%w: %v", ErrWriteError, err))
		m.dropGen(gen, err)
		return false
	}

	m.dropGen(gen, err)
	// A drop of this generation that ran before MarkSent missed id.
	if m.correlator.Unmark(id) {
		slog.Debug("resending command written to a stale connection", "id", id)
		if err := m.Send(id, frame); err != nil {
			m.correlator.Fail(id, err)
		}
	}
	return false
}

// flush sends queued commands in enqueue order. Commands issued during the
// flush are queued behind it so ordering holds.
func (m *ConnManager) flush(gen uint64, conn Conn) {
	sent, dropped := 0, 0
	for {
		ready, expired := m.queue.Drain()
		for _, q := range expired {
			if m.correlator.Fail(q.ID, fmt.Errorf("%w: queued %s ago", ErrMessageExpired, time.Since(q.EnqueuedAt).Round(time.Millisecond))) {
				dropped++
			}
		}
		for i, q := range ready {
			if !m.current(gen) {
				m.requeueRest(ready[i:])
				return
			}
			if !m.correlator.Has(q.ID) {
				continue
			}
			if !m.write(gen, conn, q.ID, q.Frame) {
				m.requeueRest(ready[i+1:])
				return
			}
			sent++
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		if m.queue.Len() == 0 {
			m.flushing = false
			m.mu.Unlock()
			if sent > 0 || dropped > 0 {
				slog.Info("outbound queue flushed", "sent", sent, "expired", dropped)
			}
			return
		}
		m.mu.Unlock()
	}
}

func (m *ConnManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state == StateConnected
}

func (m *ConnManager) requeueRest(rest []QueuedCommand) {
	if len(rest) == 0 {
		return
	}
	for _, q := range m.queue.Requeue(rest) {
		m.correlator.Fail(q.ID, ErrQueueFull)
	}
}

func (m *ConnManager) sendHeartbeat(gen uint64) error {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	frame, err := protocol.Encode(protocol.NewHeartbeat(uuid.NewString()), 0)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(frame, time.Now().Add(m.opts.WriteTimeout))
	m.writeMu.Unlock()
	if err != nil {
		m.dropGen(gen, err)
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

func (m *ConnManager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.dropGen(gen, err)
			return
		}
		m.handleFrame(gen, data)
	}
}

func (m *ConnManager) handleFrame(gen uint64, data []byte) {
	res := protocol.Decode(data)
	if !res.OK() {
		slog.Warn("dropping malformed engine message", "error", res.Err, "size", len(data))
		return
	}
	env := res.Envelope

	switch env.Kind {
	case protocol.KindHeartbeat:
		m.mu.Lock()
		hb := m.heartbeat
		current := gen == m.gen
		m.mu.Unlock()
		if current && hb != nil {
			hb.Seen(time.Now())
		}
	case protocol.KindResponse:
		if !m.correlator.Resolve(env) {
			slog.Debug("discarding response for unknown request", "id", env.ID, "command", env.Command)
		}
	case protocol.KindEvent:
		m.mu.Lock()
		fn := m.onEvent
		m.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	default:
		slog.Debug("ignoring engine message", "kind", env.Kind, "id", env.ID)
	}
}

// WaitConnected blocks until the transport is connected, reconnection is
// abandoned, the manager is closed or ctx is done.
func (m *ConnManager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, ch := m.state, m.stateCh
		exhausted, closed := m.exhausted, m.closed
		m.mu.Unlock()

		switch {
		case closed:
			return ErrBridgeShutdown
		case exhausted:
			return ErrReconnectExhausted
		case state == StateConnected:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Close tears down the transport for good and discards queued frames.
func (m *ConnManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.setStateLocked(StateShuttingDown)
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	conn, hb := m.conn, m.heartbeat
	m.conn = nil
	m.heartbeat = nil
	m.gen++
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if hb != nil {
		hb.Stop()
		hb.Wait()
	}
	m.queue.Drain()

	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// Reset makes a closed or exhausted manager usable again.
func (m *ConnManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	m.exhausted = false
	m.attempts = 0
	m.flushing = false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
