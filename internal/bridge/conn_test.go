package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/swarmbridge/internal/config"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, 3200 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := BackoffDelay(100*time.Millisecond, 2, tt.n); got != tt.want {
			t.Errorf("BackoffDelay(n=%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if got := BackoffDelay(time.Second, 1.5, 2); got != 2250*time.Millisecond {
		t.Errorf("fractional multiplier: %v", got)
	}
}

type failingDialer struct{ calls int }

func (d *failingDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.calls++
	return nil, errors.New("connection refused")
}

func TestConnManagerScheduleIsSerialized(t *testing.T) {
	events := NewEvents()
	m := NewConnManager(ConnOptions{
		Dialer:      &failingDialer{},
		BaseDelay:   time.Hour,
		Multiplier:  2,
		MaxAttempts: 5,
	}, NewCorrelator(time.Second), NewQueue(10, time.Minute), events)
	defer m.Close()

	err := m.Connect(context.Background(), "ws://127.0.0.1:1/ws")
	if !errors.Is(err, ErrTransportError) {
		t.Fatalf("got %v, want ErrTransportError", err)
	}
	if m.State() != StateReconnecting || m.Attempts() != 1 {
		t.Fatalf("state=%s attempts=%d", m.State(), m.Attempts())
	}

	// A second reconnect request while one is pending does nothing.
	m.mu.Lock()
	m.scheduleLocked(errors.New("again"))
	m.mu.Unlock()
	if m.Attempts() != 1 {
		t.Errorf("attempts = %d after duplicate schedule, want 1", m.Attempts())
	}
}

func TestConnManagerSendQueuesWhileDisconnected(t *testing.T) {
	q := NewQueue(1, time.Minute)
	m := NewConnManager(ConnOptions{Dialer: &failingDialer{}, MaxAttempts: 1}, NewCorrelator(time.Second), q, NewEvents())

	if err := m.Send("a", []byte("a")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d", q.Len())
	}
	if err := m.Send("b", []byte("b")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}

	m.Close()
	if err := m.Send("c", nil); !errors.Is(err, ErrBridgeShutdown) {
		t.Fatalf("after close: got %v, want ErrBridgeShutdown", err)
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained on close")
	}
}

func TestConnManagerWaitConnectedExhausted(t *testing.T) {
	c := NewCorrelator(time.Second)
	m := NewConnManager(ConnOptions{
		Dialer:      &failingDialer{},
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 2,
	}, c, NewQueue(10, time.Minute), NewEvents())
	defer m.Close()

	p, _ := c.Register("queued", "x", []byte("{}"), 0)
	_ = m.Connect(context.Background(), "ws://127.0.0.1:1/ws")
	_ = m.Send("queued", []byte("{}"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitConnected(ctx); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("got %v, want ErrReconnectExhausted", err)
	}
	if _, err := p.Wait(ctx); !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("queued command: got %v, want ErrReconnectExhausted", err)
	}
}

// stallingConn never completes a write before its deadline.
type stallingConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *stallingConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, errors.New("closed")
}

func (c *stallingConn) WriteMessage(_ []byte, deadline time.Time) error {
	select {
	case <-time.After(time.Until(deadline)):
		return errors.New("i/o timeout")
	case <-c.closed:
		return errors.New("closed")
	}
}

func (c *stallingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type onceDialer struct {
	mu   sync.Mutex
	conn Conn
}

func (d *onceDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, errors.New("connection refused")
	}
	c := d.conn
	d.conn = nil
	return c, nil
}

func TestConnManagerWriteTimeoutReconnects(t *testing.T) {
	c := NewCorrelator(time.Second)
	q := NewQueue(10, time.Minute)
	m := NewConnManager(ConnOptions{
		Dialer:       &onceDialer{conn: &stallingConn{closed: make(chan struct{})}},
		BaseDelay:    time.Hour,
		Multiplier:   2,
		MaxAttempts:  3,
		WriteTimeout: 20 * time.Millisecond,
	}, c, q, NewEvents())
	defer m.Close()

	if err := m.Connect(context.Background(), "ws://127.0.0.1:1/ws"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	p, _ := c.Register("slow", "x", []byte("{}"), 0)
	started := time.Now()
	if err := m.Send("slow", []byte("{}")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if elapsed := time.Since(started); elapsed < 20*time.Millisecond {
		t.Errorf("send returned after %v, expected it to wait for the write deadline", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, ErrWriteError) {
		t.Fatalf("got %v, want ErrWriteError", err)
	}
	if m.State() != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", m.State())
	}

	// Later commands are buffered only by the outbound queue.
	if err := m.Send("next", []byte("{}")); err != nil {
		t.Fatalf("send while reconnecting: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("queue len = %d, want 1", q.Len())
	}
}

func TestConnManagerDropsAbandonedQueuedCommands(t *testing.T) {
	c := NewCorrelator(time.Second)
	q := NewQueue(2, time.Minute)
	m := NewConnManager(ConnOptions{Dialer: &failingDialer{}, BaseDelay: time.Hour, MaxAttempts: 3}, c, q, NewEvents())
	defer m.Close()

	for _, id := range []string{"cancelled", "timed-out"} {
		if _, err := c.Register(id, "x", []byte("{}"), time.Minute); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if err := m.Send(id, []byte("{}")); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}
	if err := m.Send("extra", []byte("{}")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}

	c.Fail("cancelled", context.Canceled)
	if q.Len() != 1 {
		t.Fatalf("queue len = %d after cancel, want 1", q.Len())
	}
	c.expire(time.Now().Add(time.Hour))
	if q.Len() != 0 {
		t.Fatalf("queue len = %d after timeout, want 0", q.Len())
	}

	if err := m.Send("extra", []byte("{}")); err != nil {
		t.Fatalf("send after release: %v", err)
	}
}

func TestConnManagerWriteOnDroppedConnection(t *testing.T) {
	tests := []struct {
		policy    string
		wantQueue int
	}{
		{config.InflightRetry, 1},
		{config.InflightFail, 0},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			c := NewCorrelator(time.Second)
			q := NewQueue(10, time.Minute)
			conn := &stallingConn{closed: make(chan struct{})}
			m := NewConnManager(ConnOptions{
				Dialer:         &onceDialer{conn: conn},
				BaseDelay:      time.Hour,
				Multiplier:     2,
				MaxAttempts:    3,
				WriteTimeout:   time.Second,
				InflightPolicy: tt.policy,
			}, c, q, NewEvents())
			defer m.Close()

			if err := m.Connect(context.Background(), "ws://127.0.0.1:1/ws"); err != nil {
				t.Fatalf("connect: %v", err)
			}
			m.mu.Lock()
			gen := m.gen
			m.mu.Unlock()

			p, _ := c.Register("late", "x", []byte("{}"), 0)

			// The connection goes away between the state check and the write.
			m.Drop(errors.New("engine gone"))
			if m.write(gen, conn, "late", []byte("{}")) {
				t.Fatal("write on a dropped connection succeeded")
			}

			if q.Len() != tt.wantQueue {
				t.Fatalf("queue len = %d, want %d", q.Len(), tt.wantQueue)
			}
			if tt.policy == config.InflightFail {
				if _, err := p.Wait(context.Background()); !errors.Is(err, ErrWriteError) {
					t.Fatalf("got %v, want ErrWriteError", err)
				}
				return
			}
			if !c.Has("late") {
				t.Fatal("command resolved instead of being resent")
			}
			if n := len(c.Unsend()); n != 0 {
				t.Errorf("%d commands still marked sent", n)
			}
		})
	}
}

// countingConn accepts every write until closed.
type countingConn struct {
	stallingConn
	writes atomic.Int32
}

func (c *countingConn) WriteMessage(_ []byte, _ time.Time) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.writes.Add(1)
	return nil
}

func TestConnManagerCloseStopsHeartbeat(t *testing.T) {
	conn := &countingConn{stallingConn: stallingConn{closed: make(chan struct{})}}
	m := NewConnManager(ConnOptions{
		Dialer:            &onceDialer{conn: conn},
		BaseDelay:         time.Hour,
		MaxAttempts:       3,
		WriteTimeout:      time.Second,
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatMultiple: 1000,
	}, NewCorrelator(time.Second), NewQueue(10, time.Minute), NewEvents())

	if err := m.Connect(context.Background(), "ws://127.0.0.1:1/ws"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "heartbeats", func() bool { return conn.writes.Load() >= 2 })
	if _, sent := m.LastHeartbeat(); sent.IsZero() {
		t.Error("last sent heartbeat not reported")
	}

	m.Close()
	n := conn.writes.Load()
	time.Sleep(30 * time.Millisecond)
	if got := conn.writes.Load(); got != n {
		t.Errorf("%d heartbeats written after close", got-n)
	}
}
