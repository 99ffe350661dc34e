package bridge

import "time"

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type Health struct {
	Status              string     `json:"status"`
	ProcessRunning      bool       `json:"process_running"`
	Initialized         bool       `json:"initialized"`
	ConnectionState     State      `json:"connection_state"`
	PendingCommandCount int        `json:"pending_command_count"`
	ActiveSessionCount  int        `json:"active_session_count"`
	ReconnectAttempts   int        `json:"reconnect_attempts"`
	LastHeartbeat       *time.Time `json:"last_heartbeat,omitempty"`
	LastHeartbeatSent   *time.Time `json:"last_heartbeat_sent,omitempty"`
}

func (b *Bridge) Health() Health {
	b.mu.Lock()
	initialized := b.initialized && b.fatalErr == nil
	b.mu.Unlock()

	h := Health{
		ProcessRunning:      b.supervisor.Running(),
		Initialized:         initialized,
		ConnectionState:     b.conn.State(),
		PendingCommandCount: b.correlator.Len(),
		ActiveSessionCount:  b.registry.Len(),
		ReconnectAttempts:   b.conn.Attempts(),
	}
	seen, sent := b.conn.LastHeartbeat()
	if !seen.IsZero() {
		h.LastHeartbeat = &seen
	}
	if !sent.IsZero() {
		h.LastHeartbeatSent = &sent
	}
	h.Status = healthStatus(h, b.opts.Bridge.DegradedPendingThreshold)
	return h
}

func healthStatus(h Health, pendingThreshold int) string {
	switch {
	case !h.ProcessRunning || !h.Initialized:
		return StatusUnhealthy
	case h.ReconnectAttempts > 0 || h.PendingCommandCount > pendingThreshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
