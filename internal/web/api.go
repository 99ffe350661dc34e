package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/swarmbridge/internal/bridge"
	"github.com/mtzanidakis/swarmbridge/internal/store"
)

const maxBodySize = 10 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Bridge
	mux.HandleFunc("GET /api/health", s.getHealth)
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("POST /api/execute", s.execute)

	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("DELETE /api/swarms", s.stopAllSwarms)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("GET /api/swarms/{id}/status", s.getSwarmStatus)
	mux.HandleFunc("POST /api/swarms/{id}/optimize", s.optimizeSwarm)
	mux.HandleFunc("DELETE /api/swarms/{id}", s.stopSwarm)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules/{name}/run", s.runSchedule)
	mux.HandleFunc("GET /api/schedules/{name}/runs", s.listScheduleRuns)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("PUT /api/secrets/{id}", s.updateSecret)
	mux.HandleFunc("DELETE /api/secrets/{id}", s.deleteSecret)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	h := s.bridge.Health()
	if h.Status == bridge.StatusUnhealthy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(h)
		return
	}
	jsonResponse(w, h)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	h := s.bridge.Health()
	status := map[string]any{
		"status":          h.Status,
		"version":         s.version,
		"uptime":          formatUptime(time.Since(s.startedAt)),
		"active_sessions": h.ActiveSessionCount,
		"pending":         h.PendingCommandCount,
		"connection":      h.ConnectionState,
		"ws_clients":      s.hub.Len(),
		"nats":            s.nats != nil,
		"timestamp":       time.Now().UTC(),
	}
	if s.sched != nil {
		status["schedules"] = len(s.sched.Jobs())
	}
	jsonResponse(w, status)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command   string          `json:"command"`
		Payload   json.RawMessage `json:"payload"`
		TimeoutMs int64           `json:"timeout_ms"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Command == "" {
		jsonError(w, "command is required", http.StatusBadRequest)
		return
	}
	var payload any
	if len(body.Payload) > 0 {
		payload = body.Payload
	}
	data, err := s.bridge.Execute(r.Context(), body.Command, payload, time.Duration(body.TimeoutMs)*time.Millisecond)
	if err != nil {
		bridgeError(w, err)
		return
	}
	rawResponse(w, http.StatusOK, data)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	active := s.bridge.Sessions()
	if active == nil {
		active = []bridge.Session{}
	}
	out := map[string]any{"active": active}

	if s.store != nil {
		history, err := s.store.ListSwarms(r.URL.Query().Get("status"))
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if history == nil {
			history = []store.SwarmRecord{}
		}
		out["history"] = history
	}
	jsonResponse(w, out)
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var cfg bridge.SwarmConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	sess, err := s.bridge.CreateSession(r.Context(), cfg)
	if err != nil {
		bridgeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out := map[string]any{"id": id}

	sess := s.bridge.Session(id)
	if sess != nil {
		out["session"] = sess
	}
	if s.store != nil {
		rec, err := s.store.GetSwarm(id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rec != nil {
			out["history"] = rec
		}
	}
	if len(out) == 1 {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}
	out["active"] = sess != nil
	jsonResponse(w, out)
}

func (s *Server) getSwarmStatus(w http.ResponseWriter, r *http.Request) {
	data, err := s.bridge.SessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		bridgeError(w, err)
		return
	}
	rawResponse(w, http.StatusOK, data)
}

func (s *Server) optimizeSwarm(w http.ResponseWriter, r *http.Request) {
	input, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		jsonError(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var payload any
	if len(input) > 0 {
		if !json.Valid(input) {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		payload = json.RawMessage(input)
	}

	data, err := s.bridge.Optimize(r.Context(), r.PathValue("id"), payload)
	if err != nil {
		bridgeError(w, err)
		return
	}
	rawResponse(w, http.StatusOK, data)
}

func (s *Server) stopSwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.StopSession(r.Context(), r.PathValue("id")); err != nil {
		bridgeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "stopped"})
}

func (s *Server) stopAllSwarms(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.StopAllSessions(r.Context()); err != nil {
		bridgeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "stopped"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, s.sched.Jobs())
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		jsonError(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	found := false
	for _, j := range s.sched.Jobs() {
		if j.Name == name {
			found = true
			break
		}
	}
	if !found {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	if err := s.sched.RunNow(r.Context(), name); err != nil {
		bridgeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listScheduleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "store disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.store.ListScheduleRuns(r.PathValue("name"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.ScheduleRun{}
	}
	jsonResponse(w, runs)
}

// bridgeStatus maps a bridge error code onto an HTTP status.
func bridgeStatus(code string) int {
	switch code {
	case "session_not_found":
		return http.StatusNotFound
	case "invalid_config", "invalid_timeout":
		return http.StatusBadRequest
	case "data_too_large":
		return http.StatusRequestEntityTooLarge
	case "queue_full":
		return http.StatusTooManyRequests
	case "command_timeout", "message_expired":
		return http.StatusGatewayTimeout
	case "engine_error":
		return http.StatusBadGateway
	case "transport_error", "write_error", "reconnect_exhausted", "process_start_timeout",
		"process_not_running", "bridge_not_initialized", "bridge_shutdown":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bridgeError(w http.ResponseWriter, err error) {
	code := bridge.ErrorCode(err)
	body := map[string]any{"error": err.Error(), "code": code, "retryable": bridge.IsRetryable(err)}
	var remote *bridge.RemoteError
	if errors.As(err, &remote) && len(remote.Details) > 0 {
		body["details"] = remote.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(bridgeStatus(code))
	json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func rawResponse(w http.ResponseWriter, code int, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
