package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type SessionState string

const (
	SessionRequested SessionState = "requested"
	SessionActive    SessionState = "active"
	SessionStopped   SessionState = "stopped"
)

// Algorithm kinds understood by the engine, keyed by every accepted name.
var algorithms = map[string]string{
	"pso":                    "pso",
	"particle_swarm":         "pso",
	"de":                     "de",
	"differential_evolution": "de",
	"gwo":                    "gwo",
	"grey_wolf":              "gwo",
	"aco":                    "aco",
	"ant_colony":             "aco",
	"ga":                     "ga",
	"genetic":                "ga",
	"woa":                    "woa",
	"whale":                  "woa",
}

// Algorithms returns the canonical algorithm kinds.
func Algorithms() []string {
	seen := make(map[string]bool)
	var out []string
	for _, kind := range algorithms {
		if !seen[kind] {
			seen[kind] = true
			out = append(out, kind)
		}
	}
	sort.Strings(out)
	return out
}

type RiskLimits struct {
	MaxPositionSize float64 `json:"max_position_size,omitempty"`
	MaxDrawdown     float64 `json:"max_drawdown,omitempty"`
	StopLoss        float64 `json:"stop_loss,omitempty"`
}

type SwarmConfig struct {
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name,omitempty"`
	Algorithm      string         `json:"algorithm"`
	PopulationSize int            `json:"population_size"`
	Iterations     int            `json:"iterations,omitempty"`
	Dimensions     int            `json:"dimensions,omitempty"`
	Bounds         [][2]float64   `json:"bounds,omitempty"`
	RiskLimits     *RiskLimits    `json:"risk_limits,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// Normalize canonicalizes the algorithm name and checks the shape of the
// configuration.
func (c *SwarmConfig) Normalize() error {
	var errs []error

	kind, ok := algorithms[strings.ToLower(strings.TrimSpace(c.Algorithm))]
	if !ok {
		errs = append(errs, fmt.Errorf("unknown algorithm %q", c.Algorithm))
	}
	c.Algorithm = kind

	if c.PopulationSize <= 0 {
		errs = append(errs, errors.New("population_size must be positive"))
	}
	if c.Iterations < 0 {
		errs = append(errs, errors.New("iterations must not be negative"))
	}
	if c.Dimensions < 0 {
		errs = append(errs, errors.New("dimensions must not be negative"))
	}
	if c.Dimensions > 0 && len(c.Bounds) > 0 && len(c.Bounds) != c.Dimensions {
		errs = append(errs, fmt.Errorf("bounds has %d entries for %d dimensions", len(c.Bounds), c.Dimensions))
	}
	for i, b := range c.Bounds {
		if b[0] > b[1] {
			errs = append(errs, fmt.Errorf("bounds[%d]: lower %g above upper %g", i, b[0], b[1]))
		}
	}
	if r := c.RiskLimits; r != nil {
		if r.MaxPositionSize < 0 || r.StopLoss < 0 {
			errs = append(errs, errors.New("risk limits must not be negative"))
		}
		if r.MaxDrawdown < 0 || r.MaxDrawdown > 1 {
			errs = append(errs, errors.New("risk_limits.max_drawdown must be within [0, 1]"))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

type Session struct {
	ID         string       `json:"id"`
	Config     SwarmConfig  `json:"config"`
	State      SessionState `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	LastActive time.Time    `json:"last_active"`
}

// Registry is the local authority on which session ids are valid.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add inserts an active session.
func (r *Registry) Add(id string, cfg SwarmConfig) *Session {
	now := time.Now()
	s := &Session{ID: id, Config: cfg, State: SessionActive, CreatedAt: now, LastActive: now}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
	return s
}

// Get returns a copy of the session, or nil when id is not active.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActive = time.Now()
	}
}

// ActiveIDs returns the active session ids, oldest first.
func (r *Registry) ActiveIDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

// List returns copies of all active sessions, oldest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Clear drops every session and returns the ids that were active.
func (r *Registry) Clear() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.sessions = make(map[string]*Session)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// sessionID extracts the engine-assigned id from a start_swarm response.
func sessionID(data json.RawMessage) string {
	var resp struct {
		SwarmID   string `json:"swarm_id"`
		ID        string `json:"id"`
		SessionID string `json:"session_id"`
	}
	if len(data) == 0 || json.Unmarshal(data, &resp) != nil {
		return ""
	}
	switch {
	case resp.SwarmID != "":
		return resp.SwarmID
	case resp.ID != "":
		return resp.ID
	default:
		return resp.SessionID
	}
}
