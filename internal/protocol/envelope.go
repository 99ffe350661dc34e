// Package protocol defines the JSON envelope exchanged with the optimization
// engine and the validation applied at the transport boundary.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindEvent     Kind = "event"
	KindHeartbeat Kind = "heartbeat"
)

// Command verbs understood by the engine.
const (
	CommandStartSwarm    = "start_swarm"
	CommandStopSwarm     = "stop_swarm"
	CommandOptimizeSwarm = "optimize_swarm"
	CommandSwarmStatus   = "get_swarm_status"
	CommandExecuteCode   = "execute_code"
	CommandHeartbeat     = "heartbeat"
)

// DefaultMaxSize is the ceiling on a serialized outbound envelope.
const DefaultMaxSize = 10 << 20

var (
	ErrDataTooLarge = errors.New("data too large")
	ErrMalformed    = errors.New("malformed envelope")
)

type Envelope struct {
	ID       string          `json:"id,omitempty"`
	Kind     Kind            `json:"kind"`
	Command  string          `json:"command,omitempty"`
	Type     string          `json:"type,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

type Metadata struct {
	ElapsedMs   float64 `json:"elapsed_ms,omitempty"`
	MemoryBytes int64   `json:"memory_bytes,omitempty"`
	WorkerID    string  `json:"worker_id,omitempty"`
}

// ErrorDetail is the structured error carried by a failed response. The
// engine sometimes sends a bare string instead; both forms decode here.
type ErrorDetail struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *ErrorDetail) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var msg string
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		*e = ErrorDetail{Message: msg}
		return nil
	}
	type plain ErrorDetail
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = ErrorDetail(p)
	return nil
}

func (e *ErrorDetail) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Verb returns the command or event type, whichever the envelope carries.
func (e *Envelope) Verb() string {
	if e.Command != "" {
		return e.Command
	}
	return e.Type
}

// NewRequest builds a request envelope, marshalling payload as its data.
func NewRequest(id, command string, payload any) (*Envelope, error) {
	env := &Envelope{ID: id, Kind: KindRequest, Command: command}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env.Data = data
	}
	return env, nil
}

func NewHeartbeat(id string) *Envelope {
	return &Envelope{ID: id, Kind: KindHeartbeat, Command: CommandHeartbeat}
}

// Encode serializes env and enforces maxSize (DefaultMaxSize when <= 0).
func Encode(env *Envelope, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrDataTooLarge, len(data), maxSize)
	}
	return data, nil
}
