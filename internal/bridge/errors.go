package bridge

import (
	"encoding/json"
	"errors"

	"github.com/mtzanidakis/swarmbridge/internal/protocol"
)

var (
	ErrProcessStartTimeout   = errors.New("process start timeout")
	ErrProcessNotRunning     = errors.New("process not running")
	ErrProcessAlreadyRunning = errors.New("process already running")
	ErrTransportError        = errors.New("transport error")
	ErrWriteError            = errors.New("write error")
	ErrCommandTimeout        = errors.New("command timeout")
	ErrMessageExpired        = errors.New("message expired")
	ErrQueueFull             = errors.New("queue full")
	ErrDataTooLarge          = protocol.ErrDataTooLarge
	ErrSessionNotFound       = errors.New("session not found")
	ErrBridgeNotInitialized  = errors.New("bridge not initialized")
	ErrBridgeShutdown        = errors.New("bridge shutdown")
	ErrReconnectExhausted    = errors.New("reconnect attempts exhausted")
	ErrInvalidConfig         = errors.New("invalid session config")
	ErrInvalidTimeout        = errors.New("timeout must be positive")
)

// RemoteError is an error reported by the engine in a response envelope.
type RemoteError struct {
	Command string
	Code    string
	Message string
	Details json.RawMessage
}

func (e *RemoteError) Error() string {
	msg := "engine error"
	if e.Command != "" {
		msg += " (" + e.Command + ")"
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	return msg + ": " + e.Message
}

func remoteError(command string, d *protocol.ErrorDetail) *RemoteError {
	return &RemoteError{Command: command, Code: d.Code, Message: d.Message, Details: d.Details}
}

// IsRetryable reports whether the caller may retry the same command later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCommandTimeout) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrMessageExpired) ||
		errors.Is(err, ErrTransportError) ||
		errors.Is(err, ErrWriteError)
}

// IsFatal reports whether the bridge is unusable until it is initialized again.
func IsFatal(err error) bool {
	return errors.Is(err, ErrReconnectExhausted) ||
		errors.Is(err, ErrProcessNotRunning) ||
		errors.Is(err, ErrBridgeShutdown) ||
		errors.Is(err, ErrBridgeNotInitialized)
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrSessionNotFound, "session_not_found"},
	{ErrInvalidConfig, "invalid_config"},
	{ErrInvalidTimeout, "invalid_timeout"},
	{ErrDataTooLarge, "data_too_large"},
	{ErrCommandTimeout, "command_timeout"},
	{ErrQueueFull, "queue_full"},
	{ErrMessageExpired, "message_expired"},
	{ErrWriteError, "write_error"},
	{ErrTransportError, "transport_error"},
	{ErrReconnectExhausted, "reconnect_exhausted"},
	{ErrProcessStartTimeout, "process_start_timeout"},
	{ErrProcessNotRunning, "process_not_running"},
	{ErrBridgeNotInitialized, "bridge_not_initialized"},
	{ErrBridgeShutdown, "bridge_shutdown"},
}

// ErrorCode returns a stable identifier for err suitable for API replies.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return "engine_error"
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal_error"
}
