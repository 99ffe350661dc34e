package protocol

import (
	"encoding/json"
	"fmt"
)

// Result is the outcome of decoding one inbound frame. Exactly one of
// Envelope and Err is set.
type Result struct {
	Envelope *Envelope
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }

// Decode parses and validates an inbound frame. It never panics on bad
// input; failures are reported through Result.Err wrapping ErrMalformed.
func Decode(data []byte) Result {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if err := validate(&env); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return Result{Envelope: &env}
}

func validate(env *Envelope) error {
	if env.Kind == "" {
		env.Kind = inferKind(env)
	}

	switch env.Kind {
	case KindResponse:
		if env.ID == "" {
			return fmt.Errorf("response without id")
		}
	case KindRequest:
		if env.ID == "" {
			return fmt.Errorf("request without id")
		}
		if env.Command == "" {
			return fmt.Errorf("request without command")
		}
	case KindEvent:
		if env.Verb() == "" {
			return fmt.Errorf("event without type")
		}
	case KindHeartbeat:
	default:
		return fmt.Errorf("unknown kind %q", env.Kind)
	}
	return nil
}

// inferKind classifies envelopes from engines that omit the kind field:
// heartbeats are recognised by verb, anything carrying an id answers a
// request, and the rest are unsolicited events.
func inferKind(env *Envelope) Kind {
	switch {
	case env.Verb() == CommandHeartbeat:
		return KindHeartbeat
	case env.ID != "":
		return KindResponse
	default:
		return KindEvent
	}
}
