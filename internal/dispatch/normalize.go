// Package dispatch turns inbound function-call payloads into executed item
// store operations and wire-format responses. It owns the three concerns the
// engine must never mix into audio handling: shape normalization of the
// evolving call wire format, sliding-window rate limiting, and strictly
// serialized execution against the store.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned when an inbound call payload cannot be
// parsed at all. The session continues; the payload is logged and dropped.
var ErrMalformedPayload = errors.New("dispatch: malformed call payload")

// Call is the canonical form of one inbound function call, independent of
// which wire shape delivered it.
type Call struct {
	// ID is the peer-assigned call identifier, echoed back in the response.
	ID string

	// Name is the requested operation name.
	Name string

	// Args holds the decoded call arguments. Never nil for a valid call.
	Args map[string]any
}

// rawCall covers the field spellings seen across the wire shape variants:
// args vs. arguments, id vs. call_id, and arguments delivered either as an
// object or as a JSON-encoded string.
type rawCall struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Arguments json.RawMessage `json:"arguments"`
}

// Normalize parses an inbound call payload in any of the historically
// documented shapes and returns a flat ordered call list:
//
//   - a single call object: {"name": ..., "args": {...}}
//   - an array of call objects: [{...}, {...}]
//   - a named wrapper: {"functionCalls": [{...}, {...}]}
//
// A payload that parses but contains no recognizable call yields (nil, nil):
// absence of a call is valid, not an error. A payload that does not parse
// yields [ErrMalformedPayload].
func Normalize(payload json.RawMessage) ([]Call, error) {
	trimmed := trimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var raws []rawCall
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return canonicalize(raws)

	case '{':
		// Try the named wrapper first; a single call object has no
		// functionCalls field so the wrapper decode leaves it empty.
		var wrapper struct {
			FunctionCalls []rawCall `json:"functionCalls"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err == nil && len(wrapper.FunctionCalls) > 0 {
			return canonicalize(wrapper.FunctionCalls)
		}

		var raw rawCall
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if raw.Name == "" {
			return nil, nil
		}
		return canonicalize([]rawCall{raw})

	default:
		return nil, fmt.Errorf("%w: payload is neither object nor array", ErrMalformedPayload)
	}
}

func canonicalize(raws []rawCall) ([]Call, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	calls := make([]Call, 0, len(raws))
	for _, raw := range raws {
		if raw.Name == "" {
			continue
		}
		args, err := decodeArgs(raw)
		if err != nil {
			return nil, err
		}
		id := raw.ID
		if id == "" {
			id = raw.CallID
		}
		calls = append(calls, Call{ID: id, Name: raw.Name, Args: args})
	}
	if len(calls) == 0 {
		return nil, nil
	}
	return calls, nil
}

// decodeArgs resolves the args/arguments field into a map. Arguments may
// arrive as a JSON object or as a string containing JSON (the single-object
// shape encodes them that way).
func decodeArgs(raw rawCall) (map[string]any, error) {
	field := raw.Args
	if len(field) == 0 {
		field = raw.Arguments
	}
	if len(trimSpace(field)) == 0 {
		return map[string]any{}, nil
	}

	trimmed := trimSpace(field)
	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, fmt.Errorf("%w: arguments string: %v", ErrMalformedPayload, err)
		}
		if encoded == "" {
			return map[string]any{}, nil
		}
		trimmed = []byte(encoded)
	}

	args := map[string]any{}
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, fmt.Errorf("%w: arguments: %v", ErrMalformedPayload, err)
	}
	return args, nil
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
