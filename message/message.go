// Package message defines the payloads carried inside protocol frames.
//
// Envelope is the wrapped form used for requests and their responses:
//
//	{"event":"calculate","data":{"a":10,"b":20},"requestId":"6f1c..."}
//
// A response echoes requestId; a notification pushed by the companion carries none.
// Anything that is not JSON is treated as raw text.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode marks a payload that looks like JSON but does not parse.
var ErrDecode = errors.New("message: malformed JSON payload")

// Envelope carries a single request, response or notification.
//
//   - Request:      Event names the handler, Data holds its arguments, RequestID is set.
//   - Response:     Event is "<event>Result" or "error", RequestID echoes the request.
//   - Notification: RequestID is empty.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// New builds an envelope, marshalling data into its raw form.
func New(event string, data any, requestID string) (*Envelope, error) {
	env := &Envelope{Event: event, RequestID: requestID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", event, err)
		}
		env.Data = raw
	}
	return env, nil
}

// DecodeData unmarshals Data into v. An absent Data leaves v untouched.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrDecode, e.Event, err)
	}
	return nil
}

// Kind classifies an inbound payload.
type Kind int

const (
	KindRaw          Kind = iota // not JSON: plain text
	KindCorrelated               // JSON object carrying a requestId: a response for the shell, a request for the companion
	KindNotification             // JSON without a requestId
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindCorrelated:
		return "correlated"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Inbound is a classified payload. Envelope is nil for KindRaw and for JSON that is not an object.
type Inbound struct {
	Kind      Kind
	RequestID string
	Envelope  *Envelope
	Payload   []byte
}

// Classify inspects a payload received from the peer.
//
// A payload whose first non-space byte is '{' or '[' claims to be JSON; if it does not parse the
// result wraps ErrDecode. Any other payload is raw text.
func Classify(payload []byte) (*Inbound, error) {
	in := &Inbound{Kind: KindRaw, Payload: payload}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return in, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: %q", ErrDecode, truncate(trimmed, 64))
	}

	in.Kind = KindNotification
	if trimmed[0] != '{' {
		return in, nil
	}

	// requestId may be any JSON type on the wire; only strings correlate
	var probe struct {
		Event     string          `json:"event"`
		Data      json.RawMessage `json:"data"`
		RequestID json.RawMessage `json:"requestId"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	in.Envelope = &Envelope{Event: probe.Event, Data: probe.Data}

	var id string
	if len(probe.RequestID) > 0 && json.Unmarshal(probe.RequestID, &id) == nil && id != "" {
		in.Kind = KindCorrelated
		in.RequestID = id
		in.Envelope.RequestID = id
	}
	return in, nil
}

// PeekRequestID returns the string requestId of a JSON object payload, or "".
func PeekRequestID(payload []byte) string {
	in, err := Classify(payload)
	if err != nil || in.Kind != KindCorrelated {
		return ""
	}
	return in.RequestID
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
