package message

import (
	"encoding/json"
	"fmt"
)

// Event names understood by the companion's built-in service.
const (
	EventCalculate = "calculate"
	EventMessage   = "message"
	EventError     = "error"
	EventWelcome   = "welcome"

	// ResultSuffix is appended to a request's event name to form its reply event.
	ResultSuffix = "Result"
)

// ResultEvent returns the reply event name for a request event.
func ResultEvent(event string) string {
	return event + ResultSuffix
}

type CalculateArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type CalculateReply struct {
	Result int `json:"result"`
}

type MessageArgs struct {
	Content string `json:"content"`
}

type MessageReply struct {
	Content string `json:"content"`
}

// ErrorReply is the data of an "error" event.
type ErrorReply struct {
	Message string `json:"message"`
}

// Errorf builds the "error" reply for a request.
func Errorf(requestID string, format string, args ...any) *Envelope {
	data, _ := json.Marshal(&ErrorReply{Message: fmt.Sprintf(format, args...)})
	return &Envelope{Event: EventError, Data: data, RequestID: requestID}
}

// IsError reports whether e is an "error" event.
func (e *Envelope) IsError() bool {
	return e != nil && e.Event == EventError
}
