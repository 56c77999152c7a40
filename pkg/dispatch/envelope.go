// Package dispatch maps channel names to single handlers and correlates
// requests with their responses over a transport.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/transport"
)

// Header keys set on every dispatched message.
const (
	HeaderRequestID = "Crx-Request-Id"
	HeaderKind      = "Crx-Kind"
	HeaderOriginID  = "Crx-Origin-Id"
	HeaderOriginTab = "Crx-Origin-Tab"
)

// Response is the JSON envelope carried back to the requester.
type Response struct {
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is a handler failure reported by the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrorCode returns the wire code.
func (e *RemoteError) ErrorCode() string {
	return e.Code
}

// coder lets handler errors choose their wire code.
type coder interface {
	ErrorCode() string
}

// Event describes one delivery crossing the transport.
type Event struct {
	Channel    string
	RequestID  string
	Header     transport.Header
	ReceivedAt time.Time
}

// Kind returns the message kind tag, or "" when the sender set none.
func (e *Event) Kind() string {
	return e.Header.Get(HeaderKind)
}

// Origin returns the sender identity stamped by the requester.
func (e *Event) Origin() (extensionID, tabID string) {
	return e.Header.Get(HeaderOriginID), e.Header.Get(HeaderOriginTab)
}

func newEvent(msg *transport.Message) *Event {
	return &Event{
		Channel:    msg.Channel,
		RequestID:  msg.Header.Get(HeaderRequestID),
		Header:     msg.Header,
		ReceivedAt: time.Now(),
	}
}

// Args is a positional argument list as received over the wire.
type Args []json.RawMessage

// Len returns the number of positional arguments.
func (a Args) Len() int {
	return len(a)
}

// Decode decodes argument i into v. A missing argument leaves v untouched.
func (a Args) Decode(i int, v interface{}) error {
	if i < 0 || i >= len(a) {
		return nil
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("dispatch:envelope - argument %d: %w", i, err)
	}
	return nil
}

// Value decodes argument i into a generic value; missing arguments are nil.
func (a Args) Value(i int) (interface{}, error) {
	if i < 0 || i >= len(a) {
		return nil, nil
	}
	return commsutil.DecodeValue(a[i])
}

func encodeResponse(err error, value interface{}) ([]byte, error) {
	if err != nil {
		code := "HANDLER_ERROR"
		if c, ok := err.(coder); ok {
			code = c.ErrorCode()
		}
		return json.Marshal(&Response{Ok: false, Error: &ErrorDetail{Code: code, Message: err.Error()}})
	}
	result, mErr := json.Marshal(value)
	if mErr != nil {
		return nil, mErr
	}
	return json.Marshal(&Response{Ok: true, Result: result})
}

func decodeResponse(data []byte) (json.RawMessage, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("dispatch:envelope - malformed response: %w", err)
	}
	if !resp.Ok {
		if resp.Error == nil {
			return nil, &RemoteError{Code: "UNKNOWN", Message: "request failed"}
		}
		return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}
