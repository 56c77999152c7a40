// Package transport defines the named-message transport the bridge runs on and
// provides a COMMS (NATS) implementation and an in-process implementation.
//
// Delivery is at-most-once per call. Requests have no built-in timeout: a callback
// whose peer never answers is simply never invoked.
package transport

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrNoResponders is reported to a request callback when nothing listens on the channel.
	ErrNoResponders = errors.New("transport: no responders on channel")
	// ErrNoReply is returned by a Responder for a message that was sent fire-and-forget.
	ErrNoReply = errors.New("transport: message does not expect a reply")
	// ErrAlreadyResponded is returned by a Responder on every call after the first.
	ErrAlreadyResponded = errors.New("transport: response already sent")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport: closed")
)

// Header carries out-of-band string metadata alongside a payload.
type Header map[string]string

// Get returns the value for key, or "".
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Clone returns an independent copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Message is a named payload crossing the process boundary.
type Message struct {
	Channel string
	Header  Header
	Data    []byte
}

// Responder delivers the single reply to a request.
type Responder func(data []byte) error

// RequestHandler receives messages published on a channel.
type RequestHandler func(msg *Message, respond Responder)

// ReplyCallback receives the outcome of a request. It is invoked at most once.
type ReplyCallback func(reply *Message, err error)

// Subscription is an active channel registration.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the low-level send/receive primitive consumed by the dispatch manager.
type Transport interface {
	// Send publishes msg without expecting a reply.
	Send(msg *Message) error
	// Request publishes msg and arranges for cb to receive the reply. Publish
	// failures are reported through cb as well.
	Request(msg *Message, cb ReplyCallback)
	// OnRequest registers h for every message published on channel.
	OnRequest(channel string, h RequestHandler) (Subscription, error)
	Close() error
}

// OnceResponder guards r so only the first call reaches it.
func OnceResponder(r Responder) Responder {
	var used atomic.Bool
	return func(data []byte) error {
		if !used.CompareAndSwap(false, true) {
			return ErrAlreadyResponded
		}
		return r(data)
	}
}
