package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/transport"
)

const logPrefix = "dispatch:manager"

var (
	// ErrChannelOccupied is returned when a channel already has a handler.
	ErrChannelOccupied = errors.New("dispatch: channel already has a handler")
	// ErrNoHandler is returned when unregistering a channel nobody registered.
	ErrNoHandler = errors.New("dispatch: no handler registered on channel")
)

// Respond delivers a handler's reply. A non-nil err is sent as an error response.
// Only the first call has an effect.
type Respond func(err error, value interface{})

// Handler serves requests arriving on one channel.
type Handler func(evt *Event, args Args, respond Respond)

// ResponseCallback receives the outcome of a request. It is invoked at most
// once, and never if the peer does not answer.
type ResponseCallback func(evt *Event, err error, response json.RawMessage)

// Observer receives dispatch activity, typically for metrics.
type Observer interface {
	RequestSent(channel, kind string)
	RequestHandled(channel, kind string)
	TransportError(channel string)
}

type nopObserver struct{}

func (nopObserver) RequestSent(string, string)    {}
func (nopObserver) RequestHandled(string, string) {}
func (nopObserver) TransportError(string)         {}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// RequestOption decorates an outgoing message.
type RequestOption func(transport.Header)

// WithKind tags the message kind.
func WithKind(kind string) RequestOption {
	return func(h transport.Header) { h[HeaderKind] = kind }
}

// WithOrigin stamps the sending extension and tab.
func WithOrigin(extensionID, tabID string) RequestOption {
	return func(h transport.Header) {
		h[HeaderOriginID] = extensionID
		if tabID != "" {
			h[HeaderOriginTab] = tabID
		}
	}
}

// WithHeader sets an arbitrary header.
func WithHeader(key, value string) RequestOption {
	return func(h transport.Header) { h[key] = value }
}

// Manager is the process-wide channel registry. Create one per process at
// start-up and share it between every runtime living in that process.
type Manager struct {
	transport transport.Transport
	observer  Observer

	mu       sync.Mutex
	handlers map[string]transport.Subscription
}

// NewManager creates a Manager on top of t.
func NewManager(t transport.Transport, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		observer:  nopObserver{},
		handlers:  make(map[string]transport.Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterHandler binds h to channel. A second registration on the same channel
// fails with ErrChannelOccupied.
func (m *Manager) RegisterHandler(channel string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handlers[channel]; ok {
		return fmt.Errorf("%s - %s: %w", logPrefix, channel, ErrChannelOccupied)
	}

	sub, err := m.transport.OnRequest(channel, func(msg *transport.Message, respond transport.Responder) {
		m.serve(h, msg, respond)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to register %s: %w", logPrefix, channel, err)
	}
	m.handlers[channel] = sub
	slog.Debug(fmt.Sprintf("%s - Registered handler on %s", logPrefix, channel))
	return nil
}

// UnregisterHandler releases channel so it can be registered again.
func (m *Manager) UnregisterHandler(channel string) error {
	m.mu.Lock()
	sub, ok := m.handlers[channel]
	delete(m.handlers, channel)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s - %s: %w", logPrefix, channel, ErrNoHandler)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("%s - failed to unregister %s: %w", logPrefix, channel, err)
	}
	slog.Debug(fmt.Sprintf("%s - Unregistered handler on %s", logPrefix, channel))
	return nil
}

// HasHandler reports whether channel is registered in this process.
func (m *Manager) HasHandler(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[channel]
	return ok
}

// Request serializes args, sends them on channel and delivers the reply to cb.
// An error is returned only when the request could not be built; everything
// after that reaches cb.
func (m *Manager) Request(channel string, args []interface{}, cb ResponseCallback, opts ...RequestOption) error {
	msg, err := m.buildMessage(channel, args, opts)
	if err != nil {
		return err
	}
	kind := msg.Header.Get(HeaderKind)
	m.observer.RequestSent(channel, kind)

	m.transport.Request(msg, func(reply *transport.Message, err error) {
		evt := &Event{Channel: channel, RequestID: msg.Header.Get(HeaderRequestID), Header: msg.Header}
		if reply != nil {
			evt = newEvent(reply)
			evt.Channel = channel
			evt.RequestID = msg.Header.Get(HeaderRequestID)
		}
		if err != nil {
			m.observer.TransportError(channel)
			slog.Debug(fmt.Sprintf("%s - request %s on %s failed: %v", logPrefix, evt.RequestID, channel, err))
			if cb != nil {
				cb(evt, err, nil)
			}
			return
		}
		result, dErr := decodeResponse(reply.Data)
		if cb != nil {
			cb(evt, dErr, result)
		}
	})
	return nil
}

// RequestWait is Request with a bounded wait layered on ctx.
func (m *Manager) RequestWait(ctx context.Context, channel string, args []interface{}, opts ...RequestOption) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	err := m.Request(channel, args, func(_ *Event, err error, response json.RawMessage) {
		done <- outcome{response, err}
	}, opts...)
	if err != nil {
		return nil, err
	}
	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s - waiting for %s: %w", logPrefix, channel, ctx.Err())
	}
}

// Send publishes args on channel without waiting for any reply.
func (m *Manager) Send(channel string, args []interface{}, opts ...RequestOption) error {
	msg, err := m.buildMessage(channel, args, opts)
	if err != nil {
		return err
	}
	if err := m.transport.Send(msg); err != nil {
		m.observer.TransportError(channel)
		return fmt.Errorf("%s - send on %s: %w", logPrefix, channel, err)
	}
	return nil
}

// Close unregisters every handler. The transport stays open.
func (m *Manager) Close() error {
	m.mu.Lock()
	handlers := m.handlers
	m.handlers = make(map[string]transport.Subscription)
	m.mu.Unlock()

	var errs []error
	for channel, sub := range handlers {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) buildMessage(channel string, args []interface{}, opts []RequestOption) (*transport.Message, error) {
	data, err := commsutil.EncodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode arguments for %s: %w", logPrefix, channel, err)
	}
	header := transport.Header{HeaderRequestID: uuid.NewString()}
	for _, opt := range opts {
		opt(header)
	}
	return &transport.Message{Channel: channel, Header: header, Data: data}, nil
}

func (m *Manager) serve(h Handler, msg *transport.Message, respond transport.Responder) {
	evt := newEvent(msg)
	m.observer.RequestHandled(evt.Channel, evt.Kind())

	var once sync.Once
	reply := func(err error, value interface{}) {
		answered := false
		once.Do(func() {
			answered = true
			data, encErr := encodeResponse(err, value)
			if encErr != nil {
				slog.Error(fmt.Sprintf("%s - failed to encode response for %s: %v", logPrefix, evt.RequestID, encErr))
				data, _ = encodeResponse(&RemoteError{Code: "INTERNAL_ERROR", Message: "response not serializable"}, nil)
			}
			if sendErr := respond(data); sendErr != nil && !errors.Is(sendErr, transport.ErrNoReply) {
				m.observer.TransportError(evt.Channel)
				slog.Error(fmt.Sprintf("%s - failed to respond to %s on %s: %v", logPrefix, evt.RequestID, evt.Channel, sendErr))
			}
		})
		if !answered {
			slog.Debug(fmt.Sprintf("%s - dropped duplicate response to %s on %s", logPrefix, evt.RequestID, evt.Channel))
		}
	}

	args, err := commsutil.DecodeArgs(msg.Data)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request on %s: %v", logPrefix, evt.Channel, err))
		reply(&RemoteError{Code: "INVALID_REQUEST", Message: "Failed to decode request"}, nil)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler on %s panicked: %v", logPrefix, evt.Channel, r))
			reply(&RemoteError{Code: "INTERNAL_ERROR", Message: fmt.Sprint(r)}, nil)
		}
	}()
	h(evt, Args(args), reply)
}
