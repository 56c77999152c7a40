package transport

import (
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"
)

const natsLogPrefix = "transport:nats"

const (
	statusHeader       = "Status"
	noRespondersStatus = "503"
)

// NATS carries bridge messages over a COMMS connection. Channel names are used
// as subjects directly.
type NATS struct {
	nc *comms.Conn
}

// NewNATS wraps an established COMMS connection. The caller keeps ownership of nc
// unless Close is called.
func NewNATS(nc *comms.Conn) *NATS {
	return &NATS{nc: nc}
}

// Send implements Transport.
func (t *NATS) Send(msg *Message) error {
	if t.nc.IsClosed() {
		return ErrClosed
	}
	if err := t.nc.PublishMsg(toCommsMsg(msg)); err != nil {
		return fmt.Errorf("%s - publish %s: %w", natsLogPrefix, msg.Channel, err)
	}
	return nil
}

// Request implements Transport. The reply is awaited on a private inbox with a
// one-shot subscription; there is no timeout.
func (t *NATS) Request(msg *Message, cb ReplyCallback) {
	if t.nc.IsClosed() {
		cb(nil, ErrClosed)
		return
	}

	inbox := t.nc.NewInbox()
	var once sync.Once
	sub, err := t.nc.Subscribe(inbox, func(m *comms.Msg) {
		once.Do(func() {
			if len(m.Data) == 0 && m.Header != nil && m.Header.Get(statusHeader) == noRespondersStatus {
				cb(nil, ErrNoResponders)
				return
			}
			cb(fromCommsMsg(msg.Channel, m), nil)
		})
	})
	if err != nil {
		cb(nil, fmt.Errorf("%s - subscribe reply inbox: %w", natsLogPrefix, err))
		return
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		slog.Warn(fmt.Sprintf("%s - auto-unsubscribe on %s: %v", natsLogPrefix, inbox, err))
	}

	out := toCommsMsg(msg)
	out.Reply = inbox
	if err := t.nc.PublishMsg(out); err != nil {
		_ = sub.Unsubscribe()
		once.Do(func() {
			cb(nil, fmt.Errorf("%s - publish %s: %w", natsLogPrefix, msg.Channel, err))
		})
	}
}

// OnRequest implements Transport.
func (t *NATS) OnRequest(channel string, h RequestHandler) (Subscription, error) {
	sub, err := t.nc.Subscribe(channel, func(m *comms.Msg) {
		h(fromCommsMsg(m.Subject, m), t.responder(m))
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", natsLogPrefix, channel, err)
	}
	slog.Debug(fmt.Sprintf("%s - Subscribed to %s", natsLogPrefix, channel))
	return sub, nil
}

// Flush round-trips to the server so earlier subscriptions are active.
func (t *NATS) Flush() error {
	return t.nc.Flush()
}

// Close drains the underlying connection.
func (t *NATS) Close() error {
	if t.nc.IsClosed() {
		return nil
	}
	return t.nc.Drain()
}

func (t *NATS) responder(m *comms.Msg) Responder {
	if m.Reply == "" {
		return func([]byte) error { return ErrNoReply }
	}
	reply := m.Reply
	return OnceResponder(func(data []byte) error {
		return t.nc.Publish(reply, data)
	})
}

func toCommsMsg(msg *Message) *comms.Msg {
	out := comms.NewMsg(msg.Channel)
	out.Data = msg.Data
	for k, v := range msg.Header {
		out.Header.Set(k, v)
	}
	return out
}

func fromCommsMsg(channel string, m *comms.Msg) *Message {
	var h Header
	if len(m.Header) > 0 {
		h = make(Header, len(m.Header))
		for k := range m.Header {
			h[k] = m.Header.Get(k)
		}
	}
	return &Message{Channel: channel, Header: h, Data: m.Data}
}
