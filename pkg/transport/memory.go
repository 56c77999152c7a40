package transport

import (
	"strings"
	"sync"
)

// Memory is an in-process Transport. Each message is delivered on its own
// goroutine, so ordering across channels (and across calls) is not preserved,
// matching the cross-process transport. Channel patterns accept the COMMS
// wildcards "*" (one token) and ">" (remaining tokens).
type Memory struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

type memorySub struct {
	id      uint64
	pattern string
	handler RequestHandler
	owner   *Memory
}

func (s *memorySub) Unsubscribe() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	delete(s.owner.subs, s.id)
	return nil
}

// NewMemory creates an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{subs: make(map[uint64]*memorySub)}
}

// Send implements Transport.
func (m *Memory) Send(msg *Message) error {
	handlers, err := m.match(msg.Channel)
	if err != nil {
		return err
	}
	for _, h := range handlers {
		m.deliver(h, copyMessage(msg), func([]byte) error { return ErrNoReply })
	}
	return nil
}

// Request implements Transport. Every matching handler sees the message; the
// first response wins.
func (m *Memory) Request(msg *Message, cb ReplyCallback) {
	handlers, err := m.match(msg.Channel)
	if err != nil {
		cb(nil, err)
		return
	}
	if len(handlers) == 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			cb(nil, ErrNoResponders)
		}()
		return
	}

	respond := OnceResponder(func(data []byte) error {
		reply := &Message{Channel: msg.Channel, Data: append([]byte(nil), data...)}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			cb(reply, nil)
		}()
		return nil
	})
	for _, h := range handlers {
		m.deliver(h, copyMessage(msg), respond)
	}
}

// OnRequest implements Transport.
func (m *Memory) OnRequest(channel string, h RequestHandler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.nextID++
	sub := &memorySub{id: m.nextID, pattern: channel, handler: h, owner: m}
	m.subs[sub.id] = sub
	return sub, nil
}

// Close stops accepting messages and waits for in-flight deliveries.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[uint64]*memorySub)
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *Memory) match(channel string) ([]RequestHandler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []RequestHandler
	for _, sub := range m.subs {
		if channelMatches(sub.pattern, channel) {
			out = append(out, sub.handler)
		}
	}
	return out, nil
}

func (m *Memory) deliver(h RequestHandler, msg *Message, respond Responder) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		h(msg, respond)
	}()
}

func copyMessage(msg *Message) *Message {
	return &Message{
		Channel: msg.Channel,
		Header:  msg.Header.Clone(),
		Data:    append([]byte(nil), msg.Data...),
	}
}

func channelMatches(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	pt := strings.Split(pattern, ".")
	ct := strings.Split(channel, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(ct) > i
		}
		if i >= len(ct) {
			return false
		}
		if tok != "*" && tok != ct[i] {
			return false
		}
	}
	return len(pt) == len(ct)
}
