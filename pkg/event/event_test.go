package event

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_InvokesListenersInInsertionOrder(t *testing.T) {
	e := New()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		e.AddListener(func(payload, sender interface{}, reply Reply) {
			order = append(order, i)
		})
	}

	n := e.Emit("msg", nil, nil)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEmit_FirstReplyWins(t *testing.T) {
	e := New()
	e.AddListener(func(payload, sender interface{}, reply Reply) {})
	e.AddListener(func(payload, sender interface{}, reply Reply) { reply("second") })
	e.AddListener(func(payload, sender interface{}, reply Reply) { reply("third") })

	var responses []interface{}
	e.Emit("msg", "sender", func(r interface{}) { responses = append(responses, r) })
	assert.Equal(t, []interface{}{"second"}, responses)
}

func TestEmit_SameListenerRepliesTwice(t *testing.T) {
	e := New()
	e.AddListener(func(payload, sender interface{}, reply Reply) {
		reply(1)
		reply(2)
	})

	var responses []interface{}
	e.Emit(nil, nil, func(r interface{}) { responses = append(responses, r) })
	assert.Equal(t, []interface{}{1}, responses)
}

func TestEmit_AsynchronousReply(t *testing.T) {
	e := New()
	var wg sync.WaitGroup
	wg.Add(1)
	e.AddListener(func(payload, sender interface{}, reply Reply) {
		go func() {
			defer wg.Done()
			reply(payload)
		}()
	})

	got := make(chan interface{}, 1)
	e.Emit("later", nil, func(r interface{}) { got <- r })
	wg.Wait()
	assert.Equal(t, "later", <-got)
}

func TestEmit_NoReplyNeverCallsResponder(t *testing.T) {
	e := New()
	e.AddListener(func(payload, sender interface{}, reply Reply) {})

	called := false
	assert.Equal(t, 1, e.Emit("msg", nil, func(interface{}) { called = true }))
	assert.False(t, called)

	assert.Equal(t, 0, New().Emit("msg", nil, func(interface{}) { called = true }))
	assert.False(t, called)
}

func TestEmit_PassesPayloadAndSender(t *testing.T) {
	e := New()
	e.AddListener(func(payload, sender interface{}, reply Reply) {
		reply([]interface{}{payload, sender})
	})

	var got interface{}
	e.Emit("p", "s", func(r interface{}) { got = r })
	assert.Equal(t, []interface{}{"p", "s"}, got)
}

func TestEmit_ListenerPanicIsContained(t *testing.T) {
	var reported error
	e := New(WithPanicHandler(func(err error) { reported = err }))
	e.AddListener(func(payload, sender interface{}, reply Reply) { panic("boom") })
	e.AddListener(func(payload, sender interface{}, reply Reply) { reply("ok") })

	var got interface{}
	e.Emit(nil, nil, func(r interface{}) { got = r })
	assert.Equal(t, "ok", got)
	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "boom")
}

func TestRemoveListener(t *testing.T) {
	e := New()
	first := e.AddListener(func(payload, sender interface{}, reply Reply) { reply("first") })
	second := e.AddListener(func(payload, sender interface{}, reply Reply) { reply("second") })

	assert.True(t, e.HasListener(first))
	e.RemoveListener(first)
	assert.False(t, e.HasListener(first))
	assert.True(t, e.HasListener(second))

	e.RemoveListener(ListenerID(999))
	e.RemoveListener(first)
	assert.True(t, e.HasListeners())

	var got interface{}
	e.Emit(nil, nil, func(r interface{}) { got = r })
	assert.Equal(t, "second", got)

	e.RemoveListener(second)
	assert.False(t, e.HasListeners())
}

func TestEmit_ListenerRemovingItselfDoesNotSkipOthers(t *testing.T) {
	e := New()
	var id ListenerID
	var calls []string
	id = e.AddListener(func(payload, sender interface{}, reply Reply) {
		calls = append(calls, "self-removing")
		e.RemoveListener(id)
	})
	e.AddListener(func(payload, sender interface{}, reply Reply) { calls = append(calls, "next") })

	e.Emit(nil, nil, nil)
	assert.Equal(t, []string{"self-removing", "next"}, calls)
	assert.False(t, e.HasListener(id))
}

func TestRace(t *testing.T) {
	var got []interface{}
	r := NewRace(func(v interface{}) { got = append(got, v) })
	assert.False(t, r.Settled())
	assert.True(t, r.TrySettle("a"))
	assert.False(t, r.TrySettle("b"))
	r.Settle("c")
	assert.True(t, r.Settled())
	assert.Equal(t, []interface{}{"a"}, got)

	assert.True(t, NewRace(nil).TrySettle(errors.New("discarded")))
}

func TestUnsupported(t *testing.T) {
	var s Subscriber = NewUnsupported("chrome.runtime.onInstalled")

	id := s.AddListener(func(payload, sender interface{}, reply Reply) {
		t.Fatal("unsupported event must never deliver")
	})
	assert.Equal(t, ListenerID(0), id)
	assert.False(t, s.HasListener(id))
	assert.False(t, s.HasListeners())
	s.RemoveListener(id)
	assert.Equal(t, "chrome.runtime.onInstalled", s.(*Unsupported).Name())
}
