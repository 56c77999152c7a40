package crxruntime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/dispatch"
	"github.com/morezero/crx-runtime/pkg/event"
	"github.com/morezero/crx-runtime/pkg/transport"
)

type countingRespond struct {
	mu     sync.Mutex
	calls  int
	err    error
	value  interface{}
	called chan struct{}
}

func newCountingRespond() *countingRespond {
	return &countingRespond{called: make(chan struct{}, 8)}
}

func (c *countingRespond) respond(err error, value interface{}) {
	c.mu.Lock()
	c.calls++
	c.err, c.value = err, value
	c.mu.Unlock()
	c.called <- struct{}{}
}

func (c *countingRespond) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func argsOf(t *testing.T, values ...interface{}) dispatch.Args {
	t.Helper()
	data, err := commsutil.EncodeArgs(values)
	require.NoError(t, err)
	raw, err := commsutil.DecodeArgs(data)
	require.NoError(t, err)
	return dispatch.Args(raw)
}

func eventOf(kind MessageKind) *dispatch.Event {
	return &dispatch.Event{Channel: "test", Header: transport.Header{dispatch.HeaderKind: string(kind)}}
}

func (f *fixture) query(t *testing.T, kind MessageKind, sender interface{}, message interface{}) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := f.manager.RequestWait(ctx, commsutil.OnMessageChannel(f.runtime.ID()),
		[]interface{}{sender, nil, message}, dispatch.WithKind(string(kind)))
	require.NoError(t, err)
	if string(raw) == "null" {
		return nil
	}
	return decodeMap(t, raw)
}

func TestControlQueries_RespondOnceWithoutListeners(t *testing.T) {
	f := newFixture(t, "ext1", Background)

	for _, kind := range []MessageKind{KindLiveness, KindErrorQuery, KindErrorQueryTimestamped} {
		t.Run(string(kind), func(t *testing.T) {
			c := newCountingRespond()
			f.runtime.handleOnMessage(eventOf(kind), argsOf(t, "anything", nil, "ping"), c.respond)

			select {
			case <-c.called:
			case <-time.After(time.Second):
				t.Fatal("no response")
			}
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, 1, c.count())
			assert.NoError(t, c.err)
		})
	}
}

func TestControlQueries_RespondOnceWithManyListeners(t *testing.T) {
	f := newFixture(t, "ext1", Background)
	for i := 0; i < 3; i++ {
		f.runtime.OnMessage().AddListener(func(_, _ interface{}, reply event.Reply) {
			reply(map[string]interface{}{"alive": true})
		})
	}

	c := newCountingRespond()
	f.runtime.handleOnMessage(eventOf(KindLiveness), argsOf(t, nil, nil, nil), c.respond)
	<-c.called
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestLiveness_WrapsListenerReply(t *testing.T) {
	f := newFixture(t, "ext1", Background)

	var seen MessageSender
	f.runtime.OnMessage().AddListener(func(payload, sender interface{}, reply event.Reply) {
		seen = sender.(MessageSender)
		reply(map[string]interface{}{"status": "ok", "echo": payload})
	})

	resp := f.query(t, KindLiveness, nil, "ping")
	assert.Equal(t, true, resp[ReplyKeyCtrl1])
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "ping", resp["echo"])

	assert.True(t, seen.IsControl())
	assert.Equal(t, "6303", seen.ID())
}

func TestLiveness_NonObjectReplyKeepsOnlyMarker(t *testing.T) {
	f := newFixture(t, "ext1", Background)
	f.runtime.OnMessage().AddListener(func(_, _ interface{}, reply event.Reply) {
		reply("pong")
	})

	resp := f.query(t, KindLiveness, nil, nil)
	assert.Equal(t, map[string]interface{}{ReplyKeyCtrl1: true}, resp)
}

func TestLiveness_TimesOutWhenListenersStaySilent(t *testing.T) {
	f := newFixture(t, "ext1", Background, WithCtrlReplyTimeout(50*time.Millisecond))
	f.runtime.OnMessage().AddListener(func(interface{}, interface{}, event.Reply) {})

	start := time.Now()
	resp := f.query(t, KindLiveness, nil, nil)
	assert.Equal(t, map[string]interface{}{ReplyKeyCtrl1: true}, resp)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLiveness_LateReplyAfterTimeoutIsDropped(t *testing.T) {
	f := newFixture(t, "ext1", Background, WithCtrlReplyTimeout(30*time.Millisecond))
	late := make(chan event.Reply, 1)
	f.runtime.OnMessage().AddListener(func(_, _ interface{}, reply event.Reply) {
		late <- reply
	})

	c := newCountingRespond()
	f.runtime.handleOnMessage(eventOf(KindLiveness), argsOf(t, nil, nil, nil), c.respond)
	<-c.called

	(<-late)(map[string]interface{}{"late": true})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count())
	assert.Equal(t, map[string]interface{}{ReplyKeyCtrl1: true}, c.value)
}

func TestErrorQuery_EmptyLastError(t *testing.T) {
	f := newFixture(t, "ext1", Background)

	resp := f.query(t, KindErrorQuery, nil, nil)
	inError, ok := resp[ReplyKeyInError].(map[string]interface{})
	require.True(t, ok, "inError must be an object, got %#v", resp[ReplyKeyInError])

	_, hasLastError := inError["lastError"]
	assert.False(t, hasLastError)
	assert.Equal(t, []interface{}{6303.0, 10834.0, 16897.0}, inError["ctrlEvents"])
}

func TestErrorQuery_ReportsLastErrorAndMergesReply(t *testing.T) {
	f := newFixture(t, "ext1", Background)
	f.runtime.recordError(errors.New("first"))
	f.runtime.recordError(errors.New("second"))
	f.runtime.OnMessage().AddListener(func(_, _ interface{}, reply event.Reply) {
		reply(map[string]interface{}{"extra": 1})
	})

	resp := f.query(t, KindErrorQuery, nil, nil)
	assert.Equal(t, 1.0, resp["extra"])
	inError := resp[ReplyKeyInError].(map[string]interface{})
	assert.Equal(t, "second", inError["lastError"])
}

func TestErrorQueryTimestamped_BypassesListeners(t *testing.T) {
	f := newFixture(t, "ext1", Background)
	f.runtime.recordError(errors.New("boom"))

	var invoked bool
	f.runtime.OnMessage().AddListener(func(interface{}, interface{}, event.Reply) { invoked = true })

	before := time.Now().UnixMilli()
	resp := f.query(t, KindErrorQueryTimestamped, nil, nil)

	assert.False(t, invoked)
	assert.Equal(t, true, resp[ReplyKeyCtrl3])
	ts, ok := resp[ReplyKeyTS].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, int64(ts), before)
	assert.Equal(t, "boom", resp[ReplyKeyInError].(map[string]interface{})["lastError"])
}

func TestUserMessage_ReplyIsUnmodified(t *testing.T) {
	f := newFixture(t, "ext1", ContentScript)

	var seen MessageSender
	f.runtime.OnMessage().AddListener(func(_, sender interface{}, reply event.Reply) {
		seen = sender.(MessageSender)
		reply(map[string]interface{}{"p": []interface{}{1, "two"}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := f.manager.RequestWait(ctx, commsutil.OnMessageChannel("ext1"), []interface{}{"ext2", 3, "hi"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"p": [1, "two"]}`, string(raw))
	assert.Equal(t, "ext2", seen.ID())
	assert.Equal(t, 3.0, seen.SecondaryID())
	assert.False(t, seen.IsControl())
}

func TestUserMessage_FirstResponderWins(t *testing.T) {
	f := newFixture(t, "ext1", Background)
	f.runtime.OnMessage().AddListener(func(_, _ interface{}, reply event.Reply) { reply("first") })
	f.runtime.OnMessage().AddListener(func(_, _ interface{}, reply event.Reply) { reply("second") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := f.manager.RequestWait(ctx, commsutil.OnMessageChannel("ext1"), []interface{}{"ext2", nil, "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(raw))
}

func TestUserMessage_NoListenersRepliesNull(t *testing.T) {
	f := newFixture(t, "ext1", Background)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := f.manager.RequestWait(ctx, commsutil.OnMessageChannel("ext1"), []interface{}{"ext2", nil, "hi"})
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}

func TestUserMessage_SilentListenerLeavesCallerWaiting(t *testing.T) {
	f := newFixture(t, "ext1", Background)
	f.runtime.OnMessage().AddListener(func(interface{}, interface{}, event.Reply) {})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.manager.RequestWait(ctx, commsutil.OnMessageChannel("ext1"), []interface{}{"ext2", nil, "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUserMessage_SentinelSenderIsOrdinaryByDefault(t *testing.T) {
	f := newFixture(t, "ext1", Background)
	f.runtime.OnMessage().AddListener(func(_, _ interface{}, reply event.Reply) {
		reply(map[string]interface{}{"plain": true})
	})

	resp := f.query(t, KindUser, 6303, nil)
	assert.Equal(t, map[string]interface{}{"plain": true}, resp)
}

func TestLegacySentinels(t *testing.T) {
	f := newFixture(t, "ext1", Background, WithLegacySentinels(true))
	f.runtime.OnMessage().AddListener(func(_, _ interface{}, reply event.Reply) {
		reply(map[string]interface{}{"plain": true})
	})

	resp := f.query(t, KindUser, 6303, nil)
	assert.Equal(t, true, resp[ReplyKeyCtrl1])

	resp = f.query(t, KindUser, 10834, nil)
	assert.Contains(t, resp, ReplyKeyInError)

	resp = f.query(t, KindUser, 16897, nil)
	assert.Equal(t, true, resp[ReplyKeyCtrl3])

	resp = f.query(t, KindUser, "ext2", nil)
	assert.Equal(t, map[string]interface{}{"plain": true}, resp)
}

func TestUnknownKindIsRejected(t *testing.T) {
	f := newFixture(t, "ext1", Background)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.manager.RequestWait(ctx, commsutil.OnMessageChannel("ext1"), []interface{}{"ext2", nil, nil},
		dispatch.WithKind("reboot"))

	var remote *dispatch.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeInvalidArgument, remote.Code)
	assert.Error(t, f.runtime.LastError())
}

func TestMalformedTabIDIsRejected(t *testing.T) {
	f := newFixture(t, "ext1", Background)
	var delivered bool
	f.runtime.OnMessage().AddListener(func(_, _ interface{}, _ event.Reply) { delivered = true })

	args := dispatch.Args{json.RawMessage(`"ext2"`), json.RawMessage(`{not json`), json.RawMessage(`"hi"`)}
	rec := newCountingRespond()
	f.runtime.handleOnMessage(eventOf(KindUser), args, rec.respond)

	assert.Equal(t, 1, rec.count())
	var rtErr *RuntimeError
	require.ErrorAs(t, rec.err, &rtErr)
	assert.Equal(t, CodeInvalidArgument, rtErr.Code)
	assert.Error(t, f.runtime.LastError())
	assert.False(t, delivered)
}

func TestCtrlEventsInError(t *testing.T) {
	f := newFixture(t, "ext1", Background)

	snap := f.runtime.CtrlEventsInError()
	assert.Empty(t, snap.LastError)
	assert.Equal(t, [3]ControlSentinel{6303, 10834, 16897}, snap.CtrlEvents)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ctrlEvents": [6303, 10834, 16897]}`, string(data))
}
