package crxruntime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/dispatch"
	"github.com/morezero/crx-runtime/pkg/event"
)

// Reply keys added by the control protocol.
const (
	ReplyKeyCtrl1   = "ctrl1"
	ReplyKeyCtrl3   = "ctrl3"
	ReplyKeyInError = "inError"
	ReplyKeyTS      = "ts"
)

// handleOnMessage serves [senderId, tabId, message] on the extension's
// onMessage channel. Every control query gets exactly one reply.
func (r *Runtime) handleOnMessage(evt *dispatch.Event, args dispatch.Args, respond dispatch.Respond) {
	kind, err := ParseMessageKind(evt.Kind())
	if err != nil {
		r.recordError(err)
		respond(wrapError(CodeInvalidArgument, err), nil)
		return
	}

	senderID, err := args.Value(0)
	if err != nil {
		r.recordError(err)
		respond(wrapError(CodeInvalidArgument, err), nil)
		return
	}
	tabID, err := args.Value(1)
	if err != nil {
		r.recordError(err)
		respond(wrapError(CodeInvalidArgument, err), nil)
		return
	}
	message, err := args.Value(2)
	if err != nil {
		r.recordError(err)
		respond(wrapError(CodeInvalidArgument, err), nil)
		return
	}

	if kind == KindUser && r.legacySentinels {
		kind = r.legacyKind(senderID)
	}

	switch kind {
	case KindLiveness:
		r.emitControl(message, r.sentinels[0], respond, func(reply interface{}) interface{} {
			return mergeReply(reply, ReplyKeyCtrl1, true)
		})
	case KindErrorQuery:
		r.emitControl(message, r.sentinels[1], respond, func(reply interface{}) interface{} {
			return mergeReply(reply, ReplyKeyInError, r.CtrlEventsInError())
		})
	case KindErrorQueryTimestamped:
		respond(nil, map[string]interface{}{
			ReplyKeyInError: r.CtrlEventsInError(),
			ReplyKeyCtrl3:   true,
			ReplyKeyTS:      time.Now().UnixMilli(),
		})
	default:
		id, _ := senderID.(string)
		if !r.onMessage.HasListeners() {
			respond(nil, nil)
			return
		}
		r.onMessage.Emit(message, NewMessageSender(id, tabID), func(reply interface{}) {
			respond(nil, reply)
		})
	}
}

// emitControl forwards a control query to the listeners and replies with the
// first listener answer, or with an empty answer when there are no listeners
// or none answers within the control reply timeout.
func (r *Runtime) emitControl(message interface{}, sentinel ControlSentinel, respond dispatch.Respond, wrap func(interface{}) interface{}) {
	race := event.NewRace(func(reply interface{}) {
		respond(nil, wrap(reply))
	})
	if !r.onMessage.HasListeners() {
		race.Settle(nil)
		return
	}

	r.onMessage.Emit(message, newControlSender(sentinel), race.Settle)
	if race.Settled() {
		return
	}
	time.AfterFunc(r.ctrlReplyTimeout, func() {
		if race.TrySettle(nil) {
			slog.Warn(fmt.Sprintf("%s - control query %s on %s unanswered after %s", logPrefix, sentinel, r.id, r.ctrlReplyTimeout))
		}
	})
}

func (r *Runtime) legacyKind(senderID interface{}) MessageKind {
	n, ok := senderID.(float64)
	if !ok {
		return KindUser
	}
	switch ControlSentinel(n) {
	case r.sentinels[0]:
		return KindLiveness
	case r.sentinels[1]:
		return KindErrorQuery
	case r.sentinels[2]:
		return KindErrorQueryTimestamped
	default:
		return KindUser
	}
}

// mergeReply copies the fields of reply into a new object and sets key.
// Replies that are not objects contribute no fields.
func mergeReply(reply interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	fields, ok := reply.(map[string]interface{})
	if !ok && reply != nil {
		if cloned, err := commsutil.CloneValue(reply); err == nil {
			fields, _ = cloned.(map[string]interface{})
		}
	}
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
