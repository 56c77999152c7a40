package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/crxruntime"
	"github.com/morezero/crx-runtime/pkg/dispatch"
	"github.com/morezero/crx-runtime/pkg/manifest"
)

const routerLogPrefix = "host:router"

// Catalogue reports which extensions are installed.
type Catalogue interface {
	Get(id string) (*manifest.Extension, bool)
}

// Router serves the sendMessage channel. Each [targetId, message] request is
// forwarded to the target's onMessage channel as [originId, originTab, message]
// and the target's reply is relayed back.
type Router struct {
	manager   *dispatch.Manager
	catalogue Catalogue
	observer  Observer
}

// NewRouter creates a Router. A nil catalogue forwards to any valid id.
func NewRouter(manager *dispatch.Manager, catalogue Catalogue, observer Observer) *Router {
	return &Router{manager: manager, catalogue: catalogue, observer: observerOrNop(observer)}
}

// Start registers the sendMessage handler.
func (r *Router) Start() error {
	if err := r.manager.RegisterHandler(commsutil.ChannelSendMessage, r.handleSendMessage); err != nil {
		return fmt.Errorf("%s - failed to start: %w", routerLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Routing %s", routerLogPrefix, commsutil.ChannelSendMessage))
	return nil
}

// Stop unregisters the sendMessage handler.
func (r *Router) Stop() error {
	return r.manager.UnregisterHandler(commsutil.ChannelSendMessage)
}

func (r *Router) handleSendMessage(evt *dispatch.Event, args dispatch.Args, respond dispatch.Respond) {
	var target string
	if err := args.Decode(0, &target); err != nil {
		r.fail(respond, &dispatch.RemoteError{Code: crxruntime.CodeInvalidArgument, Message: "target extension id must be a string"})
		return
	}
	if err := commsutil.ValidateExtensionID(target); err != nil {
		r.fail(respond, &dispatch.RemoteError{Code: crxruntime.CodeInvalidArgument, Message: err.Error()})
		return
	}
	if r.catalogue != nil {
		if _, ok := r.catalogue.Get(target); !ok {
			r.fail(respond, &dispatch.RemoteError{Code: "NOT_FOUND", Message: fmt.Sprintf("extension %s is not installed", target)})
			return
		}
	}

	message, err := args.Value(1)
	if err != nil {
		r.fail(respond, &dispatch.RemoteError{Code: crxruntime.CodeInvalidArgument, Message: err.Error()})
		return
	}

	origin, tab := evt.Origin()
	var tabArg interface{}
	if tab != "" {
		tabArg = tab
	}

	slog.Debug(fmt.Sprintf("%s - %s -> %s (request %s)", routerLogPrefix, origin, target, evt.RequestID))
	err = r.manager.Request(commsutil.OnMessageChannel(target), []interface{}{origin, tabArg, message},
		func(_ *dispatch.Event, err error, response json.RawMessage) {
			if err != nil {
				var remote *dispatch.RemoteError
				if !errors.As(err, &remote) {
					err = &dispatch.RemoteError{Code: crxruntime.CodeTransportError, Message: err.Error()}
				}
				r.fail(respond, err)
				return
			}
			r.observer.Routed(nil)
			respond(nil, response)
		},
		dispatch.WithKind(string(crxruntime.KindUser)), dispatch.WithOrigin(origin, tab))
	if err != nil {
		r.fail(respond, err)
	}
}

func (r *Router) fail(respond dispatch.Respond, err error) {
	slog.Warn(fmt.Sprintf("%s - relay failed: %v", routerLogPrefix, err))
	r.observer.Routed(err)
	respond(err, nil)
}
