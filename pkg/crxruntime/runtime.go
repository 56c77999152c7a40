// Package crxruntime implements the chrome.runtime messaging surface of a
// hosted extension: sendMessage, onMessage and the control queries the host
// uses to probe a runtime over the same channel.
package crxruntime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/crx-runtime/pkg/argparser"
	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/dispatch"
	"github.com/morezero/crx-runtime/pkg/event"
	"github.com/morezero/crx-runtime/pkg/manifest"
)

const logPrefix = "crxruntime:runtime"

// URLScheme is the scheme of extension resource URLs.
const URLScheme = "chrome-extension"

// DefaultCtrlReplyTimeout bounds how long a control query waits for a listener.
const DefaultCtrlReplyTimeout = 5 * time.Second

var defaultSentinels = [3]ControlSentinel{6303, 10834, 16897}

// Datasource supplies the extension metadata.
type Datasource interface {
	Manifest() *manifest.Manifest
}

// InErrorSnapshot is the error state reported to control queries.
type InErrorSnapshot struct {
	LastError  string             `json:"lastError,omitempty"`
	CtrlEvents [3]ControlSentinel `json:"ctrlEvents"`
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTabID sets the tab a content-script runtime belongs to.
func WithTabID(tabID string) Option {
	return func(r *Runtime) { r.tabID = tabID }
}

// WithCtrlReplyTimeout overrides DefaultCtrlReplyTimeout.
func WithCtrlReplyTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.ctrlReplyTimeout = d
		}
	}
}

// WithLegacySentinels also treats user messages whose sender id equals a
// sentinel as control queries.
func WithLegacySentinels(enabled bool) Option {
	return func(r *Runtime) { r.legacySentinels = enabled }
}

// Runtime is the chrome.runtime API of one extension in one environment.
type Runtime struct {
	id               string
	env              Environment
	datasource       Datasource
	manager          *dispatch.Manager
	tabID            string
	ctrlReplyTimeout time.Duration
	legacySentinels  bool
	sentinels        [3]ControlSentinel

	onMessage   *event.Event
	onInstalled *event.Unsupported

	errMu   sync.RWMutex
	lastErr error

	closed atomic.Bool
}

// New creates a Runtime, registers its inbound handler and, in a content
// script, announces the connection to the host.
func New(extensionID string, env Environment, datasource Datasource, manager *dispatch.Manager, opts ...Option) (*Runtime, error) {
	if err := commsutil.ValidateExtensionID(extensionID); err != nil {
		return nil, wrapError(CodeInvalidArgument, err)
	}
	env, err := ParseEnvironment(string(env))
	if err != nil {
		return nil, wrapError(CodeInvalidArgument, err)
	}

	r := &Runtime{
		id:               extensionID,
		env:              env,
		datasource:       datasource,
		manager:          manager,
		ctrlReplyTimeout: DefaultCtrlReplyTimeout,
		sentinels:        defaultSentinels,
		onInstalled:      event.NewUnsupported("chrome.runtime.onInstalled"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.onMessage = event.New(event.WithPanicHandler(r.recordError))

	if err := manager.RegisterHandler(commsutil.OnMessageChannel(extensionID), r.handleOnMessage); err != nil {
		return nil, fmt.Errorf("%s - runtime %s: %w", logPrefix, extensionID, err)
	}

	if env == ContentScript {
		channel := commsutil.ContentScriptConnectChannel(extensionID)
		if err := manager.Send(channel, nil, dispatch.WithOrigin(extensionID, r.tabID)); err != nil {
			slog.Warn(fmt.Sprintf("%s - connection announcement for %s failed: %v", logPrefix, extensionID, err))
			r.recordError(err)
		}
	}

	slog.Debug(fmt.Sprintf("%s - Runtime %s created in %s", logPrefix, extensionID, env))
	return r, nil
}

// ID returns the extension id.
func (r *Runtime) ID() string {
	return r.id
}

// Environment returns the execution environment.
func (r *Runtime) Environment() Environment {
	return r.env
}

// OnMessage is the event inbound messages are delivered to. Listeners receive
// a MessageSender as the sender.
func (r *Runtime) OnMessage() event.Subscriber {
	return r.onMessage
}

// OnInstalled is not delivered to hosted extensions.
func (r *Runtime) OnInstalled() event.Subscriber {
	return r.onInstalled
}

// LastError returns the most recent internal fault, or nil.
func (r *Runtime) LastError() error {
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	return r.lastErr
}

// CtrlEventsInError snapshots the last error together with the control
// sentinels. It exists for diagnostic tooling.
func (r *Runtime) CtrlEventsInError() InErrorSnapshot {
	snap := InErrorSnapshot{CtrlEvents: r.sentinels}
	if err := r.LastError(); err != nil {
		snap.LastError = err.Error()
	}
	return snap
}

// GetURL formats the URL of a resource packaged with the extension.
func (r *Runtime) GetURL(path string) string {
	u := url.URL{Scheme: URLScheme, Host: r.id, Path: path}
	return u.String()
}

// GetManifest returns a copy of the extension manifest. Callers own the result.
func (r *Runtime) GetManifest() map[string]interface{} {
	if r.datasource == nil {
		return nil
	}
	m := r.datasource.Manifest()
	if m == nil {
		return nil
	}
	return m.CloneData()
}

// SetUninstallURL is not supported. Content scripts do not have it at all.
func (r *Runtime) SetUninstallURL(string) error {
	if r.env == ContentScript {
		return &RuntimeError{Code: CodeNotAvailable, Message: "chrome.runtime.setUninstallURL is not available in content scripts"}
	}
	slog.Warn(fmt.Sprintf("%s - chrome.runtime.setUninstallURL is not supported at this time", logPrefix))
	return &RuntimeError{Code: CodeUnsupportedCapability, Message: "chrome.runtime.setUninstallURL is not supported"}
}

func (r *Runtime) sendMessagePatterns() []argparser.Pattern {
	self := argparser.Literal(r.id)
	return []argparser.Pattern{
		{Types: []string{argparser.TypeString, argparser.TypeAny, argparser.TypeObject}, Out: []argparser.Out{argparser.MatchArg0, argparser.MatchArg1, argparser.MatchArg2}},
		{Types: []string{argparser.TypeString, argparser.TypeAny}, Out: []argparser.Out{argparser.MatchArg0, argparser.MatchArg1, argparser.Absent}},
		{Types: []string{argparser.TypeAny, argparser.TypeObject}, Out: []argparser.Out{self, argparser.MatchArg0, argparser.MatchArg1}},
		{Types: []string{argparser.TypeAny}, Out: []argparser.Out{self, argparser.MatchArg0, argparser.Absent}},
	}
}

// SendMessage implements chrome.runtime.sendMessage([extensionId], message,
// [options], [callback]). The callback receives the decoded reply; it is not
// called when delivery fails, in which case the failure becomes LastError.
// Options are accepted but have no effect.
func (r *Runtime) SendMessage(args ...interface{}) error {
	if r.env == Background {
		return &RuntimeError{Code: CodeEnvironmentViolation, Message: "chrome.runtime.sendMessage is not supported in background page"}
	}

	callback, rest := argparser.SplitCallback(args)
	resolved, err := argparser.Match(rest, r.sendMessagePatterns())
	if err != nil {
		return wrapError(CodeShapeMismatch, err)
	}
	target, _ := resolved[0].(string)
	message, options := resolved[1], resolved[2]

	if !isEmptyOptions(options) {
		slog.Error(fmt.Sprintf("%s - chrome.runtime.sendMessage does not support options", logPrefix))
	}

	err = r.manager.Request(commsutil.ChannelSendMessage, []interface{}{target, message}, func(_ *dispatch.Event, err error, response json.RawMessage) {
		if err != nil {
			slog.Debug(fmt.Sprintf("%s - sendMessage from %s to %s failed: %v", logPrefix, r.id, target, err))
			r.recordError(wrapError(CodeTransportError, err))
			return
		}
		if callback == nil {
			return
		}
		value, dErr := commsutil.DecodeValue(response)
		if dErr != nil {
			r.recordError(dErr)
			return
		}
		r.invokeCallback(callback, value)
	}, dispatch.WithKind(string(KindUser)), dispatch.WithOrigin(r.id, r.tabID))
	if err != nil {
		return wrapError(CodeInvalidArgument, err)
	}
	return nil
}

// Close unregisters the inbound handler so the extension id can be reused.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.manager.UnregisterHandler(commsutil.OnMessageChannel(r.id))
}

// invokeCallback runs a sendMessage callback on the delivery goroutine. A
// panic is recorded as the last error.
func (r *Runtime) invokeCallback(callback argparser.Callback, value interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("%s - sendMessage callback panicked: %v", logPrefix, rec)
			slog.Error(err.Error())
			r.recordError(err)
		}
	}()
	callback(value)
}

func (r *Runtime) recordError(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	r.lastErr = err
	r.errMu.Unlock()
}

func isEmptyOptions(options interface{}) bool {
	switch o := options.(type) {
	case nil:
		return true
	case map[string]interface{}:
		return len(o) == 0
	default:
		return false
	}
}
