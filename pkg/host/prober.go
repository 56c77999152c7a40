package host

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/crxruntime"
	"github.com/morezero/crx-runtime/pkg/dispatch"
)

const proberLogPrefix = "host:prober"

// ProbeResult is a decoded control reply.
type ProbeResult struct {
	Kind      crxruntime.MessageKind
	Alive     bool
	InError   *crxruntime.InErrorSnapshot
	Timestamp time.Time
	// Fields holds the full reply, including listener-supplied fields.
	Fields map[string]interface{}
}

// Prober sends control queries to runtimes.
type Prober struct {
	manager  *dispatch.Manager
	timeout  time.Duration
	observer Observer
}

// NewProber creates a Prober. Each probe waits at most timeout unless ctx is shorter.
func NewProber(manager *dispatch.Manager, timeout time.Duration, observer Observer) *Prober {
	return &Prober{manager: manager, timeout: timeout, observer: observerOrNop(observer)}
}

// Probe sends a control query of kind to the runtime of extensionID.
func (p *Prober) Probe(ctx context.Context, extensionID string, kind crxruntime.MessageKind, message interface{}) (*ProbeResult, error) {
	if !kind.IsControl() {
		return nil, fmt.Errorf("%s - %q is not a control query", proberLogPrefix, kind)
	}
	if err := commsutil.ValidateExtensionID(extensionID); err != nil {
		return nil, fmt.Errorf("%s - %w", proberLogPrefix, err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	raw, err := p.manager.RequestWait(ctx, commsutil.OnMessageChannel(extensionID),
		[]interface{}{nil, nil, message}, dispatch.WithKind(string(kind)))
	p.observer.Probed(string(kind), err)
	if err != nil {
		return nil, fmt.Errorf("%s - %s probe of %s: %w", proberLogPrefix, kind, extensionID, err)
	}
	return decodeProbe(kind, raw)
}

// Liveness checks that the runtime answers.
func (p *Prober) Liveness(ctx context.Context, extensionID string) (*ProbeResult, error) {
	return p.Probe(ctx, extensionID, crxruntime.KindLiveness, nil)
}

// ErrorState fetches the runtime's last error.
func (p *Prober) ErrorState(ctx context.Context, extensionID string) (*ProbeResult, error) {
	return p.Probe(ctx, extensionID, crxruntime.KindErrorQueryTimestamped, nil)
}

func decodeProbe(kind crxruntime.MessageKind, raw json.RawMessage) (*ProbeResult, error) {
	var wire struct {
		Ctrl1   bool                        `json:"ctrl1"`
		Ctrl3   bool                        `json:"ctrl3"`
		InError *crxruntime.InErrorSnapshot `json:"inError"`
		TS      int64                       `json:"ts"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%s - malformed %s reply: %w", proberLogPrefix, kind, err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%s - %s reply is not an object: %w", proberLogPrefix, kind, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%s - %s reply is empty", proberLogPrefix, kind)
	}

	res := &ProbeResult{Kind: kind, InError: wire.InError, Fields: fields}
	switch kind {
	case crxruntime.KindLiveness:
		res.Alive = wire.Ctrl1
	case crxruntime.KindErrorQuery:
		res.Alive = wire.InError != nil
	case crxruntime.KindErrorQueryTimestamped:
		res.Alive = wire.Ctrl3
		if wire.TS > 0 {
			res.Timestamp = time.UnixMilli(wire.TS)
		}
	}
	return res, nil
}
