package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/morezero/crx-runtime/internal/config"
	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/crxruntime"
	"github.com/morezero/crx-runtime/pkg/dispatch"
	"github.com/morezero/crx-runtime/pkg/host"
	"github.com/morezero/crx-runtime/pkg/transport"
)

// client issues crxctl requests through a dispatch manager.
type client struct {
	ctx     context.Context
	manager *dispatch.Manager
	timeout time.Duration
}

func withManager(ctx context.Context, opts *globalOpts, fn func(c *client) error) error {
	url := opts.commsURL
	if url == "" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		url = cfg.COMMSURL
	}
	nc, err := commsutil.Connect(url, "crxctl")
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer nc.Close()

	manager := dispatch.NewManager(transport.NewNATS(nc))
	defer manager.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(&client{ctx: ctx, manager: manager, timeout: opts.timeout})
}

func parseProbeKind(s string) (crxruntime.MessageKind, error) {
	switch strings.ToLower(s) {
	case "", "liveness":
		return crxruntime.KindLiveness, nil
	case "error", string(crxruntime.KindErrorQuery):
		return crxruntime.KindErrorQuery, nil
	case "error-ts", string(crxruntime.KindErrorQueryTimestamped):
		return crxruntime.KindErrorQueryTimestamped, nil
	}
	return "", fmt.Errorf("unknown probe kind %q (use liveness, error, error-ts)", s)
}

// parseMessage decodes s as JSON, falling back to the raw string.
func parseMessage(s string) interface{} {
	v, err := commsutil.DecodeValue(json.RawMessage(s))
	if err != nil {
		return s
	}
	return v
}

func (c *client) probe(out io.Writer, extensionID string, kind crxruntime.MessageKind) error {
	res, err := host.NewProber(c.manager, c.timeout, nil).Probe(c.ctx, extensionID, kind, nil)
	if err != nil {
		return err
	}
	return writeIndented(out, res.Fields)
}

func (c *client) send(out io.Writer, target string, message interface{}, from, tab string) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	resp, err := c.manager.RequestWait(ctx, commsutil.ChannelSendMessage, []interface{}{target, message},
		dispatch.WithKind(string(crxruntime.KindUser)), dispatch.WithOrigin(from, tab))
	if err != nil {
		return err
	}
	v, err := commsutil.DecodeValue(resp)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return writeIndented(out, v)
}

func writeIndented(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
