package host

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/dispatch"
	"github.com/morezero/crx-runtime/pkg/events"
)

const connectionsLogPrefix = "host:connections"

// Recorder persists connection counters.
type Recorder interface {
	RecordConnection(ctx context.Context, extensionID, hostName string) error
}

// ConnectionStat is the per-extension announcement counter.
type ConnectionStat struct {
	ExtensionID string    `json:"extensionId"`
	Connections int64     `json:"connections"`
	LastTab     string    `json:"lastTab,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

// ConnectionsOpts configures Connections. Nil fields are disabled.
type ConnectionsOpts struct {
	HostName  string
	Recorder  Recorder
	Publisher events.EventPublisher
	Observer  Observer
	// Timeout bounds persistence and publishing per announcement.
	Timeout time.Duration
}

// Connections tracks content-script connection announcements.
type Connections struct {
	manager   *dispatch.Manager
	hostName  string
	recorder  Recorder
	publisher events.EventPublisher
	observer  Observer
	timeout   time.Duration

	mu    sync.RWMutex
	stats map[string]*ConnectionStat
}

// NewConnections creates a connection tracker.
func NewConnections(manager *dispatch.Manager, opts ConnectionsOpts) *Connections {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Connections{
		manager:   manager,
		hostName:  opts.HostName,
		recorder:  opts.Recorder,
		publisher: publisher,
		observer:  observerOrNop(opts.Observer),
		timeout:   timeout,
		stats:     make(map[string]*ConnectionStat),
	}
}

// Start subscribes to every extension's connection channel.
func (c *Connections) Start() error {
	if err := c.manager.RegisterHandler(commsutil.ContentScriptConnectWildcard, c.handleConnect); err != nil {
		return fmt.Errorf("%s - failed to start: %w", connectionsLogPrefix, err)
	}
	return nil
}

// Stop unsubscribes.
func (c *Connections) Stop() error {
	return c.manager.UnregisterHandler(commsutil.ContentScriptConnectWildcard)
}

// Snapshot returns the counters ordered by extension id.
func (c *Connections) Snapshot() []ConnectionStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConnectionStat, 0, len(c.stats))
	for _, s := range c.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtensionID < out[j].ExtensionID })
	return out
}

func (c *Connections) handleConnect(evt *dispatch.Event, _ dispatch.Args, respond dispatch.Respond) {
	defer respond(nil, nil)

	extID := commsutil.ExtensionIDFromChannel(commsutil.ContentScriptConnectPrefix, evt.Channel)
	if err := commsutil.ValidateExtensionID(extID); err != nil {
		slog.Warn(fmt.Sprintf("%s - ignoring announcement on %s: %v", connectionsLogPrefix, evt.Channel, err))
		return
	}
	_, tab := evt.Origin()

	stat, active := c.record(extID, tab)
	c.observer.Connected(active)
	slog.Info(fmt.Sprintf("%s - Content script connected: %s (tab %s, total %d)", connectionsLogPrefix, extID, tab, stat.Connections))

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if c.recorder != nil {
		if err := c.recorder.RecordConnection(ctx, extID, c.hostName); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to persist connection for %s: %v", connectionsLogPrefix, extID, err))
		}
	}
	if err := c.publisher.PublishConnected(ctx, &events.ConnectionEvent{
		ExtensionID: extID,
		TabID:       tab,
		HostName:    c.hostName,
		Connections: stat.Connections,
		Timestamp:   stat.LastSeen.Format(time.RFC3339),
	}); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish connection for %s: %v", connectionsLogPrefix, extID, err))
	}
}

func (c *Connections) record(extID, tab string) (ConnectionStat, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[extID]
	if !ok {
		s = &ConnectionStat{ExtensionID: extID}
		c.stats[extID] = s
	}
	s.Connections++
	s.LastTab = tab
	s.LastSeen = time.Now().UTC()
	return *s, len(c.stats)
}
