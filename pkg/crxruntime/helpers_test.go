package crxruntime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/morezero/crx-runtime/pkg/dispatch"
	"github.com/morezero/crx-runtime/pkg/manifest"
	"github.com/morezero/crx-runtime/pkg/transport"
)

// recordingTransport records every outgoing message before handing it to an
// in-memory transport.
type recordingTransport struct {
	*transport.Memory

	mu       sync.Mutex
	requests []*transport.Message
	sends    []*transport.Message
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{Memory: transport.NewMemory()}
}

func (r *recordingTransport) Request(msg *transport.Message, cb transport.ReplyCallback) {
	r.mu.Lock()
	r.requests = append(r.requests, msg)
	r.mu.Unlock()
	r.Memory.Request(msg, cb)
}

func (r *recordingTransport) Send(msg *transport.Message) error {
	r.mu.Lock()
	r.sends = append(r.sends, msg)
	r.mu.Unlock()
	return r.Memory.Send(msg)
}

func (r *recordingTransport) recorded() (requests, sends []*transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*transport.Message(nil), r.requests...), append([]*transport.Message(nil), r.sends...)
}

const testManifest = `{"name": "Test Extension", "version": "1.0.0", "manifest_version": 3, "permissions": ["storage"]}`

type fixture struct {
	runtime   *Runtime
	manager   *dispatch.Manager
	transport *recordingTransport
}

func newFixture(t *testing.T, id string, env Environment, opts ...Option) *fixture {
	t.Helper()
	tr := newRecordingTransport()
	m := dispatch.NewManager(tr)

	man, err := manifest.Parse([]byte(testManifest))
	require.NoError(t, err)

	r, err := New(id, env, manifest.NewExtension(id, man), m, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = r.Close()
		_ = tr.Close()
	})
	return &fixture{runtime: r, manager: m, transport: tr}
}

func decodeMap(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
