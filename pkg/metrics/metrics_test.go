package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/crx-runtime/pkg/commsutil"
	"github.com/morezero/crx-runtime/pkg/dispatch"
)

var _ dispatch.Observer = (*Metrics)(nil)

func TestChannelKind(t *testing.T) {
	assert.Equal(t, "sendmessage", ChannelKind(commsutil.ChannelSendMessage))
	assert.Equal(t, "onmessage", ChannelKind(commsutil.OnMessageChannel("abc")))
	assert.Equal(t, "connect", ChannelKind(commsutil.ContentScriptConnectChannel("abc")))
	assert.Equal(t, "other", ChannelKind("something.else"))
}

func TestObserverCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RequestSent(commsutil.OnMessageChannel("a"), "liveness")
	m.RequestSent(commsutil.OnMessageChannel("b"), "liveness")
	m.RequestSent(commsutil.ChannelSendMessage, "")
	m.RequestHandled(commsutil.ChannelSendMessage, "user")
	m.TransportError(commsutil.OnMessageChannel("a"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsSent.WithLabelValues("onmessage", "liveness")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsSent.WithLabelValues("sendmessage", "user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsHandled.WithLabelValues("sendmessage", "user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportErrors.WithLabelValues("onmessage")))
}

func TestRoutedProbedConnected(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Routed(nil)
	m.Routed(errors.New("x"))
	m.Probed("error-query", nil)
	m.Connected(1)
	m.Connected(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlQueries.WithLabelValues("error-query", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveExtensions))
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Connected(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "crx_active_extensions 3"))
}
