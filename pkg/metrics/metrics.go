// Package metrics exposes Prometheus instrumentation for the messaging bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crx"

// Metrics collects bridge activity. It implements dispatch.Observer.
type Metrics struct {
	// RequestsSent counts outgoing requests.
	// Labels: channel_kind (sendmessage|onmessage|connect|other), kind
	RequestsSent *prometheus.CounterVec

	// RequestsHandled counts requests served by a local handler.
	// Labels: channel_kind, kind
	RequestsHandled *prometheus.CounterVec

	// TransportErrors counts requests that failed at the transport.
	// Labels: channel_kind
	TransportErrors *prometheus.CounterVec

	// MessagesRouted counts host relays by outcome (ok|error).
	MessagesRouted *prometheus.CounterVec

	// ControlQueries counts probes by kind and outcome.
	ControlQueries *prometheus.CounterVec

	// ConnectionsTotal counts content-script announcements.
	ConnectionsTotal prometheus.Counter

	// ActiveExtensions is the number of extensions with at least one announced content script.
	ActiveExtensions prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the bridge metrics with reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Requests sent through the dispatch manager",
		}, []string{"channel_kind", "kind"}),
		RequestsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_handled_total",
			Help:      "Requests served by a registered handler",
		}, []string{"channel_kind", "kind"}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Requests that failed at the transport",
		}, []string{"channel_kind"}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "sendMessage calls relayed by the host",
		}, []string{"outcome"}),
		ControlQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_queries_total",
			Help:      "Control queries issued by the host",
		}, []string{"kind", "outcome"}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contentscript_connections_total",
			Help:      "Content-script connection announcements received",
		}),
		ActiveExtensions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_extensions",
			Help:      "Extensions with at least one announced content script",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RequestSent implements dispatch.Observer.
func (m *Metrics) RequestSent(channel, kind string) {
	m.RequestsSent.WithLabelValues(ChannelKind(channel), kindLabel(kind)).Inc()
}

// RequestHandled implements dispatch.Observer.
func (m *Metrics) RequestHandled(channel, kind string) {
	m.RequestsHandled.WithLabelValues(ChannelKind(channel), kindLabel(kind)).Inc()
}

// TransportError implements dispatch.Observer.
func (m *Metrics) TransportError(channel string) {
	m.TransportErrors.WithLabelValues(ChannelKind(channel)).Inc()
}

// Routed records one host relay.
func (m *Metrics) Routed(err error) {
	m.MessagesRouted.WithLabelValues(outcome(err)).Inc()
}

// Probed records one control query.
func (m *Metrics) Probed(kind string, err error) {
	m.ControlQueries.WithLabelValues(kindLabel(kind), outcome(err)).Inc()
}

// Connected records an announcement and the resulting number of active extensions.
func (m *Metrics) Connected(activeExtensions int) {
	m.ConnectionsTotal.Inc()
	m.ActiveExtensions.Set(float64(activeExtensions))
}

func kindLabel(kind string) string {
	if kind == "" {
		return "user"
	}
	return kind
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
