package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for a streaming node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	streamsStartedTotal prometheus.Counter
	streamStartFailures prometheus.Counter
	streamsStoppedTotal prometheus.Counter
	datagramsTotal      *prometheus.CounterVec
	notificationsSent   prometheus.Counter
	registeredChannels  prometheus.Gauge
	liveChannels        prometheus.Gauge
	websocketClients    prometheus.Gauge
}

// New creates and registers Prometheus metrics for the node.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vms_requests_total",
		Help: "Total number of control requests routed",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vms_errors_total",
		Help: "Total number of control responses with error status (4xx or 5xx)",
	})
	streamsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vms_streams_started_total",
		Help: "Total number of channels whose controller started",
	})
	streamStartFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vms_stream_start_failures_total",
		Help: "Total number of channel starts that failed to acquire resources",
	})
	streamsStoppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vms_streams_stopped_total",
		Help: "Total number of channels stopped",
	})
	datagramsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vms_datagrams_received_total",
		Help: "Datagrams observed by liveness monitors",
	}, []string{"channel"})
	notificationsSent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vms_notifications_sent_total",
		Help: "WebSocket notification frames written to clients",
	})
	registeredChannels := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vms_registered_channels",
		Help: "Number of channels with a running controller",
	})
	liveChannels := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vms_live_channels",
		Help: "Number of registered channels currently reporting activity",
	})
	websocketClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vms_websocket_clients",
		Help: "Number of connected notification clients",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		streamsStartedTotal,
		streamStartFailures,
		streamsStoppedTotal,
		datagramsTotal,
		notificationsSent,
		registeredChannels,
		liveChannels,
		websocketClients,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		streamsStartedTotal: streamsStartedTotal,
		streamStartFailures: streamStartFailures,
		streamsStoppedTotal: streamsStoppedTotal,
		datagramsTotal:      datagramsTotal,
		notificationsSent:   notificationsSent,
		registeredChannels:  registeredChannels,
		liveChannels:        liveChannels,
		websocketClients:    websocketClients,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncStreamsStarted increments the started counter.
func (m *Metrics) IncStreamsStarted() {
	if m == nil {
		return
	}
	m.streamsStartedTotal.Inc()
}

// IncStreamStartFailures increments the start failure counter.
func (m *Metrics) IncStreamStartFailures() {
	if m == nil {
		return
	}
	m.streamStartFailures.Inc()
}

// IncStreamsStopped increments the stopped counter.
func (m *Metrics) IncStreamsStopped() {
	if m == nil {
		return
	}
	m.streamsStoppedTotal.Inc()
}

// ObserveDatagram counts one datagram received on the given channel.
func (m *Metrics) ObserveDatagram(channel string) {
	if m == nil {
		return
	}
	m.datagramsTotal.WithLabelValues(channel).Inc()
}

// AddNotificationsSent adds n written notification frames.
func (m *Metrics) AddNotificationsSent(n int) {
	if m == nil {
		return
	}
	m.notificationsSent.Add(float64(n))
}

// SetChannels sets the registered and live channel gauges.
func (m *Metrics) SetChannels(registered, live int) {
	if m == nil {
		return
	}
	m.registeredChannels.Set(float64(registered))
	m.liveChannels.Set(float64(live))
}

// SetWebsocketClients sets the connected notification client gauge.
func (m *Metrics) SetWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.websocketClients.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. live channels).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
